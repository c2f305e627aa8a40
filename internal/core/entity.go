package core

import (
	"bytes"
	"fmt"
	"reflect"

	"txgraph/pkg/domain"
)

var _ domain.EntityReader = (*Entity)(nil)

type blobValue struct {
	data    []byte
	text    string
	isText  bool
	deleted bool
}

// Entity is a session-bound handle. Writes land in the handle's overlay and
// in the session tracker; the persistent store is only touched on flush.
// A session hands out one handle per entity, so handles compare by identity.
type Entity struct {
	session   *Session
	typ       string
	id        domain.EntityID
	state     domain.EntityState
	prevState domain.EntityState
	temporary bool
	seq       int

	props   map[string]any
	deleted map[string]struct{}
	// links holds the full target list of every link touched in the session.
	links map[string][]*Entity
	blobs map[string]*blobValue
}

func newEntity(s *Session, typ string, id domain.EntityID, state domain.EntityState) *Entity {
	return &Entity{
		session: s,
		typ:     typ,
		id:      id,
		state:   state,
		props:   make(map[string]any),
		deleted: make(map[string]struct{}),
		links:   make(map[string][]*Entity),
		blobs:   make(map[string]*blobValue),
	}
}

// Type returns the entity type name.
func (e *Entity) Type() string { return e.typ }

// ID returns the persistent id; zero until the entity has been flushed.
func (e *Entity) ID() domain.EntityID { return e.id }

// State returns the lifecycle state.
func (e *Entity) State() domain.EntityState { return e.state }

// IsTemporary reports whether the entity is excluded from persistence.
func (e *Entity) IsTemporary() bool { return e.temporary }

// Session returns the owning session.
func (e *Entity) Session() *Session { return e.session }

// FullID qualifies the id with the owning store.
func (e *Entity) FullID() domain.FullEntityID {
	return domain.FullEntityID{StoreID: e.session.store.ID(), EntityID: e.id}
}

func (e *Entity) String() string {
	if e.id.IsZero() {
		return fmt.Sprintf("%s[new#%d]", e.typ, e.seq)
	}
	return fmt.Sprintf("%s[%s]", e.typ, e.id)
}

func (e *Entity) persisted() bool { return !e.id.IsZero() }

func (e *Entity) removedOrTemporary() bool { return e.state.IsRemoved() || e.temporary }

// skipsReplay reports whether actions touching the entity must not reach the
// persistent store.
func (e *Entity) skipsReplay() bool {
	return e.temporary || e.state == domain.StateRemovedNew
}

// Property returns the current value of a property, nil when unset.
func (e *Entity) Property(name string) any {
	if _, gone := e.deleted[name]; gone {
		return nil
	}
	if v, ok := e.props[name]; ok {
		return v
	}
	if !e.persisted() {
		return nil
	}
	v, _ := e.session.view.Property(e.id, name)
	return v
}

// Links returns the current targets of a link.
func (e *Entity) Links(name string) []*Entity {
	if targets, ok := e.links[name]; ok {
		return append([]*Entity(nil), targets...)
	}
	if !e.persisted() {
		return nil
	}
	ids := e.session.view.Links(e.id, name)
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if target := e.session.handle(id); target != nil {
			out = append(out, target)
		}
	}
	return out
}

// Link returns the first target of a link, nil when empty.
func (e *Entity) Link(name string) *Entity {
	if targets, ok := e.links[name]; ok {
		if len(targets) == 0 {
			return nil
		}
		return targets[0]
	}
	if !e.persisted() {
		return nil
	}
	id, ok := e.session.view.Link(e.id, name)
	if !ok {
		return nil
	}
	return e.session.handle(id)
}

// countLinks counts link targets, stopping at limit when limit > 0.
func (e *Entity) countLinks(name string, limit int) int {
	if targets, ok := e.links[name]; ok {
		if limit > 0 && len(targets) > limit {
			return limit
		}
		return len(targets)
	}
	if !e.persisted() {
		return 0
	}
	return e.session.view.CountLinks(e.id, name, limit)
}

func (e *Entity) linksTo(name string, target *Entity) bool {
	return containsEntity(e.Links(name), target)
}

// Blob returns the contents of a binary blob.
func (e *Entity) Blob(name string) ([]byte, bool) {
	if b, ok := e.blobs[name]; ok {
		if b.deleted {
			return nil, false
		}
		if b.isText {
			return []byte(b.text), true
		}
		return bytes.Clone(b.data), true
	}
	if !e.persisted() {
		return nil, false
	}
	data, ok, err := e.session.view.Blob(e.id, name)
	if err != nil {
		e.session.store.logger.Warn("read blob failed", "entity", e.String(), "blob", name, "error", err)
		return nil, false
	}
	return data, ok
}

// BlobString returns the contents of a text blob.
func (e *Entity) BlobString(name string) (string, bool) {
	if b, ok := e.blobs[name]; ok {
		if b.deleted {
			return "", false
		}
		if b.isText {
			return b.text, true
		}
		return string(b.data), true
	}
	if !e.persisted() {
		return "", false
	}
	text, ok, err := e.session.view.BlobString(e.id, name)
	if err != nil {
		e.session.store.logger.Warn("read blob failed", "entity", e.String(), "blob", name, "error", err)
		return "", false
	}
	return text, ok
}

func (e *Entity) mutable() error {
	if err := e.session.checkOpen(); err != nil {
		return err
	}
	if e.state.IsRemoved() {
		return fmt.Errorf("%s: %w", e, domain.ErrEntityAlreadyRemoved)
	}
	return nil
}

func (e *Entity) checkTarget(target *Entity) error {
	if target == nil {
		return fmt.Errorf("%s: nil link target", e)
	}
	if target.session != e.session {
		return fmt.Errorf("%s: link target %s belongs to another session: %w", e, target, domain.ErrIllegalSessionState)
	}
	if target.state.IsRemoved() {
		return fmt.Errorf("link target %s: %w", target, domain.ErrEntityAlreadyRemoved)
	}
	return nil
}

// SetProperty assigns a property. A nil value deletes it; writing the
// current value is a no-op.
func (e *Entity) SetProperty(name string, value any) error {
	if value == nil {
		return e.DeleteProperty(name)
	}
	if err := e.mutable(); err != nil {
		return err
	}
	old := e.Property(name)
	if valuesEqual(old, value) {
		return nil
	}
	if b, ok := value.([]byte); ok {
		value = bytes.Clone(b)
	}
	e.props[name] = value
	delete(e.deleted, name)
	e.session.tracker.PropertyChanged(e, name, old, value)
	return nil
}

// DeleteProperty unsets a property.
func (e *Entity) DeleteProperty(name string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	old := e.Property(name)
	if old == nil {
		return nil
	}
	delete(e.props, name)
	e.deleted[name] = struct{}{}
	e.session.tracker.PropertyDeleted(e, name, old)
	return nil
}

// AddLink appends target to a link. Adding an existing target is a no-op.
func (e *Entity) AddLink(name string, target *Entity) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if err := e.checkTarget(target); err != nil {
		return err
	}
	current := e.Links(name)
	if containsEntity(current, target) {
		return nil
	}
	e.links[name] = append(current, target)
	e.session.tracker.LinkAdded(e, name, target)
	return nil
}

// SetLink replaces every target of a link with target. A nil target clears
// the link.
func (e *Entity) SetLink(name string, target *Entity) error {
	if target == nil {
		return e.DeleteLinks(name)
	}
	if err := e.mutable(); err != nil {
		return err
	}
	if err := e.checkTarget(target); err != nil {
		return err
	}
	current := e.Links(name)
	if len(current) == 1 && current[0] == target {
		return nil
	}
	var prev *Entity
	if len(current) > 0 {
		prev = current[0]
	}
	e.links[name] = []*Entity{target}
	e.session.tracker.LinkSet(e, name, target, prev)
	return nil
}

// DeleteLink removes target from a link. Missing targets are ignored.
func (e *Entity) DeleteLink(name string, target *Entity) error {
	if err := e.mutable(); err != nil {
		return err
	}
	current := e.Links(name)
	i := indexEntity(current, target)
	if i < 0 {
		return nil
	}
	e.links[name] = append(current[:i:i], current[i+1:]...)
	e.session.tracker.LinkDeleted(e, name, target)
	return nil
}

// DeleteLinks removes every target of a link.
func (e *Entity) DeleteLinks(name string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	current := e.Links(name)
	if len(current) == 0 {
		return nil
	}
	e.links[name] = []*Entity{}
	e.session.tracker.LinksDeleted(e, name, current)
	return nil
}

// SetBlob stores binary content under name.
func (e *Entity) SetBlob(name string, data []byte) error {
	if err := e.mutable(); err != nil {
		return err
	}
	data = bytes.Clone(data)
	e.blobs[name] = &blobValue{data: data}
	e.session.tracker.BlobChanged(e, name, data)
	return nil
}

// SetBlobString stores text content under name.
func (e *Entity) SetBlobString(name, text string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	e.blobs[name] = &blobValue{text: text, isText: true}
	e.session.tracker.BlobStringChanged(e, name, text)
	return nil
}

// DeleteBlob removes a blob. Missing blobs are ignored.
func (e *Entity) DeleteBlob(name string) error {
	if err := e.mutable(); err != nil {
		return err
	}
	if _, ok := e.Blob(name); !ok {
		return nil
	}
	e.blobs[name] = &blobValue{deleted: true}
	e.session.tracker.BlobDeleted(e, name)
	return nil
}

// Delete removes the entity, running destructors and cascades first.
func (e *Entity) Delete() error { return e.session.Delete(e) }

func (e *Entity) markRemoved() {
	e.prevState = e.state
	if e.state == domain.StateNew {
		e.state = domain.StateRemovedNew
		return
	}
	e.state = domain.StateRemovedSaved
}

func (e *Entity) undelete() {
	if e.state.IsRemoved() && e.prevState != 0 {
		e.state = e.prevState
	}
}

func (e *Entity) bind(id domain.EntityID) {
	e.id = id
	e.state = domain.StateSavedNew
	e.session.handles[id] = e
}

func (e *Entity) unbind() {
	delete(e.session.handles, e.id)
	e.id = domain.EntityID{}
	e.state = domain.StateNew
}

// resetOverlay drops buffered writes once they are persisted.
func (e *Entity) resetOverlay() {
	clear(e.props)
	clear(e.deleted)
	clear(e.links)
	clear(e.blobs)
}

func valuesEqual(a, b any) bool {
	if ab, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ab, bb)
	}
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}
