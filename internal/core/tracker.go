package core

import (
	"fmt"

	"txgraph/pkg/domain"
)

type keyKind uint8

const (
	keyProperty keyKind = iota + 1
	keyIndex
)

// actionKey identifies actions where only the last one matters: writes to one
// property or blob, and the maintenance of one index.
type actionKey struct {
	entity *Entity
	kind   keyKind
	name   string
}

// actionLog keeps actions in registration order. Replaced and cancelled
// actions leave nil tombstones behind.
type actionLog struct {
	records []*Action
	byKey   map[actionKey]int
	live    int
}

func (l *actionLog) append(a *Action) {
	l.records = append(l.records, a)
	l.live++
}

func (l *actionLog) offer(key actionKey, a *Action) {
	if l.byKey == nil {
		l.byKey = make(map[actionKey]int)
	}
	if i, ok := l.byKey[key]; ok && l.records[i] != nil {
		l.records[i] = nil
		l.live--
	}
	l.byKey[key] = len(l.records)
	l.append(a)
}

func (l *actionLog) cancel(match func(*Action) bool) {
	for i, a := range l.records {
		if a != nil && match(a) {
			l.records[i] = nil
			l.live--
		}
	}
	for key, i := range l.byKey {
		if l.records[i] == nil {
			delete(l.byKey, key)
		}
	}
}

func (l *actionLog) drain() []*Action {
	out := make([]*Action, 0, l.live)
	for _, a := range l.records {
		if a != nil {
			out = append(out, a)
		}
	}
	l.reset()
	return out
}

func (l *actionLog) reset() {
	l.records = nil
	l.byKey = nil
	l.live = 0
}

type entitySet struct {
	order []*Entity
	index map[*Entity]struct{}
}

func (s *entitySet) add(e *Entity) {
	if s.index == nil {
		s.index = make(map[*Entity]struct{})
	}
	if _, ok := s.index[e]; ok {
		return
	}
	s.index[e] = struct{}{}
	s.order = append(s.order, e)
}

func (s *entitySet) list() []*Entity { return append([]*Entity(nil), s.order...) }

func (s *entitySet) reset() {
	s.order = nil
	s.index = nil
}

// Tracker records every mutation of a session: the forward actions replayed
// on flush, their compensations, and the per-entity diff handed to
// validators and listeners.
type Tracker struct {
	model                 domain.ModelMetadata
	postponeUniqueIndexes bool
	disposed              bool

	log           actionLog
	indexDeletes  []*Action
	linkDeletes   []*Action
	entityDeletes []*Action
	rollback      []*Action

	changed           entitySet
	changedPersistent entitySet
	props             map[*Entity]map[string]*PropertyChange
	links             map[*Entity]map[string]*LinkChange
}

func newTracker(model domain.ModelMetadata, postponeUniqueIndexes bool) *Tracker {
	return &Tracker{
		model:                 model,
		postponeUniqueIndexes: postponeUniqueIndexes,
		props:                 make(map[*Entity]map[string]*PropertyChange),
		links:                 make(map[*Entity]map[string]*LinkChange),
	}
}

func (t *Tracker) active() {
	if t.disposed {
		panic(fmt.Errorf("change tracker disposed: %w", domain.ErrIllegalSessionState))
	}
}

func (t *Tracker) entityChanged(e *Entity) {
	t.changed.add(e)
	if !e.state.WasNew() && !e.temporary {
		t.changedPersistent.add(e)
	}
}

func (t *Tracker) propertyDiff(e *Entity, name string, old any) *PropertyChange {
	byName, ok := t.props[e]
	if !ok {
		byName = make(map[string]*PropertyChange)
		t.props[e] = byName
	}
	pc, ok := byName[name]
	if !ok {
		pc = &PropertyChange{Name: name, Old: old}
		byName[name] = pc
	}
	return pc
}

func (t *Tracker) linkDiff(e *Entity, name string) *LinkChange {
	byName, ok := t.links[e]
	if !ok {
		byName = make(map[string]*LinkChange)
		t.links[e] = byName
	}
	lc, ok := byName[name]
	if !ok {
		lc = &LinkChange{Name: name}
		byName[name] = lc
	}
	return lc
}

// changeIndexes schedules maintenance of every index covering field.
func (t *Tracker) changeIndexes(e *Entity, field string) {
	if t.postponeUniqueIndexes || e.temporary {
		return
	}
	for _, idx := range indexesOf(t.model, e.typ) {
		if !idx.Covers(field) {
			continue
		}
		t.log.offer(actionKey{entity: e, kind: keyIndex, name: idx.Name},
			&Action{Kind: ActionMaintainIndex, Entity: e, Index: idx})
	}
}

// EntityAdded records the creation of e.
func (t *Tracker) EntityAdded(e *Entity) {
	t.active()
	t.entityChanged(e)
	t.log.append(&Action{Kind: ActionCreateEntity, Entity: e})
	t.rollback = append(t.rollback, &Action{Kind: ActionUncreate, Entity: e})
}

// EntityDeleted records the removal of e. Deleting an entity created in the
// same session cancels everything recorded for it.
func (t *Tracker) EntityDeleted(e *Entity) {
	t.active()
	t.entityChanged(e)
	t.rollback = append(t.rollback, &Action{Kind: ActionUndelete, Entity: e})
	if e.state == domain.StateRemovedNew {
		t.log.cancel(func(a *Action) bool { return a.involves(e) })
		t.forgetTarget(e)
		return
	}
	t.indexDeletes = append(t.indexDeletes, &Action{Kind: ActionDeleteIndexKeys, Entity: e})
	t.linkDeletes = append(t.linkDeletes, &Action{Kind: ActionDeleteOutgoingLinks, Entity: e})
	t.entityDeletes = append(t.entityDeletes, &Action{Kind: ActionDeleteEntity, Entity: e})
}

// forgetTarget drops a removed-new entity from the links of other entities,
// whose link actions were cancelled together with it.
func (t *Tracker) forgetTarget(e *Entity) {
	for src, byName := range t.links {
		if src == e {
			continue
		}
		for name, lc := range byName {
			if i := indexEntity(lc.Added, e); i >= 0 {
				lc.Added = append(lc.Added[:i:i], lc.Added[i+1:]...)
				lc.deriveKind()
			}
			if i := indexEntity(src.links[name], e); i >= 0 {
				targets := src.links[name]
				src.links[name] = append(targets[:i:i], targets[i+1:]...)
			}
		}
	}
}

// LinkAdded records target being appended to source.name.
func (t *Tracker) LinkAdded(source *Entity, name string, target *Entity) {
	t.active()
	t.entityChanged(source)
	lc := t.linkDiff(source, name)
	lc.add(target)
	lc.deriveKind()
	t.log.append(&Action{Kind: ActionAddLink, Entity: source, Name: name, Target: target})
	t.changeIndexes(source, name)
}

// LinkSet records source.name being replaced with target; prev is the
// target it replaced, if any.
func (t *Tracker) LinkSet(source *Entity, name string, target, prev *Entity) {
	t.active()
	t.entityChanged(source)
	lc := t.linkDiff(source, name)
	if prev != nil {
		lc.remove(prev)
	}
	lc.add(target)
	lc.set = true
	lc.deriveKind()
	t.log.append(&Action{Kind: ActionSetLink, Entity: source, Name: name, Target: target})
	t.rollback = append(t.rollback, &Action{Kind: ActionRestoreLink, Entity: source, Name: name, Target: prev})
	t.changeIndexes(source, name)
}

// LinkDeleted records target being removed from source.name.
func (t *Tracker) LinkDeleted(source *Entity, name string, target *Entity) {
	t.active()
	t.entityChanged(source)
	lc := t.linkDiff(source, name)
	lc.remove(target)
	lc.deriveKind()
	t.log.append(&Action{Kind: ActionDeleteLink, Entity: source, Name: name, Target: target})
}

// LinksDeleted records every target of source.name being removed.
func (t *Tracker) LinksDeleted(source *Entity, name string, removed []*Entity) {
	t.active()
	t.entityChanged(source)
	lc := t.linkDiff(source, name)
	for _, target := range removed {
		lc.remove(target)
	}
	lc.deriveKind()
	t.log.append(&Action{Kind: ActionDeleteLinks, Entity: source, Name: name})
}

// PropertyChanged records a property write; old is the value before it.
func (t *Tracker) PropertyChanged(e *Entity, name string, old, value any) {
	t.active()
	t.entityChanged(e)
	pc := t.propertyDiff(e, name, old)
	pc.Kind = domain.PropertyUpdated
	pc.New = value
	t.log.offer(actionKey{entity: e, kind: keyProperty, name: name},
		&Action{Kind: ActionSetProperty, Entity: e, Name: name, Value: value})
	t.changeIndexes(e, name)
}

// PropertyDeleted records a property removal; old is the removed value.
func (t *Tracker) PropertyDeleted(e *Entity, name string, old any) {
	t.active()
	t.entityChanged(e)
	pc := t.propertyDiff(e, name, old)
	pc.Kind = domain.PropertyRemoved
	pc.New = nil
	t.log.offer(actionKey{entity: e, kind: keyProperty, name: name},
		&Action{Kind: ActionDeleteProperty, Entity: e, Name: name})
}

// BlobChanged records a binary blob write. Blob diffs carry no old value.
func (t *Tracker) BlobChanged(e *Entity, name string, data []byte) {
	t.active()
	t.entityChanged(e)
	pc := t.propertyDiff(e, name, nil)
	pc.Kind = domain.PropertyUpdated
	pc.New = data
	t.log.offer(actionKey{entity: e, kind: keyProperty, name: name},
		&Action{Kind: ActionSetBlob, Entity: e, Name: name, Data: data})
}

// BlobStringChanged records a text blob write.
func (t *Tracker) BlobStringChanged(e *Entity, name, text string) {
	t.active()
	t.entityChanged(e)
	pc := t.propertyDiff(e, name, nil)
	pc.Kind = domain.PropertyUpdated
	pc.New = text
	t.log.offer(actionKey{entity: e, kind: keyProperty, name: name},
		&Action{Kind: ActionSetBlobString, Entity: e, Name: name, Text: text})
}

// BlobDeleted records a blob removal.
func (t *Tracker) BlobDeleted(e *Entity, name string) {
	t.active()
	t.entityChanged(e)
	pc := t.propertyDiff(e, name, nil)
	pc.Kind = domain.PropertyRemoved
	pc.New = nil
	t.log.offer(actionKey{entity: e, kind: keyProperty, name: name},
		&Action{Kind: ActionDeleteBlob, Entity: e, Name: name})
}

// HistoryCleared records a request to drop the property history of typ.
func (t *Tracker) HistoryCleared(typ string) {
	t.active()
	t.log.append(&Action{Kind: ActionClearHistory, Type: typ})
}

// HasPendingChanges reports whether a flush would write anything.
func (t *Tracker) HasPendingChanges() bool {
	if t.disposed {
		return false
	}
	return t.log.live > 0 || len(t.entityDeletes) > 0
}

// ChangedEntities lists every entity touched in the session, removed ones
// included, in order of first change.
func (t *Tracker) ChangedEntities() []*Entity {
	if t.disposed {
		return nil
	}
	return t.changed.list()
}

// ChangedPersistentEntities lists the touched entities that already existed
// when they were first changed.
func (t *Tracker) ChangedPersistentEntities() []*Entity {
	if t.disposed {
		return nil
	}
	return t.changedPersistent.list()
}

// ChangedLinks returns the net link changes of e.
func (t *Tracker) ChangedLinks(e *Entity) map[string]LinkChange {
	out := make(map[string]LinkChange)
	if t.disposed {
		return out
	}
	for name, lc := range t.links[e] {
		if !lc.empty() {
			out[name] = lc.clone()
		}
	}
	return out
}

// ChangedProperties returns the net property and blob changes of e.
func (t *Tracker) ChangedProperties(e *Entity) map[string]PropertyChange {
	out := make(map[string]PropertyChange)
	if t.disposed {
		return out
	}
	for name, pc := range t.props[e] {
		out[name] = *pc
	}
	return out
}

func (t *Tracker) describe(e *Entity) EntityChange {
	return EntityChange{
		Entity:     e,
		ID:         e.id,
		Type:       e.typ,
		ChangeType: domain.ChangeTypeOf(e.state),
		Properties: t.ChangedProperties(e),
		Links:      t.ChangedLinks(e),
	}
}

// ChangesDescription describes every non-temporary entity touched in the
// session. Entities created and deleted in the same session are omitted.
func (t *Tracker) ChangesDescription() []EntityChange {
	if t.disposed {
		return nil
	}
	out := make([]EntityChange, 0, len(t.changed.order))
	for _, e := range t.changed.order {
		if e.temporary || e.state == domain.StateRemovedNew {
			continue
		}
		out = append(out, t.describe(e))
	}
	return out
}

// ChangeDescription describes a single entity that is still alive.
func (t *Tracker) ChangeDescription(e *Entity) (EntityChange, error) {
	if e.state.IsRemoved() {
		return EntityChange{}, fmt.Errorf("%s: %w", e, domain.ErrEntityAlreadyRemoved)
	}
	return t.describe(e), nil
}

// DrainForFlush hands out the forward actions in replay order and empties
// the forward logs: index key deletions, the regular log, outgoing link
// deletions (last registered first), then entity deletions.
func (t *Tracker) DrainForFlush() []*Action {
	t.active()
	out := append([]*Action(nil), t.indexDeletes...)
	out = append(out, t.log.drain()...)
	for i := len(t.linkDeletes) - 1; i >= 0; i-- {
		out = append(out, t.linkDeletes[i])
	}
	out = append(out, t.entityDeletes...)
	t.indexDeletes, t.linkDeletes, t.entityDeletes = nil, nil, nil
	return out
}

// RollbackLog returns the compensations in registration order.
func (t *Tracker) RollbackLog() []*Action {
	return append([]*Action(nil), t.rollback...)
}

// Clear forgets everything recorded so far.
func (t *Tracker) Clear() {
	t.log.reset()
	t.indexDeletes, t.linkDeletes, t.entityDeletes, t.rollback = nil, nil, nil, nil
	t.changed.reset()
	t.changedPersistent.reset()
	clear(t.props)
	clear(t.links)
}

// Dispose clears the tracker and rejects further recording.
func (t *Tracker) Dispose() {
	t.Clear()
	t.disposed = true
}
