package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"txgraph/pkg/domain"
)

type pendingBlob struct {
	data    []byte
	text    bool
	deleted bool
}

// Tx is a transaction over a private copy of the store state. Blob contents
// are buffered and written to the blob store on Commit.
type Tx struct {
	store     *Store
	ctx       context.Context
	base      uint64
	state     memoryState
	blobs     map[string]*pendingBlob
	blobOrder []string
	dirty     bool
	done      bool
}

func (tx *Tx) writable() error {
	if tx.done {
		return domain.ErrTxClosed
	}
	tx.dirty = true
	return nil
}

func (tx *Tx) record(id domain.EntityID) (*entityRecord, error) {
	rec, ok := tx.state.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, domain.ErrEntityNotFound)
	}
	return rec, nil
}

// TypeID implements domain.PersistentTx.
func (tx *Tx) TypeID(typ string) int {
	if id, ok := tx.state.typeIDs[typ]; ok {
		return id
	}
	tx.dirty = true
	tx.state.types = append(tx.state.types, typ)
	id := len(tx.state.types)
	tx.state.typeIDs[typ] = id
	return id
}

// TypeName implements domain.PersistentTx.
func (tx *Tx) TypeName(typeID int) (string, bool) {
	if typeID < 1 || typeID > len(tx.state.types) {
		return "", false
	}
	return tx.state.types[typeID-1], true
}

// NewEntity implements domain.PersistentTx.
func (tx *Tx) NewEntity(typ string) (domain.EntityID, error) {
	if err := tx.writable(); err != nil {
		return domain.EntityID{}, err
	}
	typeID := tx.TypeID(typ)
	tx.state.sequences[typeID]++
	id := domain.EntityID{TypeID: typeID, LocalID: tx.state.sequences[typeID]}
	tx.state.entities[id] = newRecord()
	return id, nil
}

// DeleteEntity removes the entity and its blobs. Links pointing at it are
// left alone; callers remove them first.
func (tx *Tx) DeleteEntity(id domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	for name := range rec.Blobs {
		tx.stageBlob(id, name, &pendingBlob{deleted: true})
	}
	delete(tx.state.entities, id)
	return nil
}

// Exists implements domain.PersistentTx.
func (tx *Tx) Exists(id domain.EntityID) bool {
	_, ok := tx.state.entities[id]
	return ok
}

// Entities returns the ids of every entity of typ in creation order.
func (tx *Tx) Entities(typ string) []domain.EntityID {
	typeID, ok := tx.state.typeIDs[typ]
	if !ok {
		return nil
	}
	var out []domain.EntityID
	for id := range tx.state.entities {
		if id.TypeID == typeID {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// Property implements domain.PersistentTx.
func (tx *Tx) Property(id domain.EntityID, name string) (any, bool) {
	rec, ok := tx.state.entities[id]
	if !ok {
		return nil, false
	}
	v, ok := rec.Properties[name]
	if b, isBytes := v.([]byte); isBytes {
		return bytes.Clone(b), ok
	}
	return v, ok
}

// SetProperty implements domain.PersistentTx.
func (tx *Tx) SetProperty(id domain.EntityID, name string, value any) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	normalized, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("set %s.%s: %w", id, name, err)
	}
	if old, ok := rec.Properties[name]; ok {
		tx.remember(id, name, old)
	}
	rec.Properties[name] = normalized
	return nil
}

// DeleteProperty implements domain.PersistentTx.
func (tx *Tx) DeleteProperty(id domain.EntityID, name string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	if old, ok := rec.Properties[name]; ok {
		tx.remember(id, name, old)
		delete(rec.Properties, name)
	}
	return nil
}

func (tx *Tx) remember(id domain.EntityID, name string, old any) {
	limit := tx.store.historyLimit
	if limit <= 0 {
		return
	}
	typ, _ := tx.TypeName(id.TypeID)
	entries := append(tx.state.history[typ], HistoryEntry{Entity: id, Property: name, Value: old})
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	tx.state.history[typ] = entries
}

// ClearHistory implements domain.PersistentTx.
func (tx *Tx) ClearHistory(typ string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	delete(tx.state.history, typ)
	return nil
}

// Links implements domain.PersistentTx.
func (tx *Tx) Links(id domain.EntityID, name string) []domain.EntityID {
	rec, ok := tx.state.entities[id]
	if !ok {
		return nil
	}
	return append([]domain.EntityID(nil), rec.Links[name]...)
}

// Link implements domain.PersistentTx.
func (tx *Tx) Link(id domain.EntityID, name string) (domain.EntityID, bool) {
	rec, ok := tx.state.entities[id]
	if !ok || len(rec.Links[name]) == 0 {
		return domain.EntityID{}, false
	}
	return rec.Links[name][0], true
}

// CountLinks implements domain.PersistentTx.
func (tx *Tx) CountLinks(id domain.EntityID, name string, limit int) int {
	rec, ok := tx.state.entities[id]
	if !ok {
		return 0
	}
	n := len(rec.Links[name])
	if limit > 0 && n > limit {
		return limit
	}
	return n
}

// AddLink implements domain.PersistentTx. Adding an existing link is a no-op.
func (tx *Tx) AddLink(id domain.EntityID, name string, target domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	for _, existing := range rec.Links[name] {
		if existing == target {
			return nil
		}
	}
	rec.Links[name] = append(rec.Links[name], target)
	return nil
}

// SetLink implements domain.PersistentTx.
func (tx *Tx) SetLink(id domain.EntityID, name string, target domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	rec.Links[name] = []domain.EntityID{target}
	return nil
}

// DeleteLink implements domain.PersistentTx.
func (tx *Tx) DeleteLink(id domain.EntityID, name string, target domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	links := rec.Links[name]
	for i, existing := range links {
		if existing == target {
			rec.Links[name] = append(links[:i:i], links[i+1:]...)
			break
		}
	}
	if len(rec.Links[name]) == 0 {
		delete(rec.Links, name)
	}
	return nil
}

// DeleteLinks implements domain.PersistentTx.
func (tx *Tx) DeleteLinks(id domain.EntityID, name string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	delete(rec.Links, name)
	return nil
}

// DeleteAllLinks implements domain.PersistentTx.
func (tx *Tx) DeleteAllLinks(id domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	rec.Links = make(map[string][]domain.EntityID)
	return nil
}

// IncomingLinks scans every entity for links to target.
func (tx *Tx) IncomingLinks(target domain.EntityID) []domain.IncomingLink {
	var out []domain.IncomingLink
	for id, rec := range tx.state.entities {
		for name, targets := range rec.Links {
			for _, t := range targets {
				if t == target {
					out = append(out, domain.IncomingLink{Source: id, Name: name})
					break
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			if a.Source.TypeID != b.Source.TypeID {
				return a.Source.TypeID < b.Source.TypeID
			}
			return a.Source.LocalID < b.Source.LocalID
		}
		return a.Name < b.Name
	})
	return out
}

func (tx *Tx) blobKey(id domain.EntityID, name string) string {
	typ, _ := tx.TypeName(id.TypeID)
	return BlobKey(typ, id, name)
}

func (tx *Tx) stageBlob(id domain.EntityID, name string, pending *pendingBlob) {
	key := tx.blobKey(id, name)
	if _, seen := tx.blobs[key]; !seen {
		tx.blobOrder = append(tx.blobOrder, key)
	}
	tx.blobs[key] = pending
}

// Blob implements domain.PersistentTx.
func (tx *Tx) Blob(id domain.EntityID, name string) ([]byte, bool, error) {
	rec, ok := tx.state.entities[id]
	if !ok {
		return nil, false, nil
	}
	if pending, staged := tx.blobs[tx.blobKey(id, name)]; staged {
		if pending.deleted {
			return nil, false, nil
		}
		return bytes.Clone(pending.data), true, nil
	}
	if _, exists := rec.Blobs[name]; !exists {
		return nil, false, nil
	}
	data, found, err := tx.store.readBlob(tx.ctx, tx.blobKey(id, name))
	if err != nil {
		return nil, false, fmt.Errorf("blob %s.%s: %w", id, name, err)
	}
	return data, found, nil
}

// BlobString implements domain.PersistentTx.
func (tx *Tx) BlobString(id domain.EntityID, name string) (string, bool, error) {
	data, ok, err := tx.Blob(id, name)
	return string(data), ok, err
}

// SetBlob implements domain.PersistentTx.
func (tx *Tx) SetBlob(id domain.EntityID, name string, data []byte) error {
	return tx.setBlob(id, name, bytes.Clone(data), false)
}

// SetBlobString implements domain.PersistentTx.
func (tx *Tx) SetBlobString(id domain.EntityID, name string, text string) error {
	return tx.setBlob(id, name, []byte(text), true)
}

func (tx *Tx) setBlob(id domain.EntityID, name string, data []byte, text bool) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	rec.Blobs[name] = text
	tx.stageBlob(id, name, &pendingBlob{data: data, text: text})
	return nil
}

// DeleteBlob implements domain.PersistentTx.
func (tx *Tx) DeleteBlob(id domain.EntityID, name string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	rec, err := tx.record(id)
	if err != nil {
		return err
	}
	if _, ok := rec.Blobs[name]; !ok {
		return nil
	}
	delete(rec.Blobs, name)
	tx.stageBlob(id, name, &pendingBlob{deleted: true})
	return nil
}

// InsertUniqueKey implements domain.PersistentTx.
func (tx *Tx) InsertUniqueKey(index *domain.Index, key []any, id domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	keys := tx.state.uniqueKeys[index.Name]
	if keys == nil {
		keys = make(map[string]domain.EntityID)
		tx.state.uniqueKeys[index.Name] = keys
	}
	if owner, taken := keys[encoded]; taken && owner != id {
		return fmt.Errorf("index %s: %w", index.Name, domain.ErrUniqueKeyExists)
	}
	keys[encoded] = id
	return nil
}

// DeleteUniqueKey implements domain.PersistentTx. Unknown keys and keys held
// by another entity are left alone.
func (tx *Tx) DeleteUniqueKey(index *domain.Index, key []any, id domain.EntityID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	keys := tx.state.uniqueKeys[index.Name]
	if owner, ok := keys[encoded]; ok && owner == id {
		delete(keys, encoded)
	}
	return nil
}

// Commit publishes the transaction state. Read-only transactions commit
// without touching the store.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return domain.ErrTxClosed
	}
	tx.done = true
	if !tx.dirty {
		return nil
	}
	return tx.store.commit(ctx, tx)
}

// Abort discards the transaction.
func (tx *Tx) Abort() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return nil
}
