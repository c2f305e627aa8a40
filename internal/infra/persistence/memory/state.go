// Package memory provides the in-memory persistent engine. It is used on its
// own for tests and ephemeral stores, and as the transactional engine under
// the sqlite, postgres and badger backends, which persist its snapshots.
package memory

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"txgraph/pkg/domain"
)

type entityRecord struct {
	Properties map[string]any
	Links      map[string][]domain.EntityID
	// Blobs records which blobs exist; true marks a text blob.
	Blobs map[string]bool
}

func newRecord() *entityRecord {
	return &entityRecord{
		Properties: make(map[string]any),
		Links:      make(map[string][]domain.EntityID),
		Blobs:      make(map[string]bool),
	}
}

func (r *entityRecord) clone() *entityRecord {
	out := &entityRecord{
		Properties: make(map[string]any, len(r.Properties)),
		Links:      make(map[string][]domain.EntityID, len(r.Links)),
		Blobs:      make(map[string]bool, len(r.Blobs)),
	}
	for k, v := range r.Properties {
		if b, ok := v.([]byte); ok {
			v = bytes.Clone(b)
		}
		out.Properties[k] = v
	}
	for k, v := range r.Links {
		out.Links[k] = append([]domain.EntityID(nil), v...)
	}
	for k, v := range r.Blobs {
		out.Blobs[k] = v
	}
	return out
}

// HistoryEntry records a property value that was overwritten or deleted.
type HistoryEntry struct {
	Entity   domain.EntityID `msgpack:"e"`
	Property string          `msgpack:"p"`
	Value    any             `msgpack:"v"`
}

type memoryState struct {
	// types[i] is the name of type id i+1.
	types      []string
	typeIDs    map[string]int
	entities   map[domain.EntityID]*entityRecord
	sequences  map[int]int64
	uniqueKeys map[string]map[string]domain.EntityID
	history    map[string][]HistoryEntry
}

func newMemoryState() memoryState {
	return memoryState{
		typeIDs:    make(map[string]int),
		entities:   make(map[domain.EntityID]*entityRecord),
		sequences:  make(map[int]int64),
		uniqueKeys: make(map[string]map[string]domain.EntityID),
		history:    make(map[string][]HistoryEntry),
	}
}

func (s memoryState) clone() memoryState {
	out := newMemoryState()
	out.types = append([]string(nil), s.types...)
	for k, v := range s.typeIDs {
		out.typeIDs[k] = v
	}
	for id, rec := range s.entities {
		out.entities[id] = rec.clone()
	}
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	for index, keys := range s.uniqueKeys {
		cp := make(map[string]domain.EntityID, len(keys))
		for k, v := range keys {
			cp[k] = v
		}
		out.uniqueKeys[index] = cp
	}
	for typ, entries := range s.history {
		out.history[typ] = append([]HistoryEntry(nil), entries...)
	}
	return out
}

// EntitySnapshot is the exported form of one entity.
type EntitySnapshot struct {
	ID         domain.EntityID              `msgpack:"id"`
	Properties map[string]any               `msgpack:"properties,omitempty"`
	Links      map[string][]domain.EntityID `msgpack:"links,omitempty"`
	Blobs      map[string]bool              `msgpack:"blobs,omitempty"`
}

// Snapshot captures a point-in-time copy of the engine state.
type Snapshot struct {
	Types      []string
	Entities   []EntitySnapshot
	UniqueKeys map[string]map[string]domain.EntityID
	Sequences  map[int]int64
	History    map[string][]HistoryEntry
}

// Bucket names used by the durable backends, one row / key per bucket.
const (
	BucketTypes      = "types"
	BucketEntities   = "entities"
	BucketUniqueKeys = "unique_keys"
	BucketSequences  = "sequences"
	BucketHistory    = "history"
)

// Buckets lists every bucket in write order.
var Buckets = []string{BucketTypes, BucketEntities, BucketUniqueKeys, BucketSequences, BucketHistory}

func snapshotFromState(state memoryState) Snapshot {
	cloned := state.clone()
	snap := Snapshot{
		Types:      cloned.types,
		Entities:   make([]EntitySnapshot, 0, len(cloned.entities)),
		UniqueKeys: cloned.uniqueKeys,
		Sequences:  cloned.sequences,
		History:    cloned.history,
	}
	for id, rec := range cloned.entities {
		snap.Entities = append(snap.Entities, EntitySnapshot{ID: id, Properties: rec.Properties, Links: rec.Links, Blobs: rec.Blobs})
	}
	sort.Slice(snap.Entities, func(i, j int) bool {
		a, b := snap.Entities[i].ID, snap.Entities[j].ID
		if a.TypeID != b.TypeID {
			return a.TypeID < b.TypeID
		}
		return a.LocalID < b.LocalID
	})
	return snap
}

func stateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for i, typ := range snap.Types {
		state.types = append(state.types, typ)
		state.typeIDs[typ] = i + 1
	}
	for _, e := range snap.Entities {
		rec := newRecord()
		for k, v := range e.Properties {
			rec.Properties[k] = v
		}
		for k, v := range e.Links {
			rec.Links[k] = append([]domain.EntityID(nil), v...)
		}
		for k, v := range e.Blobs {
			rec.Blobs[k] = v
		}
		state.entities[e.ID] = rec
	}
	for k, v := range snap.Sequences {
		state.sequences[k] = v
	}
	for index, keys := range snap.UniqueKeys {
		cp := make(map[string]domain.EntityID, len(keys))
		for k, v := range keys {
			cp[k] = v
		}
		state.uniqueKeys[index] = cp
	}
	for typ, entries := range snap.History {
		state.history[typ] = append([]HistoryEntry(nil), entries...)
	}
	return state
}

// EncodeSnapshot renders each bucket with msgpack.
func EncodeSnapshot(snap Snapshot) (map[string][]byte, error) {
	parts := map[string]any{
		BucketTypes:      snap.Types,
		BucketEntities:   snap.Entities,
		BucketUniqueKeys: snap.UniqueKeys,
		BucketSequences:  snap.Sequences,
		BucketHistory:    snap.History,
	}
	out := make(map[string][]byte, len(parts))
	for _, bucket := range Buckets {
		data, err := msgpack.Marshal(parts[bucket])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", bucket, err)
		}
		out[bucket] = data
	}
	return out, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot. Missing buckets decode as
// empty; unknown buckets are ignored.
func DecodeSnapshot(buckets map[string][]byte) (Snapshot, error) {
	var snap Snapshot
	targets := map[string]any{
		BucketTypes:      &snap.Types,
		BucketEntities:   &snap.Entities,
		BucketUniqueKeys: &snap.UniqueKeys,
		BucketSequences:  &snap.Sequences,
		BucketHistory:    &snap.History,
	}
	for bucket, data := range buckets {
		target, ok := targets[bucket]
		if !ok || len(data) == 0 {
			continue
		}
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(target); err != nil {
			return Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	return snap, nil
}

// normalizeValue maps property values onto the set the codec round-trips
// unchanged: string, bool, int64, uint64 above MaxInt64, float64, time.Time,
// []byte and entity ids.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, domain.EntityID:
		return v, nil
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return bytes.Clone(x), nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return normalizeUnsigned(uint64(x)), nil
	case uint64:
		return normalizeUnsigned(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported property value type %T", v)
	}
}

func normalizeUnsigned(x uint64) any {
	if x <= math.MaxInt64 {
		return int64(x)
	}
	return x
}

// encodeKey renders a unique index key tuple.
func encodeKey(values []any) (string, error) {
	normalized := make([]any, len(values))
	for i, v := range values {
		n, err := normalizeValue(v)
		if err != nil {
			return "", err
		}
		normalized[i] = n
	}
	data, err := msgpack.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("encode index key: %w", err)
	}
	return string(data), nil
}
