// Package domain defines the identifiers, entity states, metadata model,
// violation types and persistence contracts shared by the txgraph core and
// its storage backends.
package domain

import "fmt"

// EntityID identifies a persisted entity inside one store.
type EntityID struct {
	TypeID  int   `msgpack:"t"`
	LocalID int64 `msgpack:"l"`
}

// IsZero reports whether the id has not been assigned yet.
func (id EntityID) IsZero() bool { return id.TypeID == 0 && id.LocalID == 0 }

func (id EntityID) String() string { return fmt.Sprintf("%d-%d", id.TypeID, id.LocalID) }

// FullEntityID qualifies an EntityID with the identity of the owning store so
// listener registrations from different stores never collide.
type FullEntityID struct {
	StoreID string
	EntityID
}

func (id FullEntityID) String() string {
	return fmt.Sprintf("%s@%s", id.EntityID.String(), id.StoreID)
}

// EntityState tracks an entity handle through the session lifecycle.
type EntityState uint8

// Entity states. SavedNew marks an entity created in the current session whose
// create action has already been replayed against the persistent store.
const (
	StateNew EntityState = iota + 1
	StateSaved
	StateSavedNew
	StateRemovedNew
	StateRemovedSaved
)

func (s EntityState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSaved:
		return "saved"
	case StateSavedNew:
		return "saved_new"
	case StateRemovedNew:
		return "removed_new"
	case StateRemovedSaved:
		return "removed_saved"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsNew reports whether the entity has never been written to the store.
func (s EntityState) IsNew() bool { return s == StateNew }

// IsSaved reports whether the entity exists in the persistent store.
func (s EntityState) IsSaved() bool { return s == StateSaved || s == StateSavedNew }

// IsRemoved reports whether the entity was deleted in the session.
func (s EntityState) IsRemoved() bool { return s == StateRemovedNew || s == StateRemovedSaved }

// WasNew reports whether the entity was created in the current session.
func (s EntityState) WasNew() bool {
	return s == StateNew || s == StateSavedNew || s == StateRemovedNew
}

// ChangeType classifies an entity change in a change description.
type ChangeType uint8

// Change types. The values index dispatch tables and must stay dense.
const (
	ChangeAdd ChangeType = iota
	ChangeUpdate
	ChangeRemove
)

// ChangeTypeCount is the number of ChangeType values.
const ChangeTypeCount = 3

func (c ChangeType) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return fmt.Sprintf("change(%d)", uint8(c))
	}
}

// ChangeTypeOf derives the change type reported for an entity in the given state.
func ChangeTypeOf(state EntityState) ChangeType {
	switch state {
	case StateNew, StateSavedNew:
		return ChangeAdd
	case StateRemovedNew, StateRemovedSaved:
		return ChangeRemove
	default:
		return ChangeUpdate
	}
}

// PropertyChangeKind describes the net effect on a property.
type PropertyChangeKind string

// Property change kinds.
const (
	PropertyUpdated PropertyChangeKind = "update"
	PropertyRemoved PropertyChangeKind = "remove"
)

// LinkChangeKind describes the net effect on a link.
type LinkChangeKind string

// Link change kinds.
const (
	LinkAdded       LinkChangeKind = "add"
	LinkSet         LinkChangeKind = "set"
	LinkRemoved     LinkChangeKind = "remove"
	LinkAddedRemove LinkChangeKind = "add_remove"
)
