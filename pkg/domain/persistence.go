package domain

import "context"

// IncomingLink identifies a link stored on Source under Name.
type IncomingLink struct {
	Source EntityID
	Name   string
}

// PersistentStore is the durable backend the core replays flushed sessions
// into. Each Begin returns an isolated snapshot; only committed transactions
// become visible to later Begin calls.
type PersistentStore interface {
	Begin(ctx context.Context) (PersistentTx, error)
	Close() error
}

// PersistentTx is one transaction against a PersistentStore. Reads never fail
// for missing data; they report absence instead.
type PersistentTx interface {
	// TypeID returns the numeric id for typ, allocating one if needed.
	TypeID(typ string) int
	TypeName(typeID int) (string, bool)

	NewEntity(typ string) (EntityID, error)
	DeleteEntity(id EntityID) error
	Exists(id EntityID) bool
	Entities(typ string) []EntityID

	Property(id EntityID, name string) (any, bool)
	SetProperty(id EntityID, name string, value any) error
	DeleteProperty(id EntityID, name string) error

	Links(id EntityID, name string) []EntityID
	Link(id EntityID, name string) (EntityID, bool)
	// CountLinks counts targets of a link, stopping at limit when limit > 0.
	CountLinks(id EntityID, name string, limit int) int
	AddLink(id EntityID, name string, target EntityID) error
	SetLink(id EntityID, name string, target EntityID) error
	DeleteLink(id EntityID, name string, target EntityID) error
	DeleteLinks(id EntityID, name string) error
	DeleteAllLinks(id EntityID) error
	IncomingLinks(target EntityID) []IncomingLink

	Blob(id EntityID, name string) ([]byte, bool, error)
	BlobString(id EntityID, name string) (string, bool, error)
	SetBlob(id EntityID, name string, data []byte) error
	SetBlobString(id EntityID, name string, text string) error
	DeleteBlob(id EntityID, name string) error

	// InsertUniqueKey fails with ErrUniqueKeyExists when the key is taken by
	// another entity.
	InsertUniqueKey(index *Index, key []any, id EntityID) error
	// DeleteUniqueKey removes key only while it is owned by id.
	DeleteUniqueKey(index *Index, key []any, id EntityID) error

	// ClearHistory drops the recorded property history of a type.
	ClearHistory(typ string) error

	Commit(ctx context.Context) error
	Abort() error
}
