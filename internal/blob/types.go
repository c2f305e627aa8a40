// Package blob is the only entry point to blob storage for the rest of the
// module. It re-exports the core abstractions and constructs drivers.
package blob

import (
	"txgraph/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrNotFound reports an unknown key.
	ErrNotFound = core.ErrNotFound
	// ErrExists reports a create-only conflict.
	ErrExists = core.ErrExists
)
