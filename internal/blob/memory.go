package blob

import (
	memorystore "txgraph/internal/infra/blob/memory"
)

// NewMemory returns an in-memory blob.Store.
func NewMemory() Store { return memorystore.New() }
