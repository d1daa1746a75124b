package ledger

import (
	"context"
	"sync"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
)

// BlobArchive is content-addressed cold storage for snapshot state blobs.
// Storage backends keep the full blob with each snapshot; an archive holds a
// copy retrievable by content address for audits. Snapshotting does not
// write to an archive itself.
type BlobArchive interface {
	// Put stores a blob and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves a blob by its content address.
	Get(ctx context.Context, address string) ([]byte, error)
}

// MemoryArchive is the in-process archive for tests and ephemeral runs.
type MemoryArchive struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{blobs: make(map[string][]byte)}
}

func (a *MemoryArchive) Put(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.HashBytes(data)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.blobs[address]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		a.blobs[address] = cp
	}
	return address, nil
}

func (a *MemoryArchive) Get(ctx context.Context, address string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.blobs[address]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return data, nil
}
