package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// MemoryStore is the deterministic in-memory backend for tests and
// ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]Record
	byHash    map[string]Record
	snapshots map[string][]contracts.Snapshot
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Record),
		byHash:    make(map[string]Record),
		snapshots: make(map[string][]contracts.Snapshot),
	}
}

// Append implements Storage.
func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.streams[rec.Stream]
	if rec.Seq != uint64(len(recs))+1 {
		return ErrDuplicate
	}
	if _, exists := s.byHash[rec.ReceiptHash]; exists {
		return ErrDuplicate
	}
	s.streams[rec.Stream] = append(recs, rec)
	s.byHash[rec.ReceiptHash] = rec
	return nil
}

// Read implements Storage.
func (s *MemoryStore) Read(ctx context.Context, stream string, seq uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.streams[stream]
	if seq == 0 || seq > uint64(len(recs)) {
		return Record{}, ErrRecordNotFound
	}
	return recs[seq-1], nil
}

// ReadRange implements Storage.
func (s *MemoryStore) ReadRange(ctx context.Context, stream string, from, to uint64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.streams[stream]
	if from == 0 {
		from = 1
	}
	out := make([]Record, 0)
	for _, r := range recs {
		if r.Seq >= from && r.Seq <= to {
			out = append(out, r)
		}
	}
	return out, nil
}

// Head implements Storage.
func (s *MemoryStore) Head(ctx context.Context, stream string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.streams[stream]
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// GetByHash implements Storage.
func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byHash[hash]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Streams implements Storage. Output is sorted so projections built over
// all streams are deterministic.
func (s *MemoryStore) Streams(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.streams))
	for k := range s.streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// SnapshotPut implements Storage.
func (s *MemoryStore) SnapshotPut(ctx context.Context, snap contracts.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(snap.WorldLine)
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

// SnapshotLatest implements Storage.
func (s *MemoryStore) SnapshotLatest(ctx context.Context, stream string) (contracts.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[stream]
	if len(snaps) == 0 {
		return contracts.Snapshot{}, false, nil
	}
	return snaps[len(snaps)-1], true, nil
}
