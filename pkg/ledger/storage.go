package ledger

import (
	"context"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// Record is the storage envelope for one hash-chained receipt. Payload is
// the JSON-encoded receipt, receipt_hash included; the chain hash is
// recomputed over its canonical form with receipt_hash blank. The chain
// fields live alongside so backends can index them.
type Record struct {
	Stream      string                   `json:"stream"`
	Seq         uint64                   `json:"seq"`
	Kind        contracts.ReceiptKind    `json:"kind"`
	Payload     []byte                   `json:"payload"`
	PrevHash    string                   `json:"prev_hash"`
	ReceiptHash string                   `json:"receipt_hash"`
	Anchor      contracts.TemporalAnchor `json:"temporal_anchor"`
}

// Storage is the crash-consistent persistence trait. Backends must enforce
// unique (stream, seq) and unique receipt_hash, and apply each Append under
// a per-stream transaction. Swapping backends must not change observable
// semantics.
type Storage interface {
	Append(ctx context.Context, rec Record) error
	Read(ctx context.Context, stream string, seq uint64) (Record, error)
	ReadRange(ctx context.Context, stream string, from, to uint64) ([]Record, error)
	Head(ctx context.Context, stream string) (Record, bool, error)
	GetByHash(ctx context.Context, hash string) (Record, error)
	Streams(ctx context.Context) ([]string, error)

	SnapshotPut(ctx context.Context, snap contracts.Snapshot) error
	SnapshotLatest(ctx context.Context, stream string) (contracts.Snapshot, bool, error)
}

// notFoundError is the constant error type behind the ledger's storage
// sentinels.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// ErrRecordNotFound is returned when a seq or hash resolves to nothing.
const ErrRecordNotFound = notFoundError("ledger: record not found")

// ErrDuplicate is returned when an appended seq is not exactly one past the
// stream head (an existing (stream, seq) included), and by the memory
// backend when the receipt_hash already exists.
const ErrDuplicate = notFoundError("ledger: duplicate record")
