package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// SQLiteStore is the transactional backend for production single-node runs.
// The schema is the two logical tables of the persisted state layout:
// receipts and snapshots.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a store over the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        stream_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL,
        payload BLOB NOT NULL,
        prev_hash TEXT NOT NULL,
        receipt_hash TEXT NOT NULL,
        anchor_seq INTEGER NOT NULL DEFAULT 0,
        anchor_wall TEXT,
        PRIMARY KEY (stream_id, seq)
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_hash ON receipts(receipt_hash);
    CREATE TABLE IF NOT EXISTS snapshots (
        stream_id TEXT NOT NULL,
        snapshot_seq INTEGER NOT NULL,
        anchored_receipt_hash TEXT NOT NULL,
        state_hash TEXT NOT NULL,
        state_blob BLOB,
        anchor_seq INTEGER NOT NULL DEFAULT 0,
        anchor_wall TEXT,
        PRIMARY KEY (stream_id, snapshot_seq)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Storage under a per-stream transaction.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Gap-free guarantee: the new seq must be exactly head+1.
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM receipts WHERE stream_id = ?`, rec.Stream).Scan(&maxSeq); err != nil {
		return fmt.Errorf("head query: %w", err)
	}
	if rec.Seq != uint64(maxSeq.Int64)+1 {
		return ErrDuplicate
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO receipts (
        stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Stream, rec.Seq, string(rec.Kind), rec.Payload, rec.PrevHash, rec.ReceiptHash,
		rec.Anchor.Seq, rec.Anchor.WallHint.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return tx.Commit()
}

const recordColumns = `stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec        Record
		kind       string
		anchorSeq  uint64
		anchorWall sql.NullString
	)
	if err := row.Scan(&rec.Stream, &rec.Seq, &kind, &rec.Payload, &rec.PrevHash, &rec.ReceiptHash, &anchorSeq, &anchorWall); err != nil {
		return Record{}, err
	}
	rec.Kind = contracts.ReceiptKind(kind)
	rec.Anchor = contracts.TemporalAnchor{
		WorldLine: contracts.WorldLineID(rec.Stream),
		Seq:       anchorSeq,
		WallHint:  parseWall(anchorWall.String),
	}
	return rec, nil
}

func parseWall(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// Read implements Storage.
func (s *SQLiteStore) Read(ctx context.Context, stream string, seq uint64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM receipts WHERE stream_id = ? AND seq = ?`, stream, seq)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// ReadRange implements Storage.
func (s *SQLiteStore) ReadRange(ctx context.Context, stream string, from, to uint64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM receipts WHERE stream_id = ? AND seq >= ? AND seq <= ? ORDER BY seq ASC`,
		stream, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Head implements Storage.
func (s *SQLiteStore) Head(ctx context.Context, stream string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM receipts WHERE stream_id = ? ORDER BY seq DESC LIMIT 1`, stream)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// GetByHash implements Storage.
func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM receipts WHERE receipt_hash = ?`, hash)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// Streams implements Storage.
func (s *SQLiteStore) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT stream_id FROM receipts ORDER BY stream_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SnapshotPut implements Storage.
func (s *SQLiteStore) SnapshotPut(ctx context.Context, snap contracts.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO snapshots (
        stream_id, snapshot_seq, anchored_receipt_hash, state_hash, state_blob, anchor_seq, anchor_wall
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(snap.WorldLine), snap.SnapshotSeq, snap.AnchoredReceiptHash, snap.StateHash, snap.StateBlob,
		snap.TemporalAnchor.Seq, snap.TemporalAnchor.WallHint.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// SnapshotLatest implements Storage.
func (s *SQLiteStore) SnapshotLatest(ctx context.Context, stream string) (contracts.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT stream_id, snapshot_seq, anchored_receipt_hash, state_hash, state_blob, anchor_seq, anchor_wall
        FROM snapshots WHERE stream_id = ? ORDER BY snapshot_seq DESC LIMIT 1`, stream)

	var (
		snap       contracts.Snapshot
		streamID   string
		anchorSeq  uint64
		anchorWall sql.NullString
	)
	err := row.Scan(&streamID, &snap.SnapshotSeq, &snap.AnchoredReceiptHash, &snap.StateHash, &snap.StateBlob, &anchorSeq, &anchorWall)
	if err == sql.ErrNoRows {
		return contracts.Snapshot{}, false, nil
	}
	if err != nil {
		return contracts.Snapshot{}, false, err
	}
	snap.WorldLine = contracts.WorldLineID(streamID)
	snap.TemporalAnchor = contracts.TemporalAnchor{
		WorldLine: snap.WorldLine,
		Seq:       anchorSeq,
		WallHint:  parseWall(anchorWall.String),
	}
	return snap, true, nil
}
