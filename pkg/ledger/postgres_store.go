package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// PostgresStore is the transactional backend for deployments with a shared
// database. Same schema and observable semantics as SQLiteStore; appends
// run in a serializable transaction, so concurrent writers to one stream
// cannot both commit the same seq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (and migrates) a store over the given database.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        stream_id TEXT NOT NULL,
        seq BIGINT NOT NULL,
        kind TEXT NOT NULL,
        payload BYTEA NOT NULL,
        prev_hash TEXT NOT NULL,
        receipt_hash TEXT NOT NULL,
        anchor_seq BIGINT NOT NULL DEFAULT 0,
        anchor_wall TIMESTAMPTZ,
        PRIMARY KEY (stream_id, seq)
    );
    CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_hash ON receipts(receipt_hash);
    CREATE TABLE IF NOT EXISTS snapshots (
        stream_id TEXT NOT NULL,
        snapshot_seq BIGINT NOT NULL,
        anchored_receipt_hash TEXT NOT NULL,
        state_hash TEXT NOT NULL,
        state_blob BYTEA,
        anchor_seq BIGINT NOT NULL DEFAULT 0,
        anchor_wall TIMESTAMPTZ,
        PRIMARY KEY (stream_id, snapshot_seq)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Storage under a serializable per-stream transaction.
func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM receipts WHERE stream_id = $1`, rec.Stream).Scan(&maxSeq); err != nil {
		return fmt.Errorf("head query: %w", err)
	}
	if rec.Seq != uint64(maxSeq.Int64)+1 {
		return ErrDuplicate
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO receipts (
        stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Stream, rec.Seq, string(rec.Kind), rec.Payload, rec.PrevHash, rec.ReceiptHash,
		rec.Anchor.Seq, rec.Anchor.WallHint.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return tx.Commit()
}

func scanPGRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec        Record
		kind       string
		anchorSeq  uint64
		anchorWall sql.NullTime
	)
	if err := row.Scan(&rec.Stream, &rec.Seq, &kind, &rec.Payload, &rec.PrevHash, &rec.ReceiptHash, &anchorSeq, &anchorWall); err != nil {
		return Record{}, err
	}
	rec.Kind = contracts.ReceiptKind(kind)
	rec.Anchor = contracts.TemporalAnchor{
		WorldLine: contracts.WorldLineID(rec.Stream),
		Seq:       anchorSeq,
		WallHint:  anchorWall.Time,
	}
	return rec, nil
}

// Read implements Storage.
func (s *PostgresStore) Read(ctx context.Context, stream string, seq uint64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
        FROM receipts WHERE stream_id = $1 AND seq = $2`, stream, seq)
	rec, err := scanPGRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// ReadRange implements Storage.
func (s *PostgresStore) ReadRange(ctx context.Context, stream string, from, to uint64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
        FROM receipts WHERE stream_id = $1 AND seq >= $2 AND seq <= $3 ORDER BY seq ASC`,
		stream, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Head implements Storage.
func (s *PostgresStore) Head(ctx context.Context, stream string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
        FROM receipts WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`, stream)
	rec, err := scanPGRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// GetByHash implements Storage.
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT stream_id, seq, kind, payload, prev_hash, receipt_hash, anchor_seq, anchor_wall
        FROM receipts WHERE receipt_hash = $1`, hash)
	rec, err := scanPGRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// Streams implements Storage.
func (s *PostgresStore) Streams(ctx context.Context) ([]string, error) {
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
func (s *PostgresStore) SnapshotPut(ctx context.Context, snap contracts.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO snapshots (
        stream_id, snapshot_seq, anchored_receipt_hash, state_hash, state_blob, anchor_seq, anchor_wall
    ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(snap.WorldLine), snap.SnapshotSeq, snap.AnchoredReceiptHash, snap.StateHash, snap.StateBlob,
		snap.TemporalAnchor.Seq, snap.TemporalAnchor.WallHint.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// SnapshotLatest implements Storage.
func (s *PostgresStore) SnapshotLatest(ctx context.Context, stream string) (contracts.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT stream_id, snapshot_seq, anchored_receipt_hash, state_hash, state_blob, anchor_seq, anchor_wall
        FROM snapshots WHERE stream_id = $1 ORDER BY snapshot_seq DESC LIMIT 1`, stream)

	var (
		snap       contracts.Snapshot
		streamID   string
		anchorSeq  uint64
		anchorWall sql.NullTime
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
		WallHint:  anchorWall.Time,
	}
	return snap, true, nil
}
