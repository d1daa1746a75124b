package ledger

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS receipts").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresAppendRejectsSeqGap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\) FROM receipts").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectRollback()

	err := s.Append(context.Background(), Record{Stream: "s", Seq: 5, ReceiptHash: "sha256:x"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendCommitsInOrder(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(seq\\) FROM receipts").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO receipts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Append(context.Background(), Record{Stream: "s", Seq: 1, ReceiptHash: "sha256:x"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHeadEmptyStream(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT stream_id, seq, kind").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "seq", "kind", "payload", "prev_hash", "receipt_hash", "anchor_seq", "anchor_wall"}))

	_, ok, err := s.Head(context.Background(), "s")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresGetByHashNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT stream_id, seq, kind").
		WillReturnRows(sqlmock.NewRows([]string{"stream_id", "seq", "kind", "payload", "prev_hash", "receipt_hash", "anchor_seq", "anchor_wall"}))

	_, err := s.GetByHash(context.Background(), "sha256:missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
