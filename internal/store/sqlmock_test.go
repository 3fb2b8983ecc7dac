package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupMockStore wires gorm to a sqlmock connection instead of a real
// database, grounded on BaSui01-agentflow's internal/database/pool_test.go
// setupTestDB helper — used here to assert the exact SQL AppendCandidate
// emits, which a real sqlite-backed test (store_test.go) can't do since it
// only observes end state, not the statements that produced it.
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return &Store{db: gormDB}, mock
}

// TestAppendCandidateEmitsSingleInsert pins down §4.F's ledger contract at
// the SQL layer: one attempt appends exactly one row to request_candidates,
// via a single INSERT (no read-modify-write), so concurrent attempts for
// different request_ids never serialize on each other.
func TestAppendCandidateEmitsSingleInsert(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "request_candidates"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := s.AppendCandidate(context.Background(), &RequestCandidate{
		RequestID:  "req-1",
		RetryIndex: 0,
		ProviderID: 1,
		Status:     "selected",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestAppendCandidateFailurePropagates ensures a write error surfaces to
// the caller rather than being swallowed — dispatch.ledger logs it, but
// AppendCandidate itself must not mask it.
func TestAppendCandidateFailurePropagates(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "request_candidates"`).
		WillReturnError(gorm.ErrInvalidDB)
	mock.ExpectRollback()

	err := s.AppendCandidate(context.Background(), &RequestCandidate{RequestID: "req-2"})
	require.Error(t, err)
}
