package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"run_id", "project", "environment", "operation", "host", "release", "stage", "status", "error_kind", "error", "started_at", "finished_at"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordInsertsEntry(t *testing.T) {
	mock := newMock(t)
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO release_runs").
		WithArgs("0f8c", "mysite", "production", "deploy", "web1", "20240101120000",
			"SERVERS_RELOADED", StatusSucceeded, "", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := New(mock).Record(context.Background(), Entry{
		RunID: "0f8c", Project: "mysite", Environment: "production", Operation: "deploy",
		Host: "web1", Release: "20240101120000", Stage: "SERVERS_RELOADED", Status: StatusSucceeded,
		StartedAt: started, FinishedAt: started.Add(time.Minute),
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWrapsErrors(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO release_runs").WillReturnError(errors.New("connection refused"))

	err := New(mock).Record(context.Background(), Entry{RunID: "r", Host: "web1"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "record run r on web1")
}

func TestHistoryReturnsRows(t *testing.T) {
	mock := newMock(t)
	at := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT run_id").
		WithArgs("mysite", "production", 20).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("r2", "mysite", "production", "rollback", "web1", "", "SERVERS_RELOADED", StatusSucceeded, "", "", at, at).
			AddRow("r1", "mysite", "production", "deploy", "web1", "20240101120000", "SCHEMA_SYNCED", StatusFailed, "SERVER_RELOAD_FAILED", "boom", at, at))

	entries, err := New(mock).History(context.Background(), "mysite", "production", 0)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r2", entries[0].RunID)
	assert.Equal(t, "SERVER_RELOAD_FAILED", entries[1].ErrorKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastSuccessfulNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT run_id").
		WithArgs("mysite", "production", "web1", StatusSucceeded).
		WillReturnError(pgx.ErrNoRows)

	_, err := New(mock).LastSuccessful(context.Background(), "mysite", "production", "web1")

	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLastSuccessful(t *testing.T) {
	mock := newMock(t)
	at := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT run_id").
		WithArgs("mysite", "production", "web1", StatusSucceeded).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("r1", "mysite", "production", "deploy", "web1", "20240101120000", "SERVERS_RELOADED", StatusSucceeded, "", "", at, at))

	e, err := New(mock).LastSuccessful(context.Background(), "mysite", "production", "web1")

	require.NoError(t, err)
	assert.Equal(t, "20240101120000", e.Release)
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	content, err := migrations.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(content), "-- +goose Up")
	assert.Contains(t, string(content), "CREATE TABLE IF NOT EXISTS release_runs")
}

func TestNewMigratorRequiresDSN(t *testing.T) {
	_, err := NewMigrator("", nil)
	assert.Error(t, err)
}
