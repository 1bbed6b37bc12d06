// Package ledger stores the history of orchestrator runs in PostgreSQL.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no matching run was recorded.
var ErrNotFound = errors.New("ledger: not found")

// Status values recorded per host.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Entry is the outcome of one operation on one host.
type Entry struct {
	RunID       string
	Project     string
	Environment string
	Operation   string
	Host        string
	Release     string
	Stage       string
	Status      string
	ErrorKind   string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Recorder persists entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Nop discards entries.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements Recorder on PostgreSQL.
type Store struct {
	db DB
}

var _ Recorder = (*Store)(nil)

// New constructs a Store.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return pool, nil
}

// Record inserts an entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	const query = `INSERT INTO release_runs
		(run_id, project, environment, operation, host, release, stage, status, error_kind, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.Exec(ctx, query,
		e.RunID, e.Project, e.Environment, e.Operation, e.Host, e.Release,
		e.Stage, e.Status, e.ErrorKind, e.Error, e.StartedAt.UTC(), e.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("record run %s on %s: %w", e.RunID, e.Host, err)
	}
	return nil
}

const selectColumns = `SELECT run_id, project, environment, operation, host, release, stage, status, error_kind, error, started_at, finished_at
		FROM release_runs`

// History returns the newest entries for an environment, newest first.
func (s *Store) History(ctx context.Context, project, environment string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := selectColumns + `
		WHERE project = $1 AND environment = $2
		ORDER BY finished_at DESC, id DESC
		LIMIT $3`
	rows, err := s.db.Query(ctx, query, project, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// LastSuccessful returns the newest successful deploy of host.
func (s *Store) LastSuccessful(ctx context.Context, project, environment, host string) (Entry, error) {
	query := selectColumns + `
		WHERE project = $1 AND environment = $2 AND host = $3 AND status = $4 AND release <> ''
		ORDER BY finished_at DESC, id DESC
		LIMIT 1`
	e, err := scanEntry(s.db.QueryRow(ctx, query, project, environment, host, StatusSucceeded))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.RunID, &e.Project, &e.Environment, &e.Operation, &e.Host, &e.Release,
		&e.Stage, &e.Status, &e.ErrorKind, &e.Error, &e.StartedAt, &e.FinishedAt)
	return e, err
}
