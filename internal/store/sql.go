package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
	"github.com/Abby263/docugen/internal/pipeline"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	run_id     TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	document   JSONB,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (project_id, version)
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	run_id     TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	status     TEXT NOT NULL,
	document   TEXT,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (project_id, version)
)`

// SQLStore persists results in Postgres or SQLite through sqlx.
type SQLStore struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// Open connects to dsn. postgres:// and postgresql:// select lib/pq;
// sqlite3:// and file: select go-sqlite3; "memory" returns a MemoryStore.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (ResultStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if driver == "memory" {
		return NewMemoryStore(), nil
	}
	raw, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		raw.SetMaxOpenConns(1)
	} else {
		raw.SetMaxOpenConns(10)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(5 * time.Minute)
	}
	s := NewSQLStore(raw, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	logger.Info("Result store initialized", zap.String("driver", driver))
	return s, nil
}

func parseDSN(dsn string) (driver, source string, err error) {
	switch {
	case dsn == "" || dsn == "memory":
		return "memory", "", nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	case strings.HasPrefix(dsn, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite3://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return "sqlite3", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported database dsn %q", dsn)
	}
}

// NewSQLStore wraps an open handle.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger}
}

// Migrate creates the documents table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.db.DriverName() == "sqlite3" {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate documents table: %w", err)
	}
	return nil
}

// PersistResult implements ResultStore. The version is allocated in the same
// statement as the insert; a repeated run_id only refreshes its payload.
func (s *SQLStore) PersistResult(ctx context.Context, r Result) (int, error) {
	if err := validate(r); err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`
		INSERT INTO documents (run_id, project_id, version, status, document, metadata, created_at)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, ?, ?
		FROM documents WHERE project_id = ?
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			metadata = excluded.metadata
		RETURNING version`)

	var version int
	err := s.db.GetContext(ctx, &version, query,
		r.RunID, r.ProjectID, r.Status, r.Document, r.Metadata, r.CreatedAt, r.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to persist result %s: %w", r.RunID, err)
	}
	s.logger.Debug("Persisted result",
		zap.String("run_id", r.RunID),
		zap.String("project_id", r.ProjectID),
		zap.Int("version", version),
	)
	return version, nil
}

// LatestForProject implements ResultStore.
func (s *SQLStore) LatestForProject(ctx context.Context, projectID string) (Result, error) {
	query := s.db.Rebind(`
		SELECT run_id, project_id, version, status, document, metadata, created_at
		FROM documents
		WHERE project_id = ? AND status = ?
		ORDER BY version DESC
		LIMIT 1`)
	var r Result
	err := s.db.GetContext(ctx, &r, query, projectID, string(pipeline.StatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	return r, nil
}

// History implements ResultStore.
func (s *SQLStore) History(ctx context.Context, projectID string) ([]Result, error) {
	query := s.db.Rebind(`
		SELECT run_id, project_id, version, status, document, metadata, created_at
		FROM documents
		WHERE project_id = ?
		ORDER BY version ASC`)
	var out []Result
	if err := s.db.SelectContext(ctx, &out, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list project %s: %w", projectID, err)
	}
	return out, nil
}

// Ping reports whether the database answers; used by the health checker.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the guarded handle for health checks.
func (s *SQLStore) DB() *circuitbreaker.DatabaseWrapper { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }
