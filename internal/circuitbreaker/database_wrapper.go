package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a sqlx handle with a circuit breaker. Missing rows
// are results, not failures, and never trip it.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := GetStoreConfig().ToConfig()
	config.IsFailure = func(err error) bool {
		return !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, context.Canceled)
	}
	name := db.DriverName()
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "result-store", cb)
	return &DatabaseWrapper{db: db, cb: cb, name: name, logger: logger}
}

func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = fn()
		return err
	})
	GlobalMetricsCollector.RecordRequest(dw.name, "result-store", dw.cb.State(), cbErr == nil && err == nil)
	if cbErr != nil && err == nil {
		return cbErr
	}
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.guard(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.guard(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.guard(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// Rebind converts ? placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// DriverName returns the sqlx driver name.
func (dw *DatabaseWrapper) DriverName() string { return dw.db.DriverName() }

// Breaker exposes the underlying breaker for health checks.
func (dw *DatabaseWrapper) Breaker() *CircuitBreaker { return dw.cb }

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats { return dw.db.Stats() }

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }
