package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
)

// slowThreshold marks a dependency as degraded when it answers but slowly.
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks the Redis progress log.
type RedisHealthChecker struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. Redis only backs
// the durable progress log, so it is not critical.
func NewRedisHealthChecker(client redis.UniversalClient, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Timestamp: startTime}

	err := r.client.Ping(ctx).Err()
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}
	result.Status, result.Message = latencyStatus(result.Duration, "Redis")
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// DatabaseHealthChecker checks the result store database.
type DatabaseHealthChecker struct {
	db      *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: startTime}

	if d.db.Breaker().IsOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := d.db.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := d.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	} else {
		result.Status, result.Message = latencyStatus(result.Duration, "Database")
	}
	result.Details = map[string]interface{}{
		"driver":           d.db.DriverName(),
		"latency_ms":       result.Duration.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
	}
	return result
}

// TemporalHealthChecker checks the Temporal frontend the workers poll.
type TemporalHealthChecker struct {
	client  client.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewTemporalHealthChecker creates a Temporal health checker
func NewTemporalHealthChecker(c client.Client, logger *zap.Logger) *TemporalHealthChecker {
	return &TemporalHealthChecker{client: c, logger: logger, timeout: 5 * time.Second}
}

func (t *TemporalHealthChecker) Name() string           { return "temporal" }
func (t *TemporalHealthChecker) IsCritical() bool       { return true }
func (t *TemporalHealthChecker) Timeout() time.Duration { return t.timeout }

func (t *TemporalHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "temporal", Critical: true, Timestamp: startTime}

	_, err := t.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Temporal frontend unreachable"
		return result
	}
	result.Status, result.Message = latencyStatus(result.Duration, "Temporal")
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// GatewayHealthChecker probes the health endpoint of an HTTP gateway (LLM
// or search). Gateways are non-critical: runs fail over to transient errors
// and retry.
type GatewayHealthChecker struct {
	name    string
	url     string
	breaker *circuitbreaker.CircuitBreaker
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewGatewayHealthChecker creates a checker for baseURL + "/health". breaker
// may be nil.
func NewGatewayHealthChecker(name, baseURL string, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *GatewayHealthChecker {
	return &GatewayHealthChecker{
		name:    name,
		url:     strings.TrimRight(baseURL, "/") + "/health",
		breaker: breaker,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (g *GatewayHealthChecker) Name() string           { return g.name }
func (g *GatewayHealthChecker) IsCritical() bool       { return false }
func (g *GatewayHealthChecker) Timeout() time.Duration { return g.timeout }

func (g *GatewayHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: g.name, Timestamp: startTime}
	result.Details = map[string]interface{}{"url": g.url}

	if g.breaker != nil && g.breaker.IsOpen() {
		result.Status = StatusDegraded
		result.Error = "circuit breaker open"
		result.Message = fmt.Sprintf("%s circuit breaker is open", g.name)
		result.Duration = time.Since(startTime)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	resp, err := g.client.Do(req)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", g.name)
		return result
	}
	resp.Body.Close()
	result.Details["status_code"] = resp.StatusCode
	result.Details["latency_ms"] = result.Duration.Milliseconds()
	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s returned %d", g.name, resp.StatusCode)
		return result
	}
	result.Status, result.Message = latencyStatus(result.Duration, g.name)
	return result
}

func latencyStatus(d time.Duration, component string) (CheckStatus, string) {
	if d > slowThreshold {
		return StatusDegraded, component + " responding but with high latency"
	}
	return StatusHealthy, component + " healthy"
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{
		name:     name,
		critical: critical,
		timeout:  timeout,
		checkFn:  checkFn,
	}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
