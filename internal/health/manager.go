package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs registered checkers and caches their latest results.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     map[string]CheckResult
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a manager that refreshes results every interval once
// started. A non-positive interval defaults to 30s.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers: make(map[string]Checker),
		last:     make(map[string]CheckResult),
		interval: interval,
		logger:   logger,
	}
}

// RegisterChecker adds a checker; names must be unique.
func (m *Manager) RegisterChecker(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()),
	)
	return nil
}

// Names lists registered checkers in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every checker concurrently, each under its own timeout, and
// returns the aggregated report.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			results[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]CheckResult, len(results))
	for _, r := range results {
		components[r.Component] = r
	}
	m.mu.Lock()
	for name, r := range components {
		m.last[name] = r
	}
	m.mu.Unlock()
	return summarize(components)
}

// Last returns the report built from cached results without probing.
func (m *Manager) Last() Report {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.last))
	for name, r := range m.last {
		components[name] = r
	}
	m.mu.RUnlock()
	return summarize(components)
}

func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()
	start := time.Now()
	r := c.Check(checkCtx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	r.Duration = time.Since(start)
	r.Timestamp = start
	return r
}

func summarize(components map[string]CheckResult) Report {
	rep := Report{Components: components, Timestamp: time.Now()}
	if len(components) == 0 {
		rep.Status = StatusUnknown
		rep.Message = "No health checks registered"
		return rep
	}
	var critical, degraded int
	for _, r := range components {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			critical++
		case r.Status != StatusHealthy:
			degraded++
		}
	}
	switch {
	case critical > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("%d critical component(s) failing", critical)
	case degraded > 0:
		rep.Status = StatusDegraded
		rep.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		rep.Ready = true
	default:
		rep.Status = StatusHealthy
		rep.Message = fmt.Sprintf("All %d components healthy", len(components))
		rep.Ready = true
	}
	return rep
}

// Start refreshes cached results in the background until Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			rep := m.Check(ctx)
			cancel()
			if rep.Status != StatusHealthy {
				m.logger.Warn("Health degraded", zap.String("status", rep.Status.String()), zap.String("message", rep.Message))
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	m.logger.Info("Health manager started", zap.Duration("check_interval", m.interval))
}

// Stop ends background refreshes and waits for the loop to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
