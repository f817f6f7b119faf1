package store

import (
	"context"
	"sync"
	"time"

	"github.com/Abby263/docugen/internal/pipeline"
)

// MemoryStore keeps results in process; used by tests and the CLI's local mode.
type MemoryStore struct {
	mu    sync.RWMutex
	byRun map[string]Result
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRun: make(map[string]Result)}
}

func (m *MemoryStore) PersistResult(_ context.Context, r Result) (int, error) {
	if err := validate(r); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byRun[r.RunID]; ok {
		r.Version = prev.Version
		r.CreatedAt = prev.CreatedAt
		m.byRun[r.RunID] = r
		return r.Version, nil
	}
	version := 0
	for _, id := range m.order {
		if e := m.byRun[id]; e.ProjectID == r.ProjectID && e.Version > version {
			version = e.Version
		}
	}
	r.Version = version + 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.byRun[r.RunID] = r
	m.order = append(m.order, r.RunID)
	return r.Version, nil
}

func (m *MemoryStore) LatestForProject(_ context.Context, projectID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  Result
		found bool
	)
	for _, id := range m.order {
		e := m.byRun[id]
		if e.ProjectID != projectID || e.Status != string(pipeline.StatusCompleted) {
			continue
		}
		if !found || e.Version > best.Version {
			best, found = e, true
		}
	}
	if !found {
		return Result{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) History(_ context.Context, projectID string) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Result
	for _, id := range m.order {
		if e := m.byRun[id]; e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
