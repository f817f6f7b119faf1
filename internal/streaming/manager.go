package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event types carried on the progress stream.
const (
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeError     = "error"
	TypeCancelled = "cancelled"
)

// Event is one progress notification of a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError || e.Type == TypeCancelled
}

// Publisher is the progress sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Manager provides in-memory pub/sub for run events with a bounded replay
// history per run.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// NewManager returns a manager keeping capacity events per run.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Get returns the process-wide manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() { defaultMgr = NewManager(defaultCapacity) })
	return defaultMgr
}

// Configure sets the replay capacity for rings created from now on.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	m := Get()
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish implements Publisher. Sequence numbers start at 1 per run. Slow
// subscribers miss events rather than block the pipeline; they can replay.
func (m *Manager) Publish(_ context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[evt.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RunID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range m.subscribers[evt.RunID] {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
