package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", cfg, zaptest.NewLogger(t))
	cb.now = clock.now
	cb.expiry = clock.now().Add(cfg.Interval)
	return cb, clock
}

func TestCircuitBreakerStates(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = time.Minute

	cb, clock := newTestBreaker(t, config)
	ctx := context.Background()
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, func() error { return errors.New("upstream down") }))
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitBreakerOpen)

	clock.advance(150 * time.Millisecond)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5

	cb, _ := newTestBreaker(t, config)
	ctx := context.Background()

	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrTooManyRequests)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 1
	cb, _ := newTestBreaker(t, config)

	_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	assert.Equal(t, StateClosed, cb.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCircuitBreakerCustomFailureClassifier(t *testing.T) {
	benign := errors.New("bad request")
	config := DefaultConfig()
	config.FailureThreshold = 1
	config.IsFailure = func(err error) bool { return !errors.Is(err, benign) }
	cb, _ := newTestBreaker(t, config)

	_ = cb.Execute(context.Background(), func() error { return benign })
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	assert.Equal(t, StateOpen, cb.State())
}

func TestStateChangeCallback(t *testing.T) {
	config := DefaultConfig()
	config.FailureThreshold = 2

	var fromState, toState State
	var calls int
	config.OnStateChange = func(name string, from State, to State) {
		calls++
		fromState, toState = from, to
	}
	cb, _ := newTestBreaker(t, config)
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("error") })
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, fromState)
	assert.Equal(t, StateOpen, toState)
}

func TestHTTPWrapperTripsOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := CircuitBreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2, SuccessThreshold: 1}
	hw := NewHTTPWrapper(srv.Client(), "test-http", "test", cfg, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/limited", nil)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, StateClosed, hw.Breaker().State(), "429 does not trip the breaker")

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/boom", nil)
		resp, err := hw.Do(req)
		require.NoError(t, err, "5xx responses are returned to the caller")
		resp.Body.Close()
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/boom", nil)
	_, err := hw.Do(req)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}
