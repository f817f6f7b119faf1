package temporal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapter_Fields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapAdapter(zap.New(core))

	l.Info("stage finished", "stage", "classify", "attempt", 2, "callback", func() {}, "dangling")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "temporal", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, "classify", fields["stage"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.Equal(t, "<func>", fields["callback"])
	assert.Equal(t, "dangling", fields["extra"])

	with := l.(*ZapAdapter).With("run_id", "run-1")
	with.Warn("retrying")
	assert.Equal(t, "run-1", logs.All()[1].ContextMap()["run_id"])
}

func TestWaitForTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	logger := zaptest.NewLogger(t)
	assert.True(t, WaitForTCP(context.Background(), ln.Addr().String(), 1, time.Millisecond, logger))

	addr := ln.Addr().String()
	ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, WaitForTCP(ctx, addr, 3, 10*time.Millisecond, logger))
}

func TestDial_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, DialConfig{HostPort: "127.0.0.1:1", TCPAttempts: 1, TCPInterval: time.Millisecond}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
}
