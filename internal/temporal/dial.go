package temporal

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// DialConfig controls how long Dial waits for the frontend to come up.
type DialConfig struct {
	HostPort  string
	Namespace string
	// TCPAttempts bounds the raw TCP pre-check, one attempt per TCPInterval.
	TCPAttempts int
	TCPInterval time.Duration
	// MaxBackoff caps the linear backoff between SDK dial attempts.
	MaxBackoff time.Duration
}

func (c DialConfig) withDefaults() DialConfig {
	if c.HostPort == "" {
		c.HostPort = client.DefaultHostPort
	}
	if c.Namespace == "" {
		c.Namespace = client.DefaultNamespace
	}
	if c.TCPAttempts <= 0 {
		c.TCPAttempts = 60
	}
	if c.TCPInterval <= 0 {
		c.TCPInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 15 * time.Second
	}
	return c
}

// WaitForTCP polls hostPort until it accepts a connection or attempts run out.
// It reports whether the endpoint answered.
func WaitForTCP(ctx context.Context, hostPort string, attempts int, interval time.Duration, logger *zap.Logger) bool {
	for i := 1; i <= attempts; i++ {
		d := net.Dialer{Timeout: 2 * time.Second}
		c, err := d.DialContext(ctx, "tcp", hostPort)
		if err == nil {
			_ = c.Close()
			return true
		}
		logger.Warn("Waiting for Temporal TCP endpoint", zap.String("host", hostPort), zap.Int("attempt", i))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// Dial connects to Temporal, retrying until ctx is cancelled.
func Dial(ctx context.Context, cfg DialConfig, logger *zap.Logger) (client.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	WaitForTCP(ctx, cfg.HostPort, cfg.TCPAttempts, cfg.TCPInterval, logger)

	opts := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    NewZapAdapter(logger),
	}
	for attempt := 1; ; attempt++ {
		c, err := client.DialContext(ctx, opts)
		if err == nil {
			logger.Info("Connected to Temporal", zap.String("host", cfg.HostPort), zap.String("namespace", cfg.Namespace))
			return c, nil
		}
		delay := time.Duration(attempt) * time.Second
		if delay > cfg.MaxBackoff {
			delay = cfg.MaxBackoff
		}
		logger.Warn("Temporal not ready, retrying",
			zap.Int("attempt", attempt),
			zap.String("host", cfg.HostPort),
			zap.Duration("sleep", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, ctx.Err())
		case <-time.After(delay):
		}
	}
}
