package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForLimit(t *testing.T) {
	limit := RateLimit{RPM: 30, TPM: 60000}
	assert.Equal(t, 2*time.Second, delayForLimit(limit, 1000), "RPM bound dominates small requests")
	assert.Equal(t, 10*time.Second, delayForLimit(limit, 10000), "TPM bound dominates large requests")
	assert.Equal(t, time.Duration(0), delayForLimit(RateLimit{}, 1000))
	assert.Equal(t, 60*time.Second, delayForLimit(RateLimit{TPM: 10}, 1000000), "delay is capped")
}

func TestCombineLimits(t *testing.T) {
	combined := CombineLimits(RateLimit{RPM: 30, TPM: 50000}, RateLimit{RPM: 20, TPM: 100000})
	assert.Equal(t, RateLimit{RPM: 20, TPM: 50000}, combined)
	assert.Equal(t, RateLimit{RPM: 5}, CombineLimits(RateLimit{RPM: 5}, RateLimit{}))
}

func TestProviderOverrides(t *testing.T) {
	t.Cleanup(func() { SetProviderOverrides(nil) })
	assert.Equal(t, RateLimit{RPM: 20, TPM: 40000}, LimitForProvider("Anthropic"))
	assert.Equal(t, builtInProviderLimits["unknown"], LimitForProvider("mystery"))

	SetProviderOverrides(map[string]RateLimit{"OpenAI": {RPM: 1000, TPM: 1000000}})
	assert.Equal(t, RateLimit{RPM: 1000, TPM: 1000000}, LimitForProvider("openai"))
}

func TestLimiterWait(t *testing.T) {
	l := NewLimiter(RateLimit{RPM: 600, TPM: 6000})
	ctx := context.Background()
	_, err := l.Wait(ctx, 100)
	require.NoError(t, err)

	// Oversized requests are clamped to the burst rather than rejected.
	_, err = l.Wait(ctx, 1_000_000)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Wait(cancelled, 6000)
	assert.Error(t, err)

	unlimited := NewLimiter(RateLimit{})
	waited, err := unlimited.Wait(ctx, 1_000_000)
	require.NoError(t, err)
	assert.Less(t, waited, 50*time.Millisecond)
}
