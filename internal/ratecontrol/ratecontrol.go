package ratecontrol

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a per-minute request and token allowance.
type RateLimit struct {
	RPM int `mapstructure:"rpm" yaml:"rpm"`
	TPM int `mapstructure:"tpm" yaml:"tpm"`
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"azure":     {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"deepseek":  {RPM: 30, TPM: 60000},
	"qwen":      {RPM: 30, TPM: 60000},
	"zhipu":     {RPM: 20, TPM: 40000},
	"ollama":    {RPM: 0, TPM: 0},
	"unknown":   {RPM: 45, TPM: 90000},
}

var (
	overridesMu sync.RWMutex
	overrides   = map[string]RateLimit{}
)

// SetProviderOverrides replaces configured per-provider limits. Called on
// startup and whenever the config watcher reloads.
func SetProviderOverrides(m map[string]RateLimit) {
	next := make(map[string]RateLimit, len(m))
	for k, v := range m {
		next[strings.ToLower(strings.TrimSpace(k))] = v
	}
	overridesMu.Lock()
	overrides = next
	overridesMu.Unlock()
}

// LimitForProvider returns the configured or built-in limit of a provider.
func LimitForProvider(provider string) RateLimit {
	key := strings.ToLower(strings.TrimSpace(provider))
	overridesMu.RLock()
	o, ok := overrides[key]
	overridesMu.RUnlock()
	if ok {
		return o
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return builtInProviderLimits["unknown"]
}

// CombineLimits keeps the stricter positive value of each dimension.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{
		RPM: minPositive(a.RPM, b.RPM),
		TPM: minPositive(a.TPM, b.TPM),
	}
	return limit
}

// DelayForRequest estimates the spacing a request of estimatedTokens needs to
// stay inside limit when issued back to back.
func DelayForRequest(limit RateLimit, estimatedTokens int) time.Duration {
	return delayForLimit(limit, estimatedTokens)
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

// Limiter paces calls to one gateway on both requests and tokens.
type Limiter struct {
	limit    RateLimit
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewLimiter builds a limiter; a zero dimension is unlimited.
func NewLimiter(limit RateLimit) *Limiter {
	l := &Limiter{limit: limit}
	if limit.RPM > 0 {
		l.requests = rate.NewLimiter(rate.Limit(float64(limit.RPM)/60.0), max(1, limit.RPM/10))
	}
	if limit.TPM > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(limit.TPM)/60.0), limit.TPM)
	}
	return l
}

// Limit returns the allowance this limiter enforces.
func (l *Limiter) Limit() RateLimit { return l.limit }

// Wait blocks until a request of estimatedTokens may proceed and returns how
// long it waited.
func (l *Limiter) Wait(ctx context.Context, estimatedTokens int) (time.Duration, error) {
	start := time.Now()
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return time.Since(start), err
		}
	}
	if l.tokens != nil && estimatedTokens > 0 {
		n := estimatedTokens
		if n > l.tokens.Burst() {
			n = l.tokens.Burst()
		}
		if err := l.tokens.WaitN(ctx, n); err != nil {
			return time.Since(start), err
		}
	}
	return time.Since(start), nil
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}
