// Package llm is the language model gateway used by every generative stage.
package llm

import (
	"context"
	"errors"
)

// Gateway errors. Timeouts, rate limits and unavailability are transient;
// ErrInvalidRequest is not.
var (
	ErrRateLimited    = errors.New("llm: rate limited")
	ErrTimeout        = errors.New("llm: timeout")
	ErrInvalidRequest = errors.New("llm: invalid request")
	ErrUnavailable    = errors.New("llm: service unavailable")
)

// Params are the generation parameters of one completion.
type Params struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
	JSON        bool    `json:"json,omitempty"`
}

// DefaultParams mirrors the defaults every stage starts from.
func DefaultParams() Params {
	return Params{Temperature: 0.7, MaxTokens: 4000, TopP: 0.9}
}

// WithSystem returns p with a system prompt.
func (p Params) WithSystem(system string) Params {
	p.System = system
	return p
}

// WithTemperature returns p with temperature t.
func (p Params) WithTemperature(t float64) Params {
	p.Temperature = t
	return p
}

// WithJSON returns p asking for a JSON response.
func (p Params) WithJSON() Params {
	p.JSON = true
	return p
}

// Completion is a model response.
type Completion struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Gateway turns a prompt into text.
type Gateway interface {
	Complete(ctx context.Context, prompt string, params Params) (Completion, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, prompt string, params Params) (Completion, error)

// Complete calls f.
func (f GatewayFunc) Complete(ctx context.Context, prompt string, params Params) (Completion, error) {
	return f(ctx, prompt, params)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
