package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
	"github.com/Abby263/docugen/internal/interceptors"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/ratecontrol"
	"github.com/Abby263/docugen/internal/tracing"
)

// Config configures the OpenAI-compatible chat completions client.
type Config struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Provider string        `mapstructure:"provider"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RPM      int           `mapstructure:"rpm"`
	TPM      int           `mapstructure:"tpm"`
}

// Client talks to a /v1/chat/completions endpoint.
type Client struct {
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	limiter *ratecontrol.Limiter
	logger  *zap.Logger
}

// NewClient builds a client. The provider's built-in limits are combined with
// any configured RPM/TPM, keeping the stricter of each.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := ratecontrol.CombineLimits(
		ratecontrol.LimitForProvider(cfg.Provider),
		ratecontrol.RateLimit{RPM: cfg.RPM, TPM: cfg.TPM},
	)
	hc := &http.Client{Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	return &Client{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(hc, "llm", "llm-gateway", circuitbreaker.GetLLMConfig(), logger),
		limiter: ratecontrol.NewLimiter(limit),
		logger:  logger,
	}
}

// Breaker reports the gateway circuit state.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// BaseURL is the normalized gateway root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	TopP           float64           `json:"top_p,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Gateway. The per-call timeout starts after the rate
// limiter admits the request.
func (c *Client) Complete(ctx context.Context, prompt string, params Params) (Completion, error) {
	model := params.Model
	if model == "" {
		model = c.cfg.Model
	}
	waited, err := c.limiter.Wait(ctx, EstimateRequestTokens(prompt, params))
	metrics.RateLimitWait.Observe(waited.Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Completion{}, ctx.Err()
		}
		return Completion{}, fmt.Errorf("%w: waiting for rate limiter: %v", ErrTimeout, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs := make([]chatMessage, 0, 2)
	if params.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: params.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	body := chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	}
	if params.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"
	ctx, span := tracing.StartGatewaySpan(ctx, "llm", http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = classifyTransportError(ctx, err)
		metrics.RecordGatewayCall("llm", "error", time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.RecordGatewayCall("llm", "error", time.Since(start).Seconds())
		return Completion{}, classifyTransportError(ctx, err)
	}
	if err := statusError(resp.StatusCode, raw); err != nil {
		metrics.RecordGatewayCall("llm", http.StatusText(resp.StatusCode), time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		metrics.RecordGatewayCall("llm", "bad_response", time.Since(start).Seconds())
		return Completion{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Choices) == 0 {
		metrics.RecordGatewayCall("llm", "empty", time.Since(start).Seconds())
		return Completion{}, fmt.Errorf("%w: response has no choices", ErrUnavailable)
	}
	metrics.RecordGatewayCall("llm", "ok", time.Since(start).Seconds())

	comp := Completion{
		Text:             out.Choices[0].Message.Content,
		Model:            out.Model,
		FinishReason:     out.Choices[0].FinishReason,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}
	if comp.PromptTokens == 0 {
		comp.PromptTokens = CountTokens(params.System) + CountTokens(prompt)
	}
	if comp.CompletionTokens == 0 {
		comp.CompletionTokens = CountTokens(comp.Text)
	}
	metrics.RecordTokens(comp.PromptTokens, comp.CompletionTokens)
	c.logger.Debug("llm completion",
		zap.String("model", comp.Model),
		zap.Int("prompt_tokens", comp.PromptTokens),
		zap.Int("completion_tokens", comp.CompletionTokens),
		zap.Duration("latency", time.Since(start)),
	)
	return comp, nil
}

func statusError(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrTimeout
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("%w: status %d: %s", ErrInvalidRequest, code, msg)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
