// Package fetch retrieves documents and extracts their plain text.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Abby263/docugen/internal/circuitbreaker"
	"github.com/Abby263/docugen/internal/interceptors"
	"github.com/Abby263/docugen/internal/metrics"
	"github.com/Abby263/docugen/internal/tracing"
)

var (
	ErrNotFound    = errors.New("fetch: not found")
	ErrUnsupported = errors.New("fetch: unsupported content type")
	ErrTooLarge    = errors.New("fetch: document too large")
	ErrTimeout     = errors.New("fetch: timeout")
	ErrUnavailable = errors.New("fetch: upstream unavailable")
)

// Content types the extractors understand.
const (
	TypeHTML  = "text/html"
	TypePlain = "text/plain"
	TypePDF   = "application/pdf"
	TypeDOCX  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Document is extracted plain text plus what was learned about its origin.
type Document struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ContentType string `json:"content_type"`
}

// Fetcher retrieves a URL or an uploaded file.
type Fetcher interface {
	Fetch(ctx context.Context, urlOrFile string) (Document, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, urlOrFile string) (Document, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, urlOrFile string) (Document, error) {
	return f(ctx, urlOrFile)
}

// IsTransient reports whether a retry could succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Config bounds every fetch.
type Config struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int64         `mapstructure:"max_bytes"`
	UserAgent string        `mapstructure:"user_agent"`
	// AllowFiles permits local paths and file:// URLs (uploads, CLI seeds).
	AllowFiles bool `mapstructure:"allow_files"`
}

// DefaultConfig returns a 15s timeout and a 5 MiB body ceiling.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second, MaxBytes: 5 << 20, UserAgent: "docugen/1.0 (+research)"}
}

// HTTPFetcher fetches over HTTP and from local files.
type HTTPFetcher struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewHTTPFetcher(cfg Config, logger *zap.Logger) *HTTPFetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Transport: interceptors.NewWorkflowHTTPRoundTripper(nil)}
	return &HTTPFetcher{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(hc, "fetch", "content-fetcher", circuitbreaker.GetFetchConfig(), logger),
		logger: logger,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, target string) (Document, error) {
	target = strings.TrimSpace(target)
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return f.fetchURL(ctx, target)
	case f.cfg.AllowFiles:
		return f.fetchFile(strings.TrimPrefix(target, "file://"))
	default:
		return Document{}, fmt.Errorf("%w: scheme of %q", ErrUnsupported, target)
	}
}

func (f *HTTPFetcher) fetchURL(ctx context.Context, target string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.StartGatewaySpan(ctx, "fetch", http.MethodGet, target)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.http.Do(req)
	if err != nil {
		metrics.RecordGatewayCall("fetch", "error", time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) {
			return Document{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return Document{}, err
		}
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.RecordGatewayCall("fetch", "not_found", time.Since(start).Seconds())
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, target)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.RecordGatewayCall("fetch", "error", time.Since(start).Seconds())
		return Document{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		metrics.RecordGatewayCall("fetch", "rejected", time.Since(start).Seconds())
		return Document{}, fmt.Errorf("%w: status %d for %s", ErrNotFound, resp.StatusCode, target)
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		metrics.RecordGatewayCall("fetch", "too_large", time.Since(start).Seconds())
		return Document{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := readLimited(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		metrics.RecordGatewayCall("fetch", "error", time.Since(start).Seconds())
		if errors.Is(err, ErrTooLarge) {
			return Document{}, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Document{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.RecordGatewayCall("fetch", "ok", time.Since(start).Seconds())

	ct := detectType(resp.Header.Get("Content-Type"), req.URL.Path, data)
	doc, err := Extract(ct, data)
	if err != nil {
		return Document{}, err
	}
	doc.URL = resp.Request.URL.String()
	return doc, nil
}

func (f *HTTPFetcher) fetchFile(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.Size() > f.cfg.MaxBytes {
		return Document{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	doc, err := Extract(detectType("", path, data), data)
	if err != nil {
		return Document{}, err
	}
	doc.URL = "file://" + path
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return doc, nil
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return buf.Bytes(), nil
}

func detectType(header, path string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return TypePDF
	case ".docx":
		return TypeDOCX
	case ".html", ".htm":
		return TypeHTML
	case ".txt", ".md", ".markdown":
		return TypePlain
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
