// Package ocr adapts the external text-extraction service. The service is
// slow and occasionally flaky, so the client pairs bounded retries with a
// circuit breaker; opening the breaker surfaces as a transient failure that
// the caller's own retry discipline handles.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/billstream/billstream/pkg/fault"
	"github.com/billstream/billstream/pkg/retry"
)

// Result is the wire shape of a successful extraction. Total stays a raw
// string here; the orchestrator owns rounding it into money.
type Result struct {
	Text           string `json:"extractedText"`
	Total          string `json:"extractedTotal,omitempty"`
	Title          string `json:"extractedTitle,omitempty"`
	Confidence     string `json:"confidence,omitempty"`
	ProcessingTime string `json:"processingTime,omitempty"`
}

// Extractor is what the orchestrator depends on.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType, filename string) (*Result, error)
}

// DefaultTimeout bounds one extraction call.
const DefaultTimeout = 30 * time.Second

// Client calls the extraction service over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	policy   retry.Policy
	logger   *slog.Logger
}

// Option adjusts Client construction.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPClient substitutes the transport, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds an extraction client against endpoint (the service base
// URL; the client POSTs to its /extract path).
func NewClient(endpoint string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: DefaultTimeout},
		policy:   retry.DefaultPolicy(),
		logger:   logger.With("component", "ocr"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ocr",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ocr breaker state change", "from", from.String(), "to", to.String())
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract sends the file to the service and returns its reading. Transient
// failures (5xx, timeouts, open breaker) are retried within the policy;
// a 4xx means the service read and refused the document, which no retry
// will change.
func (c *Client) Extract(ctx context.Context, data []byte, contentType, filename string) (*Result, error) {
	var result *Result
	err := retry.Do(ctx, c.policy, filename, fault.Retryable, func(ctx context.Context) error {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.extractOnce(ctx, data, contentType, filename)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fault.Transient("ocr circuit open", err)
			}
			return err
		}
		result = out.(*Result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) extractOnce(ctx context.Context, data []byte, contentType, filename string) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fault.Internal("ocr request build failed", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fault.Internal("ocr request build failed", err)
	}
	if err := mw.WriteField("contentType", contentType); err != nil {
		return nil, fault.Internal("ocr request build failed", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fault.Internal("ocr request build failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/extract", &body)
	if err != nil {
		return nil, fault.Internal("ocr request build failed", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Cancelled("ocr call cancelled")
		}
		return nil, fault.Transient("ocr call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fault.Internal("ocr response decode failed", err)
		}
		return &result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.Internal(
			fmt.Sprintf("ocr rejected %s: status %d: %s", filename, resp.StatusCode, detail), nil)
	default:
		return nil, fault.Transient(
			fmt.Sprintf("ocr unavailable: status %d", resp.StatusCode), nil)
	}
}
