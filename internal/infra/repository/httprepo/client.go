// Package httprepo implements the processing repository over the analytics
// service's HTTP API.
package httprepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/livesync/internal/domain/processing"
	"github.com/ahrav/livesync/pkg/common"
)

// DefaultTimeout bounds every repository request.
const DefaultTimeout = 5 * time.Second

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is returned for non-2xx responses. Message carries the
// server's error field when the body has one.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.StatusCode)
}

// ErrUnauthorized is matched by StatusErrors with a 401 or 403 code.
var ErrUnauthorized = errors.New("unauthorized")

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond and Burst shape outbound traffic. A zero rate leaves
	// requests unlimited.
	RequestsPerSecond float64
	Burst             int
}

// Client is the HTTP processing repository.
type Client struct {
	base        *url.URL
	timeout     time.Duration
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	tokens      TokenSource
	tracer      trace.Tracer
}

var _ processing.Repository = (*Client)(nil)

// NewClient creates a Client. httpClient may be nil to use a default client.
func NewClient(cfg Config, httpClient *http.Client, tokens TokenSource, tracer trace.Tracer) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		base:        base,
		timeout:     cfg.Timeout,
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		tokens:      tokens,
		tracer:      tracer,
	}, nil
}

type jobsResponse struct {
	Jobs []processing.ProcessingJob `json:"jobs"`
}

type invoicesResponse struct {
	Invoices []processing.Invoice `json:"invoices"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListJobs returns every processing job.
func (c *Client) ListJobs(ctx context.Context) ([]processing.ProcessingJob, error) {
	var out jobsResponse
	if err := c.do(ctx, http.MethodGet, "/api/processing/jobs", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// StartJob queues an uploaded job.
func (c *Client) StartJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID, "start"), nil)
}

// CancelJob stops an in-flight job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), nil)
}

// RestartJob re-queues a failed or cancelled job.
func (c *Client) RestartJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, jobPath(jobID, "restart"), nil)
}

// DeleteJob removes a job.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, jobPath(jobID, ""), nil)
}

// ListInvoices returns the invoices extracted so far.
func (c *Client) ListInvoices(ctx context.Context) ([]processing.Invoice, error) {
	var out invoicesResponse
	if err := c.do(ctx, http.MethodGet, "/api/invoices", &out); err != nil {
		return nil, err
	}
	return out.Invoices, nil
}

// GetStatistics returns aggregate invoice statistics.
func (c *Client) GetStatistics(ctx context.Context) (processing.InvoiceStatistics, error) {
	var out processing.InvoiceStatistics
	if err := c.do(ctx, http.MethodGet, "/api/invoices/statistics", &out); err != nil {
		return processing.InvoiceStatistics{}, err
	}
	return out, nil
}

func jobPath(jobID, action string) string {
	p := "/api/processing/jobs/" + url.PathEscape(jobID)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends one authenticated request and decodes a 2xx body into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	ctx, span := c.tracer.Start(ctx, "httprepo.request",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to obtain credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var body errorResponse
		if json.Unmarshal(data, &body) == nil {
			statusErr.Message = body.Error
		}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, "non-2xx response")
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
