// Package transport delivers job progress events from the refinement API.
//
// Three tiers feed one ordered sink:
//   - the primary event stream returned by the job-start request
//   - an optional push-socket opened once the job id is known
//   - status polling when the socket cannot be used
//
// Transport failures are recovered by moving to the next tier and are only
// surfaced once polling also fails.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/refinewatch/iox"
	"github.com/pithecene-io/refinewatch/sse"
	"github.com/pithecene-io/refinewatch/types"
)

// DefaultConnectTimeout bounds connection establishment and the wait for
// response headers. The stream body itself is bounded by the inactivity
// watchdog.
const DefaultConnectTimeout = 10 * time.Minute

// DefaultStatusTimeout bounds a single status poll.
const DefaultStatusTimeout = 30 * time.Second

// RequestIDHeader carries a per-request identifier.
const RequestIDHeader = "X-Request-ID"

const maxErrorBody = 4 * 1024

// ClientConfig configures the API client.
type ClientConfig struct {
	// BaseURL is the API origin, e.g. https://refine.example.com (required).
	BaseURL string
	// Headers are added to every request and the socket handshake.
	Headers map[string]string
	// ConnectTimeout bounds dial and response headers (default 10m).
	ConnectTimeout time.Duration
	// StatusTimeout bounds a single status poll (default 30s).
	StatusTimeout time.Duration
	// HTTPClient overrides the HTTP client. Tests use httptest clients.
	HTTPClient *http.Client
}

// Client talks to the refinement API.
type Client struct {
	base    *url.URL
	headers map[string]string
	http    *http.Client
	connect time.Duration
	status  time.Duration
}

// NewClient creates an API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", base.Scheme)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ConnectTimeout,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}

	return &Client{
		base:    base,
		headers: cfg.Headers,
		http:    client,
		connect: cfg.ConnectTimeout,
		status:  cfg.StatusTimeout,
	}, nil
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Start issues a job-start request and returns the event stream.
func (c *Client) Start(ctx context.Context, req types.StartRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}
	return c.openStream(ctx, "start", req)
}

// Continue issues a continuation request and returns the event stream.
func (c *Client) Continue(ctx context.Context, req types.ContinuationRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid continuation request: %w", err)
	}
	return c.openStream(ctx, "continue", req)
}

func (c *Client) openStream(ctx context.Context, op string, body any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "jobs"), bytes.NewReader(payload))
	if err != nil {
		return nil, newError(ErrorConnect, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.decorate(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(ErrorCanceled, op, ctx.Err())
		}
		return nil, newError(ErrorConnect, op, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, newError(ErrorStatus, op, err)
	}

	// A JSON response is a polling handle: a single event, usually the job
	// announcement. It is re-framed as one line so the decoder handles it
	// like a stream that ended before its terminal.
	if isJSON(resp.Header.Get("Content-Type")) {
		defer iox.DiscardClose(resp.Body)
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, newError(ErrorStream, op, err)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return nil, newError(ErrorStream, op, fmt.Errorf("decode polling handle: %w", err))
		}
		compact.WriteByte('\n')
		return io.NopCloser(&compact), nil
	}
	return resp.Body, nil
}

// Status fetches the most recent event of a job.
func (c *Client) Status(ctx context.Context, jobID string) (types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.status)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "jobs", jobID, "status"), nil)
	if err != nil {
		return types.Event{}, newError(ErrorPoll, "status", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	c.decorate(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return types.Event{}, newError(ErrorPoll, "status", err)
	}
	defer iox.DrainClose(resp.Body)

	if err := checkStatus(resp); err != nil {
		return types.Event{}, newError(ErrorStatus, "status", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Event{}, newError(ErrorPoll, "status", err)
	}
	ev, err := sse.ParseEvent(bytes.TrimSpace(raw))
	if err != nil {
		return types.Event{}, newError(ErrorPoll, "status", err)
	}
	ev.Source = types.SourcePoll
	return ev, nil
}

// SocketURL returns the push-socket URL for a job. The scheme mirrors the
// API origin: https maps to wss, http to ws.
func (c *Client) SocketURL(jobID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = ""
	return u.JoinPath("ws", "jobs", url.PathEscape(jobID)).String()
}

// Headers returns the configured headers plus a fresh request id.
func (c *Client) Headers() http.Header {
	h := http.Header{}
	for k, v := range c.headers {
		h.Set(k, v)
	}
	h.Set(RequestIDHeader, uuid.NewString())
	return h
}

// ConnectTimeout returns the connection establishment bound.
func (c *Client) ConnectTimeout() time.Duration {
	return c.connect
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) decorate(r *http.Request) {
	for k, vs := range c.Headers() {
		for _, v := range vs {
			r.Header.Set(k, v)
		}
	}
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return c.base.JoinPath(escaped...).String()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer iox.DrainClose(resp.Body)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
