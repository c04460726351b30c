// Implements the HTTP transport with rate limiting and bearer tokens.

// Package transport sends jsdo requests to a remote data service over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/jsdo/jsdo"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// maxBody caps response bodies.
const maxBody = 64 << 20

// Config configures an HTTP transport.
type Config struct {
	// BaseURL is the service address; request paths are appended to it.
	BaseURL string
	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing requests. 0 disables throttling.
	RequestsPerSecond float64
	// Burst is the number of requests allowed at once when throttling.
	// Defaults to 1.
	Burst int
	// TokenSource, when set, adds an "Authorization: Bearer" header.
	TokenSource oauth2.TokenSource
	// Header is added to every request.
	Header http.Header
	// Client overrides the HTTP client. Its Transport is wrapped when
	// TokenSource is set.
	Client *http.Client
	Logger *slog.Logger
}

// HTTP is a jsdo.Transport speaking JSON over HTTP.
type HTTP struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	header  http.Header
	logger  *slog.Logger
}

// New creates an HTTP transport.
func New(cfg Config) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}
	client := &http.Client{Timeout: DefaultTimeout}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}
	if cfg.TokenSource != nil {
		rt := client.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		client.Transport = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, cfg.TokenSource), Base: rt}
	}
	h := &HTTP{base: base, client: client, header: cfg.Header.Clone(), logger: cfg.Logger}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return h, nil
}

// StaticToken returns a token source for a fixed bearer token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// Do implements jsdo.Transport. Non-2xx statuses are returned as a Response;
// only failures to get a response are errors.
func (h *HTTP) Do(ctx context.Context, r *jsdo.Request) (*jsdo.Response, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, jsdo.NewError(jsdo.CodeTransport, "throttled %s %s", r.Method, r.Path).Wrap(err)
		}
	}
	u := h.url(r)
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return nil, jsdo.NewError(jsdo.CodeInvalidArgument, "failed to create request").Wrap(err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, jsdo.NewError(jsdo.CodeTransport, "%s %s failed", r.Method, r.Path).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, jsdo.NewError(jsdo.CodeTransport, "failed to read response").WithStatus(resp.StatusCode).Wrap(err)
	}
	h.logger.DebugContext(ctx, "http", "method", r.Method, "url", u, "status", resp.StatusCode, "bytes", len(data), "dur", time.Since(start).Round(time.Millisecond))
	return &jsdo.Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (h *HTTP) url(r *jsdo.Request) string {
	u := *h.base
	u.Path = h.base.Path + r.Path
	if r.Filter != "" {
		q := u.Query()
		q.Set("filter", r.Filter)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
