// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/github-app-proxy/pkg/auth"
	"github.com/go-core-stack/github-app-proxy/pkg/config"
	"github.com/go-core-stack/github-app-proxy/pkg/metrics"
)

const (
	healthPath      = "/healthz"
	headerRequestID = "X-Request-ID"
	// maxLogBody limits how much of an upstream error body is logged.
	maxLogBody = 2 * 1024
	// streamBufferSize keeps event-stream latency low.
	streamBufferSize = 4 * 1024
)

// TokenSource returns a currently valid installation token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Recorder receives per-request measurements. *metrics.Collector satisfies it.
type Recorder interface {
	RecordRequest(route, outcome string, duration time.Duration)
	RecordUpstreamStatus(route string, status int)
}

type noopRecorder struct{}

func (noopRecorder) RecordRequest(string, string, time.Duration) {}
func (noopRecorder) RecordUpstreamStatus(string, int)            {}

// Proxy forwards requests to the git host or the MCP API and injects a GitHub
// App installation token into each one.
type Proxy struct {
	// gitBase receives every route outside /mcp.
	gitBase *url.URL
	// mcpBase receives /mcp routes.
	mcpBase *url.URL
	// client performs outbound HTTP requests over a shared pool.
	client *http.Client
	// tokens hands out the installation token.
	tokens TokenSource
	// recorder collects request metrics.
	recorder Recorder
	// logger emits structured logs for observability.
	logger zerolog.Logger
}

// Option customises a Proxy.
type Option func(*Proxy)

// WithTransport replaces the default outbound transport. The default is only
// built when no transport is supplied.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.client.Transport = rt
	}
}

// WithRecorder reports request metrics to rec.
func WithRecorder(rec Recorder) Option {
	return func(p *Proxy) {
		if rec != nil {
			p.recorder = rec
		}
	}
}

// New constructs a Proxy for the upstreams in cfg.
func New(cfg config.Config, tokens TokenSource, opts ...Option) (*Proxy, error) {
	if cfg.GitBase == nil || cfg.MCPBase == nil {
		return nil, errors.New("proxy: git and mcp upstream bases are required")
	}
	if tokens == nil {
		return nil, errors.New("proxy: token source is required")
	}

	p := &Proxy{
		gitBase:  cfg.GitBase,
		mcpBase:  cfg.MCPBase,
		client:   newUpstreamClient(cfg.RequestTimeout, nil),
		tokens:   tokens,
		recorder: noopRecorder{},
		logger:   log.With().Str("component", "proxy").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client.Transport == nil {
		p.client.Transport = NewTransport(cfg)
	}

	return p, nil
}

// ServeHTTP answers health checks locally and streams everything else to the
// upstream selected by the request path.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.URL.Path == healthPath {
		writePlain(w, http.StatusOK, "ok")
		p.recorder.RecordRequest("health", metrics.OutcomeHealth, time.Since(start))
		return
	}

	route := classifyRoute(r.URL.Path)
	event := p.logger.With().
		Str("request_id", requestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", route.String()).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	resp, err := p.forward(r, route)
	if err != nil {
		// The cause stays in the log; clients only ever see a generic 502.
		writePlain(w, http.StatusBadGateway, "bad gateway")
		p.recorder.RecordRequest(route.String(), metrics.OutcomeError, time.Since(start))
		logEvent := event.Error().Err(err)
		var fwdErr *Error
		if errors.As(err, &fwdErr) {
			logEvent = logEvent.Str("stage", fwdErr.Stage)
		}
		logEvent.Dur("duration", time.Since(start)).Msg("request failed")
		return
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Error().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	p.recorder.RecordUpstreamStatus(route.String(), resp.StatusCode)

	var bodyReader io.Reader = resp.Body
	if resp.StatusCode >= http.StatusBadRequest {
		// Log the head of the error body, then replay it so the client still
		// receives the full body.
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLogBody))
		if readErr != nil {
			event.Error().
				Err(readErr).
				Int("status", resp.StatusCode).
				Msg("failed to read upstream error body")
		} else {
			event.Warn().
				Int("status", resp.StatusCode).
				Bytes("upstream_body", payload).
				Msg("upstream returned error")
		}
		bodyReader = io.MultiReader(bytes.NewReader(payload), resp.Body)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, copyErr := copyBody(w, bodyReader, isEventStream(resp.Header))
	if copyErr != nil {
		p.recorder.RecordRequest(route.String(), metrics.OutcomeStreamError, time.Since(start))
		event.Error().
			Err(copyErr).
			Int("status", resp.StatusCode).
			Int64("bytes", written).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		return
	}

	p.recorder.RecordRequest(route.String(), metrics.OutcomeProxied, time.Since(start))
	event.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// forward rewrites r for the upstream of route, authenticates it and returns
// the upstream response for the caller to stream back. The token is fetched
// before any outbound header is built.
func (p *Proxy) forward(r *http.Request, route Route) (*http.Response, error) {
	base := p.gitBase
	if route == RouteMCP {
		base = p.mcpBase
	}

	target, err := resolveTarget(base, r.URL.RequestURI())
	if err != nil {
		return nil, &Error{Stage: stageTarget, Err: err}
	}

	tok, err := p.tokens.Token(r.Context())
	if err != nil {
		return nil, &Error{Stage: stageToken, Err: err}
	}

	header := sanitizeHeaders(r.Header)
	authorization, err := auth.Authorization(tok, route.Scheme())
	if err != nil {
		return nil, &Error{Stage: stageHeader, Err: fmt.Errorf("%w: authorization: %w", ErrHeader, err)}
	}
	header.Set("Authorization", authorization)

	body := r.Body
	if body == nil || r.ContentLength == 0 {
		body = http.NoBody
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, &Error{Stage: stageTarget, Err: fmt.Errorf("%w: %w", ErrBuild, err)}
	}
	upstreamReq.Header = header
	if body != http.NoBody {
		upstreamReq.ContentLength = r.ContentLength
	}
	upstreamReq.Host = target.Host

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		return nil, &Error{Stage: stageTransport, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}

	return resp, nil
}

// copyBody streams the upstream body to the client. Event streams are flushed
// after every chunk so MCP notifications are not held in buffers.
func copyBody(w http.ResponseWriter, body io.Reader, flush bool) (int64, error) {
	if !flush {
		return io.Copy(w, body)
	}

	rc := http.NewResponseController(w)
	buffer := make([]byte, streamBufferSize)
	var total int64
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}

func isEventStream(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}

// requestID reuses the caller's correlation id when present.
func requestID(r *http.Request) string {
	if id := r.Header.Get(headerRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
