// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/go-core-stack/github-app-proxy/pkg/config"
)

type stubTokens struct {
	token string
	err   error
	calls atomic.Int32
}

func (s *stubTokens) Token(context.Context) (string, error) {
	s.calls.Add(1)
	return s.token, s.err
}

type recordedRequest struct {
	route   string
	outcome string
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	statuses []int
}

func (f *fakeRecorder) RecordRequest(route, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{route: route, outcome: outcome})
}

func (f *fakeRecorder) RecordUpstreamStatus(_ string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %q: %v", raw, err)
	}
	return u
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ListenAddr:              "127.0.0.1:0",
		GitBase:                 mustParseURL(t, "https://github.example.com/git"),
		MCPBase:                 mustParseURL(t, "https://mcp.example.com/v1"),
		LogLevel:                "info",
		ServerReadTimeout:       time.Second,
		ServerIdleTimeout:       time.Second,
		GracefulShutdownTimeout: time.Second,
	}
}

func newTestProxy(t *testing.T, tokens TokenSource, rt http.RoundTripper, opts ...Option) *Proxy {
	t.Helper()
	opts = append([]Option{WithTransport(rt)}, opts...)
	p, err := New(testConfig(t), tokens, opts...)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	return p
}

func TestProxyForwardsStandardRouteWithBasicAuth(t *testing.T) {
	var (
		outboundCalls  int32
		receivedMethod string
		receivedURL    string
		receivedHost   string
		receivedBody   []byte
		receivedHeader http.Header
	)

	tokens := &stubTokens{token: "ghs_installation"}
	p := newTestProxy(t, tokens, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&outboundCalls, 1)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := req.Body.Close(); err != nil {
			return nil, err
		}
		receivedMethod = req.Method
		receivedURL = req.URL.String()
		receivedHost = req.Host
		receivedBody = body
		receivedHeader = req.Header.Clone()

		header := make(http.Header)
		header.Set("X-Upstream", "yes")
		header.Add("Link", `<a>; rel="next"`)
		header.Add("Link", `<b>; rel="last"`)
		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader("upstream-ok")),
		}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "http://proxy/repos/x/y/issues?per_page=5", strings.NewReader(`{"title":"t"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer client-secret")
	req.Header.Set("Host", "client.example.com")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Authorization", "Basic cHJveHk=")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Trailer", "X-Checksum")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Add("X-Custom", "one")
	req.Header.Add("X-Custom", "two")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := rec.Body.String(); body != "upstream-ok" {
		t.Fatalf("unexpected response body: %s", body)
	}
	if got := rec.Header().Get("X-Upstream"); got != "yes" {
		t.Fatalf("upstream header not passed through: %q", got)
	}
	if got := rec.Header().Values("Link"); len(got) != 2 {
		t.Fatalf("expected repeated Link headers, got %v", got)
	}
	if outboundCalls != 1 {
		t.Fatalf("expected one outbound call, got %d", outboundCalls)
	}
	if receivedMethod != http.MethodPost {
		t.Fatalf("expected method POST, got %s", receivedMethod)
	}
	if want := "https://github.example.com/git/repos/x/y/issues?per_page=5"; receivedURL != want {
		t.Fatalf("upstream url mismatch: got %s want %s", receivedURL, want)
	}
	if receivedHost != "github.example.com" {
		t.Fatalf("host mismatch: %q", receivedHost)
	}
	if string(receivedBody) != `{"title":"t"}` {
		t.Fatalf("unexpected upstream body: %s", string(receivedBody))
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("x-access-token:ghs_installation"))
	if got := receivedHeader.Values("Authorization"); len(got) != 1 || got[0] != wantAuth {
		t.Fatalf("authorization mismatch: got %v want %s", got, wantAuth)
	}
	for _, h := range []string{"Connection", "Keep-Alive", "Proxy-Authorization", "Te", "Trailer", "Upgrade", "Host"} {
		if v, ok := receivedHeader[h]; ok {
			t.Errorf("header %s should have been stripped, got %v", h, v)
		}
	}
	if got := receivedHeader.Values("X-Custom"); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("repeated header not preserved: %v", got)
	}
	if got := receivedHeader.Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type not forwarded: %q", got)
	}
}

func TestProxyMCPRouteUsesBearer(t *testing.T) {
	var receivedURL, receivedAuth, receivedHost string

	p := newTestProxy(t, &stubTokens{token: "ghs_mcp"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		receivedURL = req.URL.String()
		receivedAuth = req.Header.Get("Authorization")
		receivedHost = req.Host
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(`{"jsonrpc":"2.0"}`)),
		}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "http://proxy/mcp/readonly", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list"}`))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if want := "https://mcp.example.com/v1/mcp/readonly"; receivedURL != want {
		t.Fatalf("upstream url mismatch: got %s want %s", receivedURL, want)
	}
	if receivedAuth != "Bearer ghs_mcp" {
		t.Fatalf("expected bearer auth, got %q", receivedAuth)
	}
	if receivedHost != "mcp.example.com" {
		t.Fatalf("host mismatch: %q", receivedHost)
	}
}

func TestProxyHealthzShortCircuits(t *testing.T) {
	var outboundCalls int32
	tokens := &stubTokens{token: "unused"}
	recorder := &fakeRecorder{}

	p := newTestProxy(t, tokens, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&outboundCalls, 1)
		return nil, errors.New("health checks must not reach upstream")
	}), WithRecorder(recorder))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodDelete} {
		req := httptest.NewRequest(method, "http://proxy/healthz", nil)
		rec := httptest.NewRecorder()

		p.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", method, rec.Code)
		}
		if body := rec.Body.String(); body != "ok" {
			t.Fatalf("%s: unexpected body %q", method, body)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
			t.Fatalf("%s: unexpected content type %q", method, ct)
		}
	}

	if atomic.LoadInt32(&outboundCalls) != 0 {
		t.Fatalf("expected no outbound calls, got %d", outboundCalls)
	}
	if tokens.calls.Load() != 0 {
		t.Fatalf("expected no token lookups, got %d", tokens.calls.Load())
	}
	if len(recorder.requests) != 4 || recorder.requests[0].outcome != "health" {
		t.Fatalf("unexpected recorded requests: %+v", recorder.requests)
	}
}

func TestProxyHealthzPrefixIsProxied(t *testing.T) {
	var outboundCalls int32
	p := newTestProxy(t, &stubTokens{token: "tok"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&outboundCalls, 1)
		return &http.Response{StatusCode: http.StatusNotFound, Header: make(http.Header), Body: http.NoBody}, nil
	}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy/healthz/deep", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected upstream 404, got %d", rec.Code)
	}
	if outboundCalls != 1 {
		t.Fatalf("expected request to be proxied, got %d calls", outboundCalls)
	}
}

func TestProxyFailuresReturnBadGateway(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		tokens       *stubTokens
		transportErr error
		wantOutbound int32
	}{
		{
			name:         "token refresh failure",
			path:         "/repos/x/y",
			tokens:       &stubTokens{err: errors.New("github: token exchange returned HTTP 401")},
			wantOutbound: 0,
		},
		{
			// Basic credentials are base64 encoded, so only a bearer token can
			// carry raw control characters into the header.
			name:         "unrepresentable bearer token",
			path:         "/mcp",
			tokens:       &stubTokens{token: "bad\r\ntoken"},
			wantOutbound: 0,
		},
		{
			name:         "transport failure",
			path:         "/repos/x/y",
			tokens:       &stubTokens{token: "tok"},
			transportErr: errors.New("dial tcp: connection refused"),
			wantOutbound: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var outboundCalls int32
			recorder := &fakeRecorder{}
			p := newTestProxy(t, tt.tokens, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				atomic.AddInt32(&outboundCalls, 1)
				if tt.transportErr != nil {
					return nil, tt.transportErr
				}
				return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: http.NoBody}, nil
			}), WithRecorder(recorder))

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy"+tt.path, nil))

			if rec.Code != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d", rec.Code)
			}
			if body := rec.Body.String(); body != "bad gateway" {
				t.Fatalf("unexpected body %q", body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
				t.Fatalf("unexpected content type %q", ct)
			}
			if got := atomic.LoadInt32(&outboundCalls); got != tt.wantOutbound {
				t.Fatalf("expected %d outbound calls, got %d", tt.wantOutbound, got)
			}
			if len(recorder.requests) != 1 || recorder.requests[0].outcome != "error" {
				t.Fatalf("unexpected recorded requests: %+v", recorder.requests)
			}
		})
	}
}

func TestForwardWrapsErrorsWithStage(t *testing.T) {
	p := newTestProxy(t, &stubTokens{token: "tok"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("boom")
	}))

	_, err := p.forward(httptest.NewRequest(http.MethodGet, "http://proxy/x", nil), RouteStandard)

	var fwdErr *Error
	if !errors.As(err, &fwdErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fwdErr.Stage != stageTransport {
		t.Fatalf("expected transport stage, got %s", fwdErr.Stage)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport in chain: %v", err)
	}
}

func TestProxyPropagatesErrorBodies(t *testing.T) {
	large := strings.Repeat("x", 3*maxLogBody) + "-tail"

	p := newTestProxy(t, &stubTokens{token: "tok"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(large)),
		}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "http://proxy/mcp", strings.NewReader("body"))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != large {
		t.Fatalf("error body was not passed through verbatim (len %d, want %d)", len(body), len(large))
	}
}

func TestProxyStreamsEventStream(t *testing.T) {
	pr, pw := io.Pipe()
	p := newTestProxy(t, &stubTokens{token: "tok"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		header := make(http.Header)
		header.Set("Content-Type", "text/event-stream; charset=utf-8")
		return &http.Response{StatusCode: http.StatusOK, Header: header, Body: pr}, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "http://proxy/mcp", nil)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		p.ServeHTTP(rec, req)
		close(done)
	}()

	if _, err := io.WriteString(pw, "data: first\n\n"); err != nil {
		t.Fatalf("write event: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return strings.Contains(rec.String(), "data: first") && rec.Flushes() > 0
	})

	if _, err := io.WriteString(pw, "data: second\n\n"); err != nil {
		t.Fatalf("write event: %v", err)
	}
	_ = pw.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not finish after upstream closed")
	}

	if got := rec.String(); got != "data: first\n\ndata: second\n\n" {
		t.Fatalf("unexpected stream body %q", got)
	}
	if rec.status != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.status)
	}
}

func TestProxyAgainstUpstreamServer(t *testing.T) {
	var gotHost, gotPath, gotQuery, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	cfg.GitBase = mustParseURL(t, upstream.URL+"/api/v3")
	recorder := &fakeRecorder{}
	p, err := New(cfg, &stubTokens{token: "tok"}, WithRecorder(recorder))
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://proxy/repos/o/r/contents/a%2Fb?ref=main", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("redirect should be passed through, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login" {
		t.Fatalf("unexpected location %q", loc)
	}
	if gotHost != strings.TrimPrefix(upstream.URL, "http://") {
		t.Fatalf("host mismatch: %q", gotHost)
	}
	if gotPath != "/api/v3/repos/o/r/contents/a%2Fb" {
		t.Fatalf("path mismatch: %q", gotPath)
	}
	if gotQuery != "ref=main" {
		t.Fatalf("query mismatch: %q", gotQuery)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected basic auth, got %q", gotAuth)
	}
	if len(recorder.statuses) != 1 || recorder.statuses[0] != http.StatusFound {
		t.Fatalf("unexpected recorded statuses: %v", recorder.statuses)
	}
}

func TestProxyRecordsOutcomeAfterBody(t *testing.T) {
	tests := []struct {
		name        string
		body        io.Reader
		wantOutcome string
	}{
		{
			name:        "complete body",
			body:        strings.NewReader("all of it"),
			wantOutcome: "proxied",
		},
		{
			name:        "body fails mid-stream",
			body:        io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("connection reset"))),
			wantOutcome: "stream_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			p := newTestProxy(t, &stubTokens{token: "tok"}, roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(tt.body)}, nil
			}), WithRecorder(recorder))

			rec := httptest.NewRecorder()
			p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy/repos/x/y", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			if len(recorder.requests) != 1 || recorder.requests[0].outcome != tt.wantOutcome {
				t.Fatalf("expected a single %q outcome, got %+v", tt.wantOutcome, recorder.requests)
			}
		})
	}
}

func TestNewBuildsDefaultTransportOnlyWhenUnset(t *testing.T) {
	custom := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("unused")
	})

	p, err := New(testConfig(t), &stubTokens{}, WithTransport(custom))
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	if _, ok := p.client.Transport.(roundTripperFunc); !ok {
		t.Fatalf("expected supplied transport, got %T", p.client.Transport)
	}

	p, err = New(testConfig(t), &stubTokens{})
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	tr, ok := p.client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected default *http.Transport, got %T", p.client.Transport)
	}
	if !tr.DisableCompression {
		t.Fatal("default transport must leave compression to the client")
	}
}

func TestNewRequiresBasesAndTokens(t *testing.T) {
	if _, err := New(config.Config{}, &stubTokens{}); err == nil {
		t.Fatal("expected error without upstream bases")
	}
	if _, err := New(testConfig(t), nil); err == nil {
		t.Fatal("expected error without token source")
	}
}

// flushRecorder is a ResponseWriter that can be read while a handler is still
// writing to it.
type flushRecorder struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	body    bytes.Buffer
	flushes int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		header: make(http.Header),
	}
}

func (r *flushRecorder) Header() http.Header {
	return r.header
}

func (r *flushRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *flushRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *flushRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *flushRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *flushRecorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
