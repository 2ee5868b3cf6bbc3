// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package token caches the GitHub App installation token shared by every
// proxied request.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched token is reused. GitHub grants installation
// tokens for one hour; the window starts when the token is cached.
const DefaultTTL = time.Hour

const refreshKey = "installation"

// Exchanger fetches a new installation token from GitHub.
type Exchanger interface {
	Exchange(ctx context.Context) (string, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context) (string, error)

// Exchange calls f(ctx).
func (f ExchangerFunc) Exchange(ctx context.Context) (string, error) {
	return f(ctx)
}

// RefreshObserver is notified after every exchange attempt.
type RefreshObserver interface {
	ObserveTokenRefresh(duration time.Duration, err error)
}

// RefreshError reports a failed token exchange. The cached slot is left as it was.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh installation token: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Cache holds a single installation token and refreshes it on expiry. It is
// safe for concurrent use.
type Cache struct {
	exchanger Exchanger
	ttl       time.Duration
	observer  RefreshObserver
	logger    zerolog.Logger

	// Now is the clock used for expiry checks.
	Now func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	cached *cachedToken
}

// Option customises a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithObserver reports refresh attempts to o.
func WithObserver(o RefreshObserver) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// NewCache returns an empty cache backed by exchanger.
func NewCache(exchanger Exchanger, opts ...Option) *Cache {
	c := &Cache{
		exchanger: exchanger,
		ttl:       DefaultTTL,
		logger:    log.With().Str("component", "token").Logger(),
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a token that is valid at the time of the call, exchanging
// App credentials for a new one when the cached token is missing or expired.
// Concurrent misses share a single exchange; each caller still gives up when
// its own ctx is done.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.load(); ok {
		return tok, nil
	}

	// The exchange outlives any single caller so that one cancelled request
	// does not fail everyone waiting on the same flight.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &RefreshError{Err: ctx.Err()}
	}
}

// refresh runs without c.mu held so a slow exchange never blocks callers
// that only need the cached value.
func (c *Cache) refresh(ctx context.Context) (string, error) {
	if tok, ok := c.load(); ok {
		return tok, nil
	}

	start := c.Now()
	tok, err := c.exchanger.Exchange(ctx)
	elapsed := c.Now().Sub(start)
	if c.observer != nil {
		c.observer.ObserveTokenRefresh(elapsed, err)
	}
	if err != nil {
		c.logger.Warn().Err(err).Dur("duration", elapsed).Msg("installation token refresh failed")
		return "", &RefreshError{Err: err}
	}

	tok = c.store(tok)
	c.logger.Debug().Dur("duration", elapsed).Msg("installation token refreshed")
	return tok, nil
}

func (c *Cache) load() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && c.Now().Before(c.cached.expiresAt) {
		return c.cached.token, true
	}
	return "", false
}

// store installs tok unless another caller already put a valid token in the
// slot, in which case that token wins and tok is dropped.
func (c *Cache) store(tok string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	if c.cached != nil && now.Before(c.cached.expiresAt) {
		return c.cached.token
	}
	c.cached = &cachedToken{token: tok, expiresAt: now.Add(c.ttl)}
	return tok
}
