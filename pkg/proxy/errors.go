// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"errors"
	"fmt"
)

// Stages at which forwarding can fail. They only appear in logs; the client
// always gets the same 502.
const (
	stageToken     = "token"
	stageTarget    = "target"
	stageHeader    = "header"
	stageTransport = "transport"
)

var (
	// ErrBuild marks an upstream URL or authority that could not be built.
	ErrBuild = errors.New("invalid upstream target")
	// ErrHeader marks an outbound header value that cannot be represented.
	ErrHeader = errors.New("invalid outbound header")
	// ErrTransport marks a failed round trip to the upstream.
	ErrTransport = errors.New("upstream request failed")
)

// Error wraps any failure while forwarding a single request.
type Error struct {
	Stage string // Stage names the forwarding step that failed.
	Err   error  // Err retains the original cause for logging.
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *Error) Unwrap() error {
	return e.Err
}
