// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// Scheme selects how an installation token is presented upstream.
type Scheme int

const (
	// SchemeBasic is the git-over-HTTPS form GitHub expects for
	// installation tokens: user "x-access-token", password = token.
	SchemeBasic Scheme = iota
	// SchemeBearer sends the token as an OAuth bearer credential.
	SchemeBearer
)

const basicUser = "x-access-token"

// ErrInvalidHeaderValue is returned when the token would produce an
// Authorization value with characters not allowed in HTTP headers.
var ErrInvalidHeaderValue = errors.New("invalid authorization header value")

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "basic"
	case SchemeBearer:
		return "bearer"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// Authorization builds the Authorization header value for token.
func Authorization(token string, scheme Scheme) (string, error) {
	var value string
	switch scheme {
	case SchemeBasic:
		encoded := base64.StdEncoding.EncodeToString([]byte(basicUser + ":" + token))
		value = "Basic " + encoded
	case SchemeBearer:
		value = "Bearer " + token
	default:
		return "", fmt.Errorf("unsupported auth %s", scheme)
	}

	if !httpguts.ValidHeaderFieldValue(value) {
		return "", ErrInvalidHeaderValue
	}
	return value, nil
}
