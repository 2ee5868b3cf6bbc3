// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// NewAppTransport returns a RoundTripper that authenticates as the GitHub App
// itself. Every request it sends carries a freshly minted RS256 App JWT.
// privateKeyPEM may be PKCS#1 or PKCS#8.
func NewAppTransport(base http.RoundTripper, apiBase *url.URL, appID uint64, privateKeyPEM []byte) (*ghinstallation.AppsTransport, error) {
	if appID == 0 {
		return nil, errors.New("app id must be set")
	}
	if appID > math.MaxInt64 {
		return nil, fmt.Errorf("app id %d out of range", appID)
	}
	if apiBase == nil {
		return nil, errors.New("api base must be set")
	}
	if base == nil {
		base = http.DefaultTransport
	}

	apps, err := ghinstallation.NewAppsTransport(base, int64(appID), privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	apps.BaseURL = apiURL(apiBase)

	return apps, nil
}

// apiURL renders u the way ghinstallation joins endpoints onto it.
func apiURL(u *url.URL) string {
	return strings.TrimRight(u.String(), "/")
}
