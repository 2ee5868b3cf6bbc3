// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// InstallationExchanger trades App credentials for an installation access
// token. It satisfies token.Exchanger.
type InstallationExchanger struct {
	installation *ghinstallation.Transport
	// timeout bounds a single exchange; zero means no limit beyond ctx.
	timeout time.Duration
}

// NewInstallationExchanger wires an exchanger for one installation on top of
// the App transport. apiBase is the REST root, e.g. https://api.github.com or
// https://ghe.example.com/api/v3.
func NewInstallationExchanger(apps *ghinstallation.AppsTransport, apiBase *url.URL, installationID uint64, timeout time.Duration) (*InstallationExchanger, error) {
	if apps == nil {
		return nil, errors.New("app transport must be set")
	}
	if apiBase == nil {
		return nil, errors.New("api base must be set")
	}
	if installationID == 0 || installationID > math.MaxInt64 {
		return nil, fmt.Errorf("installation id %d out of range", installationID)
	}

	installation := ghinstallation.NewFromAppsTransport(apps, int64(installationID))
	installation.BaseURL = apiURL(apiBase)

	return &InstallationExchanger{
		installation: installation,
		timeout:      timeout,
	}, nil
}

// Exchange requests an installation token from GitHub.
func (e *InstallationExchanger) Exchange(ctx context.Context) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tok, err := e.installation.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("installation token exchange: %w", err)
	}
	if tok == "" {
		return "", errors.New("installation token exchange returned empty token")
	}
	return tok, nil
}
