// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-core-stack/github-app-proxy/pkg/auth"
	"github.com/go-core-stack/github-app-proxy/pkg/config"
)

const mcpPrefix = "/mcp"

// Route picks the upstream base and auth scheme for a request.
type Route int

const (
	// RouteStandard goes to the git host with Basic x-access-token auth.
	RouteStandard Route = iota
	// RouteMCP goes to the MCP API with Bearer auth.
	RouteMCP
)

// classifyRoute is case-sensitive and matches any path starting with /mcp.
func classifyRoute(path string) Route {
	if strings.HasPrefix(path, mcpPrefix) {
		return RouteMCP
	}
	return RouteStandard
}

// Scheme returns the Authorization scheme used on this route.
func (r Route) Scheme() auth.Scheme {
	if r == RouteMCP {
		return auth.SchemeBearer
	}
	return auth.SchemeBasic
}

func (r Route) String() string {
	switch r {
	case RouteStandard:
		return "standard"
	case RouteMCP:
		return "mcp"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// resolveTarget appends requestURI (path plus optional query) to base. Unlike
// url.ResolveReference it never replaces the base path, so prefixes such as
// /api/v3 survive.
func resolveTarget(base *url.URL, requestURI string) (*url.URL, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: no upstream base", ErrBuild)
	}

	ref, err := url.ParseRequestURI("/" + strings.TrimPrefix(requestURI, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: parse request uri %q: %w", ErrBuild, requestURI, err)
	}

	target := config.WithTrailingSlash(base)
	escapedBase := target.EscapedPath()
	target.Path += strings.TrimPrefix(ref.Path, "/")
	target.RawPath = escapedBase + strings.TrimPrefix(ref.EscapedPath(), "/")
	target.RawQuery = ref.RawQuery
	target.Fragment = ""
	target.RawFragment = ""

	if !target.IsAbs() {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrBuild, target.String())
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: %q has no authority", ErrBuild, target.String())
	}
	return target, nil
}
