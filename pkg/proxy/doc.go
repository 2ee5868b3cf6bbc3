// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy provides an HTTP reverse proxy that fronts a GitHub host and
// the adjacent MCP API. Requests under /mcp go to the MCP upstream with a
// Bearer installation token; everything else goes to the git host with the
// token presented as Basic x-access-token credentials. Hop-by-hop headers and
// client credentials never cross the proxy, and any failure while forwarding
// is reported to the client as a plain 502.
package proxy
