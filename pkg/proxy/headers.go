// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import "net/http"

// hopHeaders lists standard hop-by-hop headers that must be stripped before a
// request is proxied so the upstream connection semantics remain correct.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// replacedHeaders are never taken from the client: the proxy sets its own.
var replacedHeaders = map[string]struct{}{
	"Authorization": {},
	"Host":          {},
}

// sanitizeHeaders copies src minus hop-by-hop, Authorization and Host
// headers. Repeated values stay repeated.
func sanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		canonical := http.CanonicalHeaderKey(k)
		if _, ok := hopHeaders[canonical]; ok {
			continue
		}
		if _, ok := replacedHeaders[canonical]; ok {
			continue
		}
		for _, v := range vv {
			dst.Add(canonical, v)
		}
	}
	return dst
}

// copyResponseHeaders mirrors headers from the upstream response to the writer.
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
