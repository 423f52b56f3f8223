// Package headerfilter decides which response headers are safe to forward
// verbatim to the client. Hop-by-hop and transport-managed headers are
// stripped, since the proxy's own transport manages those.
package headerfilter

import "strings"

var stripped = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"content-length":      {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	// some servers do not like these upstream-proxy headers reappearing
	"x-forwarded-for":   {},
	"x-forwarded-proto": {},
	"x-forwarded-host":  {},
}

// Forwardable returns the subset of header names that may be set on the
// client response. Names are returned exactly as given.
func Forwardable(headers map[string]string) []string {
	allowed := make([]string, 0, len(headers))
	for name := range headers {
		if Allowed(name) {
			allowed = append(allowed, name)
		}
	}
	return allowed
}

// Allowed reports whether a single header name passes the filter.
func Allowed(name string) bool {
	_, strip := stripped[strings.ToLower(name)]
	return !strip
}
