// Package origin derives the caller's network origin, used as a rate-limiting
// dimension alongside identity.
//
// Precedence: X-Forwarded-For (first valid entry), X-Real-IP, CF-Connecting-IP,
// X-Client-IP, then the connection's RemoteAddr. When nothing parses as an IP
// address the sentinel Unknown is returned so that all unparseable callers share
// one bucket instead of escaping throttling.
package origin

import (
	"net"
	"net/http"
	"strings"
)

const Unknown = "unknown-client"

var singleValueHeaders = []string{"X-Real-IP", "CF-Connecting-IP", "X-Client-IP"}

func Of(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		for _, part := range strings.Split(forwarded, ",") {
			if ip := parseIP(part); ip != "" {
				return ip
			}
		}
	}

	for _, header := range singleValueHeaders {
		if ip := parseIP(r.Header.Get(header)); ip != "" {
			return ip
		}
	}

	if ip := parseIP(r.RemoteAddr); ip != "" {
		return ip
	}

	return Unknown
}

func parseIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.Trim(raw, "[]")

	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	return ip.String()
}
