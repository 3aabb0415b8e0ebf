package clickid

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP picks the visitor address to forward to the provider:
// CF-Connecting-IP, then X-Forwarded-For as sent, then the socket peer.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IsHTTPS reports whether the visitor reached us over TLS, directly or
// through a proxy that set X-Forwarded-Proto.
func IsHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// Referrer returns the page URL to attribute the click to: the body field,
// then the Referer header, then the current request URL.
func Referrer(r *http.Request, bodyReferrer string) string {
	if bodyReferrer != "" {
		return bodyReferrer
	}
	if ref := r.Referer(); ref != "" {
		return ref
	}
	scheme := "http"
	if IsHTTPS(r) {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
