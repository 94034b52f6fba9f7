// Package common holds the pieces shared across the HTTP surfaces: the
// embedded build version and an outbound client that identifies itself.
package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var rawVersion string

// Version returns the embedded build version.
func Version() string { return strings.TrimSpace(rawVersion) }

// UserAgent is the value outbound requests identify as.
func UserAgent() string { return "Pels/" + Version() }

type uaTransport struct {
	next http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so callers holding the request never see the mutated header
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent())
	return t.next.RoundTrip(req)
}

// HTTPClient returns a client with the process user-agent and the given
// timeout, used for every outbound call (OIDC discovery included).
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &uaTransport{next: http.DefaultTransport},
		Timeout:   timeout,
	}
}
