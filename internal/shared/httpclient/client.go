// Package httpclient builds the outbound HTTP clients used for upstream APIs.
package httpclient

import (
	"net"
	"net/http"

	"github.com/simdesk/server/internal/shared/config"
)

// New returns a client for calls to a single upstream host. Every request
// carries userAgent unless the caller set one. Zero-valued limits fall back
// to net/http defaults.
func New(cfg config.HTTPClientConfig, userAgent string) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			next:      newTransport(cfg),
			userAgent: userAgent,
		},
		Timeout: cfg.ResponseTimeout,
	}
}

func newTransport(cfg config.HTTPClientConfig) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	t.DialContext = dialer.DialContext
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	t.MaxConnsPerHost = cfg.MaxConnsPerHost
	if cfg.IdleConnTimeout > 0 {
		t.IdleConnTimeout = cfg.IdleConnTimeout
	}
	if cfg.TLSHandshakeTimeout > 0 {
		t.TLSHandshakeTimeout = cfg.TLSHandshakeTimeout
	}
	return t
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(r)
}
