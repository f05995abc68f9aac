package proxyhost

import (
	"net"
	"net/http"
	"time"
)

// newTransport builds the single shared http.Transport every destination's
// upstream call reuses. Cardinal has no per-destination transport
// overlay config, so this is a single-entry simplification of the
// teacher's internal/proxy.TransportPool (internal/proxy/transport.go):
// same dialer/timeout shape, minus the per-upstream-name map, since a
// Destination here has no per-backend transport tuning knobs.
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
