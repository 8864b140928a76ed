// Package backends holds the concrete generation backends and the factory
// that builds them from configuration.
package backends

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDNSRefresh is how often cached lookups are re-resolved.
	DefaultDNSRefresh = 5 * time.Minute

	maxResponseBytes = 4 << 20
)

var resolver = &dnscache.Resolver{}

// RunDNSRefresh refreshes the shared DNS cache until ctx is cancelled.
// Entries not used since the previous refresh are dropped.
func RunDNSRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultDNSRefresh
	}
	log.Info().Dur("ttl", interval).Msg("Initializing DNS resolver cache for generation backends")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
			log.Debug().Dur("ttl", interval).Msg("DNS cache refreshed")
		case <-ctx.Done():
			return nil
		}
	}
}

func dialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewHTTPClient returns a client whose dialer goes through the DNS cache.
// Per-call deadlines come from the request context.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialContextWithCache,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport}
}
