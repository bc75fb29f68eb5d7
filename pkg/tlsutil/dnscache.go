package tlsutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSCacheTTL = 5 * time.Minute

// dnsCache owns the process-wide resolver. The refresh loop starts with the
// first lookup, so the TTL is fixed from then on.
type dnsCache struct {
	once     sync.Once
	mu       sync.Mutex
	ttl      time.Duration
	resolver *dnscache.Resolver
}

var sharedDNS = &dnsCache{ttl: defaultDNSCacheTTL}

func (c *dnsCache) get() *dnscache.Resolver {
	c.once.Do(func() {
		c.mu.Lock()
		ttl := c.ttl
		c.mu.Unlock()

		c.resolver = &dnscache.Resolver{}
		log.Debug().Dur("ttl", ttl).Msg("Initializing DNS resolver cache")
		go func(r *dnscache.Resolver) {
			for range time.Tick(ttl) {
				// Drop entries nobody looked up since the last refresh.
				r.Refresh(true)
			}
		}(c.resolver)
	})
	return c.resolver
}

// GetDNSResolver returns the shared caching resolver.
func GetDNSResolver() *dnscache.Resolver {
	return sharedDNS.get()
}

// SetDNSCacheTTL sets how often cached entries are refreshed. Non-positive
// values restore the default. Calls after the first dial have no effect.
func SetDNSCacheTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	sharedDNS.mu.Lock()
	sharedDNS.ttl = ttl
	sharedDNS.mu.Unlock()
}

var cacheDialer = &net.Dialer{
	Timeout:   10 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialContextWithCache dials address after resolving its host through the
// shared cache, trying each resolved IP in turn.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return cacheDialer.DialContext(ctx, network, address)
	}

	ips, err := GetDNSResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var errs []error
	for _, ip := range ips {
		conn, err := cacheDialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
