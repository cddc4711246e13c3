package payfast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ProviderHosts are the host names the provider sends ITNs from.
var ProviderHosts = []string{
	"www.payfast.co.za",
	"sandbox.payfast.co.za",
	"w1w.payfast.co.za",
	"w2w.payfast.co.za",
}

// ErrOrigin is returned when an ITN did not come from the provider.
var ErrOrigin = errors.New("notification origin not recognised")

// OriginVerifier decides whether a remote address may deliver ITNs.
type OriginVerifier interface {
	VerifyOrigin(ctx context.Context, remoteIP string) error
}

// AllowAnyOrigin accepts every address. Used outside production.
type AllowAnyOrigin struct{}

// VerifyOrigin always succeeds.
func (AllowAnyOrigin) VerifyOrigin(context.Context, string) error { return nil }

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// HostVerifier accepts addresses that one of the provider's host names
// resolves to. Resolutions are cached for ttl and concurrent refreshes
// are collapsed into one.
type HostVerifier struct {
	hosts  []string
	lookup LookupFunc
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	allowed map[string]bool
	expires time.Time
	group   singleflight.Group
}

// NewHostVerifier creates a verifier for hosts using the system resolver.
func NewHostVerifier(hosts []string) *HostVerifier {
	return &HostVerifier{
		hosts:  hosts,
		lookup: net.DefaultResolver.LookupHost,
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

// WithLookup replaces the resolver. Used by tests.
func (v *HostVerifier) WithLookup(fn LookupFunc) *HostVerifier {
	v.lookup = fn
	return v
}

// WithClock overrides the cache clock. Used by tests.
func (v *HostVerifier) WithClock(now func() time.Time) *HostVerifier {
	v.now = now
	return v
}

// VerifyOrigin returns ErrOrigin unless remoteIP belongs to a provider host.
func (v *HostVerifier) VerifyOrigin(ctx context.Context, remoteIP string) error {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return fmt.Errorf("%w: unparseable address %q", ErrOrigin, remoteIP)
	}
	allowed, err := v.addresses(ctx)
	if err != nil {
		return err
	}
	if !allowed[ip.String()] {
		return fmt.Errorf("%w: %s", ErrOrigin, ip)
	}
	return nil
}

func (v *HostVerifier) addresses(ctx context.Context) (map[string]bool, error) {
	v.mu.RLock()
	allowed, expires := v.allowed, v.expires
	v.mu.RUnlock()
	if allowed != nil && v.now().Before(expires) {
		return allowed, nil
	}

	res, err, _ := v.group.Do("resolve", func() (any, error) {
		return v.resolve(ctx)
	})
	if err != nil {
		// A stale set beats rejecting every delivery while DNS is down.
		if allowed != nil {
			return allowed, nil
		}
		return nil, err
	}
	return res.(map[string]bool), nil
}

func (v *HostVerifier) resolve(ctx context.Context) (map[string]bool, error) {
	allowed := make(map[string]bool)
	var lastErr error
	for _, host := range v.hosts {
		addrs, err := v.lookup(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				allowed[ip.String()] = true
			}
		}
	}
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: resolve provider hosts: %v", ErrOrigin, lastErr)
	}

	v.mu.Lock()
	v.allowed = allowed
	v.expires = v.now().Add(v.ttl)
	v.mu.Unlock()
	return allowed, nil
}
