// Package resolver looks up the mail exchangers for a domain and the
// address literals for an exchange, honoring a Zone's forced next-hop and
// address-family policy. Failures are returned as SyntheticReplyError so
// the delivery loop can classify them exactly like a real SMTP reply.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// SyntheticReplyError carries an SMTP-shaped reply text for a failure that
// never touched a real SMTP server (a DNS lookup, or an exhausted
// exchange list). BounceClassifier treats it identically to a wire reply.
type SyntheticReplyError struct {
	Reply string
}

func (e *SyntheticReplyError) Error() string { return e.Reply }

// Exchange is one MX candidate, ordered by ascending Priority.
type Exchange struct {
	Host     string
	Priority uint16
}

// Config controls the DNS cache's freshness and the lookup functions used;
// the cache itself has no size bound.
type Config struct {
	CacheTTL time.Duration
	Lookup   func(ctx context.Context, name string) ([]*net.MX, error)
	LookupIP func(ctx context.Context, network, host string) ([]net.IP, error)
}

// DefaultConfig wires real net.Resolver lookups with a five minute cache.
func DefaultConfig() Config {
	var r net.Resolver
	return Config{
		CacheTTL: 5 * time.Minute,
		Lookup: func(ctx context.Context, name string) ([]*net.MX, error) {
			return r.LookupMX(ctx, name)
		},
		LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
			return r.LookupIP(ctx, network, host)
		},
	}
}

type cacheEntry struct {
	exchanges []Exchange
	expiresAt time.Time
}

// Resolver resolves MX exchanges and A/AAAA literals, caching MX lookups
// in-process. It has no external dependency beyond net.Resolver: a DNS
// answer cache is plain data with no natural third-party client in this
// codebase's dependency pack.
type Resolver struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Resolver from cfg. A zero Config uses DefaultConfig.
func New(cfg Config) *Resolver {
	if cfg.Lookup == nil {
		cfg = DefaultConfig()
	}
	return &Resolver{cfg: cfg, cache: make(map[string]cacheEntry)}
}

// ResolveMX returns exchanges for domain ordered by ascending priority,
// with ties randomized. When host is non-empty (a Zone-pinned next-hop)
// it is returned unconditionally with priority zero and DNS is skipped.
// A domain with no MX records but a resolvable A/AAAA is treated as its
// own implicit MX of priority zero, per RFC 5321 §5.1.
func (r *Resolver) ResolveMX(ctx context.Context, domain, pinnedHost string) ([]Exchange, error) {
	if pinnedHost != "" {
		return []Exchange{{Host: pinnedHost, Priority: 0}}, nil
	}

	if cached, ok := r.fromCache(domain); ok {
		return cached, nil
	}

	records, err := r.cfg.Lookup(ctx, domain)
	if err != nil || len(records) == 0 {
		if exchanges, ok := r.implicitMX(ctx, domain); ok {
			return exchanges, nil
		}
		return nil, &SyntheticReplyError{Reply: fmt.Sprintf("450 Can't find an MX server for %s", domain)}
	}

	exchanges := make([]Exchange, 0, len(records))
	for _, mx := range records {
		exchanges = append(exchanges, Exchange{Host: trimDot(mx.Host), Priority: mx.Pref})
	}

	// Sort by ascending priority; randomize among equal-priority peers so
	// repeated deliveries don't hammer the same exchange first every time.
	rand.Shuffle(len(exchanges), func(i, j int) { exchanges[i], exchanges[j] = exchanges[j], exchanges[i] })
	sort.SliceStable(exchanges, func(i, j int) bool { return exchanges[i].Priority < exchanges[j].Priority })

	r.mu.Lock()
	r.cache[domain] = cacheEntry{exchanges: exchanges, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
	r.mu.Unlock()

	return exchanges, nil
}

// implicitMX checks whether domain itself resolves to an A/AAAA record,
// for the case of a domain with no MX records at all. A domain with
// neither is a genuine lookup failure, not an implicit MX.
func (r *Resolver) implicitMX(ctx context.Context, domain string) ([]Exchange, bool) {
	ips, err := r.cfg.LookupIP(ctx, "ip", domain)
	if err != nil || len(ips) == 0 {
		return nil, false
	}

	exchanges := []Exchange{{Host: domain, Priority: 0}}
	r.mu.Lock()
	r.cache[domain] = cacheEntry{exchanges: exchanges, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
	r.mu.Unlock()
	return exchanges, true
}

func (r *Resolver) fromCache(domain string) ([]Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[domain]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.exchanges, true
}

// AddressFamily selects which record types ResolveIP returns.
type AddressFamily string

const (
	FamilyV4   AddressFamily = "v4"
	FamilyV6   AddressFamily = "v6"
	FamilyBoth AddressFamily = "both"
)

// ResolveIP looks up address literals for host, filtered by family. An
// empty result is a valid, in-band answer: it is up to the caller to
// treat "no addresses for this exchange" as fall-through to the next MX.
func (r *Resolver) ResolveIP(ctx context.Context, host string, family AddressFamily) ([]net.IP, error) {
	network := "ip"
	switch family {
	case FamilyV4:
		network = "ip4"
	case FamilyV6:
		network = "ip6"
	}

	ips, err := r.cfg.LookupIP(ctx, network, host)
	if err != nil {
		// A resolution error is not distinguishable from "no records" at
		// this layer; both fall through to the next candidate.
		return nil, nil
	}
	return ips, nil
}

func trimDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
