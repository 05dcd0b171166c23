// Package delivery holds the data model shared by every stage of the
// outbound pipeline: the per-recipient Delivery, the per-egress Zone, and
// the ordered header block that travels with a Delivery from queue pickup
// to the wire.
package delivery

import (
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"github.com/dgryski/go-rendezvous"
)

// Header is one name/value pair in a HeaderBlock. Duplicate names are
// allowed; identity is positional, not by name.
type Header struct {
	Name  string
	Value string
}

// Top is the insertion index for the front of a HeaderBlock.
const Top = 0

// Bottom is the insertion index meaning "after every existing header".
const Bottom = math.MaxInt

// HeaderBlock is an ordered, mutable multiset of headers. On-wire order is
// the sole observable contract: index 0 is the first byte sent, and
// duplicate names retain their relative insertion order.
type HeaderBlock struct {
	headers []Header
	sealed  bool
}

// NewHeaderBlock builds a block from existing name/value pairs, preserving
// their order (index 0 first).
func NewHeaderBlock(headers ...Header) *HeaderBlock {
	hb := &HeaderBlock{headers: make([]Header, len(headers))}
	copy(hb.headers, headers)
	return hb
}

// Seal forbids further mutation. Called once any byte of the message
// stream has been written to the wire.
func (hb *HeaderBlock) Seal() { hb.sealed = true }

// Sealed reports whether the block has been sealed.
func (hb *HeaderBlock) Sealed() bool { return hb.sealed }

// Insert places a header at pos, clamped to [0, len]. Bottom always means
// "after everything currently present", including headers added later at
// smaller indices.
func (hb *HeaderBlock) Insert(pos int, h Header) error {
	if hb.sealed {
		return fmt.Errorf("delivery: cannot mutate header block after streaming has started")
	}
	if pos > len(hb.headers) {
		pos = len(hb.headers)
	}
	if pos < 0 {
		pos = 0
	}
	hb.headers = append(hb.headers, Header{})
	copy(hb.headers[pos+1:], hb.headers[pos:])
	hb.headers[pos] = h
	return nil
}

// Prepend inserts at index 0, the slot reserved for this worker's Received
// header.
func (hb *HeaderBlock) Prepend(name, value string) error {
	return hb.Insert(Top, Header{Name: name, Value: value})
}

// Append inserts after every existing header (spam status annotations use
// this).
func (hb *HeaderBlock) Append(name, value string) error {
	return hb.Insert(Bottom, Header{Name: name, Value: value})
}

// Patch overwrites the value of the first header named name,
// case-insensitively, leaving its position unchanged, and reports whether
// one was found. Used to correct the Received header's HELO name once
// the delivering session is known, after Prepend already reserved its
// slot ahead of dial.
func (hb *HeaderBlock) Patch(name, value string) bool {
	if hb.sealed {
		return false
	}
	for i, h := range hb.headers {
		if strings.EqualFold(h.Name, name) {
			hb.headers[i].Value = value
			return true
		}
	}
	return false
}

// Count returns how many headers share name, case-insensitively.
func (hb *HeaderBlock) Count(name string) int {
	n := 0
	for _, h := range hb.headers {
		if strings.EqualFold(h.Name, name) {
			n++
		}
	}
	return n
}

// At returns the header at index i and true, or the zero Header and false.
func (hb *HeaderBlock) At(i int) (Header, bool) {
	if i < 0 || i >= len(hb.headers) {
		return Header{}, false
	}
	return hb.headers[i], true
}

// Len returns the number of headers currently in the block.
func (hb *HeaderBlock) Len() int { return len(hb.headers) }

// Bytes renders the block in on-wire form: "Name: Value\r\n" per header,
// in index order, with no trailing blank line (the caller appends the
// header/body separator).
func (hb *HeaderBlock) Bytes() []byte {
	var buf strings.Builder
	for _, h := range hb.headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	return []byte(buf.String())
}

// DKIMKeyConfig is one signing key sharing a hash algorithm and
// precomputed body hash with its siblings in a DKIMRequest.
type DKIMKeyConfig struct {
	Domain        string
	Selector      string
	PrivateKeyPEM []byte
}

// DKIMRequest is one {hashAlgo, bodyHash, keys} tuple as carried on a
// Delivery. The body hash is computed upstream of this worker; DkimSigner
// treats it as an opaque, already-canonicalized value.
type DKIMRequest struct {
	HashAlgo string
	BodyHash string
	Keys     []DKIMKeyConfig
}

// SpamStatus is the optional classification annotation rendered into the
// X-Zone-Spam-Status header.
type SpamStatus struct {
	Spam     bool
	Score    string
	Required string
	Tests    []string
}

// Delivery is one recipient's copy of a message, as handed out by GET and
// retired by exactly one of RELEASE, DEFER, or BOUNCE.
type Delivery struct {
	ID            string
	Seq           int
	Lock          string
	From          string
	To            []string
	Domain        string
	Headers       *HeaderBlock
	BodySize      int64
	DeferredCount int
	Spam          *SpamStatus
	DKIM          []DKIMRequest
	FBL           string
	MessageID     string
}

// ReceivedHeaderCount reports how many Received headers the Delivery
// currently carries, used for the hop-count loop guard.
func (d *Delivery) ReceivedHeaderCount() int {
	return d.Headers.Count("Received")
}

// AuthCredentials are the optional AUTH credentials a Zone presents to a
// remote exchange.
type AuthCredentials struct {
	Method   string
	Username string
	Password string
}

// EgressAddress is one outbound IP in a Zone's address pool, paired with
// the HELO name it presents.
type EgressAddress struct {
	IP   net.IP
	Helo string
}

// Speedometer throttles a Zone's outbound rate. Implementations live in
// internal/cache.
type Speedometer interface {
	Wait(zone string) error
}

// ReceivedHeaderFunc renders a Zone's Received-header template for one
// delivery, given the local HELO name actually used (or the system
// hostname when no connection was established).
type ReceivedHeaderFunc func(d *Delivery, helo string) string

// Zone is a named egress configuration shared read-mostly by every worker
// assigned to it. Besides the atomic counters below, the only
// configuration field workers write to is DisableStarttls, which is an
// atomic.Bool precisely because it is a cross-worker hint, not a
// correctness-critical lock.
type Zone struct {
	Name            string
	Host            string // forced next-hop; DNS is skipped when set
	Port            int
	Secure          bool
	DisableStarttls atomic.Bool
	RequireTLS      bool
	AddressFamily   string // "v4", "v6", or "both"
	Auth            *AuthCredentials
	Addresses       []EgressAddress
	Speedometer     Speedometer
	GenerateReceived ReceivedHeaderFunc

	// Workers is the desired worker count for a Zone with no fixed
	// Addresses pool (workers.per_zone in config); ignored when Addresses
	// is non-empty, since spec.md's one-goroutine-per-(zone,egress-IP)
	// model already fixes the count in that case.
	Workers int

	// Released/Deferred/Bounced are cross-worker counters, incremented by
	// every Loop assigned to this Zone, and surfaced on the admin /zones
	// endpoint.
	Released atomic.Int64
	Deferred atomic.Int64
	Bounced  atomic.Int64

	// DialAttempts counts every exchange:ip dial this Zone's Loops have
	// attempted, success or failure, surfaced alongside Released/Deferred/
	// Bounced on /zones.
	DialAttempts atomic.Int64

	rendezvous *rendezvous.Rendezvous
}

// hasher feeds go-rendezvous a stable, allocation-free hash of the
// candidate address string.
func hasher(s string) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// GetAddress picks a stable local address for the given connection nonce
// (typically "<id>.<seq>"), so retries of the same delivery within the
// same id/seq reuse the same source IP. ipv6 filters the pool to the
// matching address family; when the pool is empty for that family, the
// zero EgressAddress is returned and the dialer falls back to an
// unbound local address.
func (z *Zone) GetAddress(nonce string, ipv6 bool) (EgressAddress, bool) {
	candidates := make([]EgressAddress, 0, len(z.Addresses))
	names := make([]string, 0, len(z.Addresses))
	for _, a := range z.Addresses {
		if (a.IP.To4() == nil) != ipv6 {
			continue
		}
		candidates = append(candidates, a)
		names = append(names, a.IP.String())
	}
	if len(candidates) == 0 {
		return EgressAddress{}, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	if z.rendezvous == nil || z.rendezvousStale(names) {
		z.rendezvous = rendezvous.New(names, hasher)
	}
	picked := z.rendezvous.Lookup(nonce)
	for _, c := range candidates {
		if c.IP.String() == picked {
			return c, true
		}
	}
	return candidates[0], true
}

// rendezvousStale reports whether the table must be rebuilt because the
// family-filtered names differ in count from z.Addresses. That is true
// after z.Addresses is mutated and also on every call for a pool that mixes
// IPv4 and IPv6 addresses, which therefore rebuilds the table each time.
func (z *Zone) rendezvousStale(names []string) bool {
	return z.rendezvous == nil || len(names) != len(z.Addresses)
}

// LocalHostname returns the system hostname, used for the Received header
// when no connection was ever established.
func LocalHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}
