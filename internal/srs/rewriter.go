// Package srs rewrites envelope-from addresses under the Sender Rewriting
// Scheme so that bounces on a forwarded message return to this system
// rather than to the original sender's mailbox. No example in this
// codebase's dependency pack implements or wraps SRS (it is hand-rolled
// here against crypto/hmac; see DESIGN.md), but the hash-then-encode
// shape below follows the same construction as elemta's own queue-side
// bounce address handling in internal/queue/manager.go.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tag alphabet avoids padding characters so rewritten local-parts stay
// free of "=".
var tagEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Rewriter rewrites and reverses envelope-from addresses for one signing
// domain.
type Rewriter struct {
	secret   []byte
	domain   string
	validity time.Duration
	now      func() time.Time
}

// New builds a Rewriter. domain is this system's own domain, substituted
// into the rewritten envelope-from; secret is the HMAC key; validity
// bounds how long a rewritten address is accepted on reverse (zero means
// no expiry check).
func New(domain string, secret []byte, validity time.Duration) *Rewriter {
	return &Rewriter{secret: secret, domain: domain, validity: validity, now: time.Now}
}

// Forward rewrites from@fromDomain into an SRS0 address at r.domain,
// following the SRS0 scheme: SRS0=hash=timestamp=fromDomain=from@domain.
func (r *Rewriter) Forward(from string) (string, error) {
	local, domain, err := split(from)
	if err != nil {
		return "", err
	}
	ts := encodeTimestamp(r.now())
	hash := r.sign(ts, domain, local)
	return fmt.Sprintf("SRS0=%s=%s=%s=%s@%s", hash, ts, domain, local, r.domain), nil
}

// Reverse recovers the original envelope-from out of a bounce sent to a
// previously-rewritten SRS0 address, verifying the HMAC and (if validity
// is nonzero) the embedded timestamp.
func (r *Rewriter) Reverse(rewritten string) (string, error) {
	local, _, err := split(rewritten)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(local, "SRS0=") {
		return "", errors.New("srs: not an SRS0 address")
	}
	parts := strings.SplitN(local[len("SRS0="):], "=", 4)
	if len(parts) != 4 {
		return "", errors.New("srs: malformed SRS0 address")
	}
	hash, ts, domain, orig := parts[0], parts[1], parts[2], parts[3]

	expect := r.sign(ts, domain, orig)
	if !hmac.Equal([]byte(hash), []byte(expect)) {
		return "", errors.New("srs: signature mismatch")
	}

	if r.validity > 0 {
		age, err := decodeTimestampAge(ts, r.now())
		if err != nil {
			return "", err
		}
		if age > r.validity {
			return "", errors.New("srs: rewritten address has expired")
		}
	}

	return fmt.Sprintf("%s@%s", orig, domain), nil
}

func (r *Rewriter) sign(ts, domain, local string) string {
	mac := hmac.New(sha1.New, r.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(domain))
	mac.Write([]byte(local))
	sum := mac.Sum(nil)
	encoded := tagEncoding.EncodeToString(sum)
	if len(encoded) > 4 {
		encoded = encoded[:4]
	}
	return encoded
}

func split(addr string) (local, domain string, err error) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", "", fmt.Errorf("srs: %q has no @domain", addr)
	}
	return addr[:at], addr[at+1:], nil
}

// encodeTimestamp packs days-since-epoch into SRS's two-character base32
// timestamp, matching the canonical SRS draft's 1024-day rollover window.
func encodeTimestamp(t time.Time) string {
	days := t.Unix() / 86400 % 1024
	buf := []byte{tagAlphabet[(days>>5)&31], tagAlphabet[days&31]}
	return string(buf)
}

const tagAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func decodeTimestampAge(ts string, now time.Time) (time.Duration, error) {
	if len(ts) != 2 {
		return 0, errors.New("srs: malformed timestamp")
	}
	hi := strings.IndexByte(tagAlphabet, ts[0])
	lo := strings.IndexByte(tagAlphabet, ts[1])
	if hi < 0 || lo < 0 {
		return 0, errors.New("srs: malformed timestamp")
	}
	days := int64(hi)<<5 | int64(lo)
	nowDays := now.Unix() / 86400 % 1024
	delta := nowDays - days
	if delta < 0 {
		delta += 1024
	}
	return time.Duration(delta) * 24 * time.Hour, nil
}

// ParseValidity parses a config duration like "21d" (SRS' conventional
// unit) in addition to Go's standard suffixes.
func ParseValidity(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("srs: invalid validity %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
