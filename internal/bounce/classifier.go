// Package bounce turns an SMTP reply (real or synthetic) into a
// defer/reject decision and schedules the next retry. The 4xx/5xx
// split is grounded on the teacher's isTemporaryFailure pattern table in
// internal/queue/processor.go, generalized here to the
// {action, category, message} triple this worker's policy needs instead
// of the teacher's bare bool.
package bounce

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// whitespaceRun matches any run of whitespace, including embedded
// newlines from a malformed multi-line reply.
var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize collapses internal whitespace and newlines in an SMTP reply
// to single spaces and trims the result, per spec.md's requirement that
// replies are normalised identically before logging and before
// classification (Classify(normalise(r)) == Classify(r) follows from
// Classify normalizing internally below).
func Normalize(reply string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(reply, " "))
}

// Action is the outcome of classifying one SMTP reply.
type Action string

const (
	ActionDefer  Action = "defer"
	ActionReject Action = "reject"
)

// enhancedStatus pulls an RFC 3463 enhanced status code (e.g. "5.1.1")
// out of a reply, when the remote included one.
var enhancedStatus = regexp.MustCompile(`\b([245])\.\d{1,3}\.\d{1,3}\b`)

// Classification is the raw {action, category, message} triple a reply
// maps to, independent of any delivery's retry history. The category
// table itself is deliberately not owned by this worker — only the
// reply's own enhanced status code, when present, is surfaced as the
// category; anything richer is an external collaborator's concern.
type Classification struct {
	Action  Action
	Category string
	Message string
}

// Classify reads the three-digit SMTP reply code from reply (or the
// literal text of a local error with no such code) and sorts it into
// defer (4xx) or reject (5xx and anything unparsable, since a peer that
// can't produce a conformant reply code is not worth retrying forever).
func Classify(reply string) Classification {
	reply = Normalize(reply)
	code := replyCode(reply)
	action := ActionReject
	if code >= 400 && code < 500 {
		action = ActionDefer
	}
	return Classification{
		Action:   action,
		Category: categoryOf(reply),
		Message:  reply,
	}
}

func replyCode(reply string) int {
	trimmed := strings.TrimSpace(reply)
	if len(trimmed) < 3 {
		return 550
	}
	code, err := strconv.Atoi(trimmed[:3])
	if err != nil {
		return 550
	}
	return code
}

func categoryOf(reply string) string {
	if m := enhancedStatus.FindString(reply); m != "" {
		return m
	}
	return "unclassified"
}

// maxDeferrals is the point past which a repeatedly-deferred delivery is
// converted into a permanent reject rather than retried again: any
// Delivery with deferredCount > 6 never defers again.
const maxDeferrals = 6

// Decision is the final, retry-count-aware disposition of one delivery
// attempt.
type Decision struct {
	Classification
	Bounce bool // true: RELEASE + notify; false: DEFER with TTL
	TTL    time.Duration
}

// Decide applies the deferredCount > 6 cap on top of Classify: action ==
// reject always bounces; action == defer bounces too once d has already
// been deferred more than maxDeferrals times, and otherwise defers with
// an exponential TTL seeded by d.DeferredCount.
func Decide(c Classification, d *delivery.Delivery) Decision {
	if c.Action == ActionReject || d.DeferredCount > maxDeferrals {
		return Decision{Classification: c, Bounce: true}
	}
	return Decision{
		Classification: c,
		Bounce:         false,
		TTL:            deferTTL(d.DeferredCount),
	}
}

// deferTTL is spec's min(5^(deferredCount+1), 1024) × 60s back-off,
// monotone non-decreasing in deferredCount up to the 1024-minute cap.
func deferTTL(deferredCount int) time.Duration {
	minutes := math.Pow(5, float64(deferredCount+1))
	if minutes > 1024 {
		minutes = 1024
	}
	return time.Duration(minutes*60) * time.Second
}
