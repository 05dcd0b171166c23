// Package worker runs the per-worker delivery state machine: GET a job
// from the queue authority, resolve its domain's exchanges, dial and
// send, classify the reply, and acknowledge — then loop. Grounded on the
// teacher's worker_pool.go/processor.go ticker-and-retry idiom
// (internal/queue/worker_pool.go, internal/queue/processor.go), adapted
// from a poll-a-local-disk-queue loop into a GET/RELEASE/DEFER/BOUNCE
// request-response loop against an external queue authority.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/busybox42/elemta-outbound/internal/bodyfetch"
	"github.com/busybox42/elemta-outbound/internal/bounce"
	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/dialer"
	"github.com/busybox42/elemta-outbound/internal/dkim"
	"github.com/busybox42/elemta-outbound/internal/logging"
	"github.com/busybox42/elemta-outbound/internal/queue"
	"github.com/busybox42/elemta-outbound/internal/resolver"
	"github.com/busybox42/elemta-outbound/internal/srs"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

// Assembly carries the worker's policy knobs for message assembly,
// distinct from live collaborators: whether DKIM/SRS are enabled, the
// SRS exclude-domain set, and the spam-status default.
type Assembly struct {
	DKIMEnabled    bool
	SRSEnabled     bool
	SRSExclude     map[string]bool
	SRSRewriter    *srs.Rewriter
	SpamDefault    string // non-empty enables the header even when d.Spam is nil
	BounceWebhook  bool
	InternalBounce bool
}

// Loop is one worker's state machine over a single Zone. A Pool runs one
// Loop per (zone, egress-IP) pair.
type Loop struct {
	Queue     *queue.Client
	Resolver  *resolver.Resolver
	Dialer    *dialer.Dialer
	BodyStore *bodyfetch.Fetcher
	DKIM      dkim.Signer
	Notifier  *bounce.Notifier
	Timers    *timers.Registry
	Zone      *delivery.Zone
	Assembly  Assembly
	Logger    *slog.Logger
	Lifecycle *logging.MessageLogger
}

// Run executes the DeliveryLoop until ctx is cancelled: GET, resolve,
// dial, send, classify, ack, repeat. It returns only on a fatal
// queue-command failure or context cancellation, per spec.md §7 ("fatal
// to the worker: set drain flag, emit error event, exit").
func (l *Loop) Run(ctx context.Context) error {
	emptyChecks := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		d, lock, ok, err := l.Queue.Get(ctx)
		if err != nil {
			l.Logger.Error("fatal queue command failure, draining", "command", "GET", "err", err)
			return fmt.Errorf("worker: GET failed: %w", err)
		}
		if !ok {
			emptyChecks++
			backoff := emptyBackoff(emptyChecks)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		emptyChecks = 0

		if err := l.deliverOne(ctx, d, lock); err != nil {
			l.Logger.Error("fatal queue command failure, draining", "id", d.ID, "err", err)
			return err
		}
	}
}

// emptyBackoff is spec's min(emptyChecks², 1000) × 10ms.
func emptyBackoff(emptyChecks int) time.Duration {
	n := emptyChecks * emptyChecks
	if n > 1000 {
		n = 1000
	}
	return time.Duration(n) * 10 * time.Millisecond
}

// deliverOne runs one Delivery from resolve through ack. Only an error
// returned from a queue acknowledgement command is propagated (fatal);
// every SMTP-level failure is handled internally via the bounce
// classifier and always ends in exactly one ack.
func (l *Loop) deliverOne(ctx context.Context, d *delivery.Delivery, lock string) error {
	returnPath, err := l.assemble(d)
	if err != nil {
		// Assembly failures (a DKIM signing error, an SRS rewrite error) are
		// treated as transient: they carry no SMTP reply of their own.
		return l.ack(ctx, d, lock, bounce.Classify(fmt.Sprintf("450 %s", err.Error())))
	}

	if l.Zone.Speedometer != nil {
		if err := l.Zone.Speedometer.Wait(l.Zone.Name); err != nil {
			return l.ack(ctx, d, lock, bounce.Classify(fmt.Sprintf("450 %s", err.Error())))
		}
	}

	reply, sendErr := l.attemptSend(ctx, d, returnPath)
	if sendErr != nil {
		msg := sendErr.Error()
		if code, _, _ := strings.Cut(msg, " "); len(code) != 3 || strings.Trim(code, "0123456789") != "" {
			// A local error (connect, TLS, body fetch) carries no SMTP reply
			// code of its own and is deferred like a 4xx.
			msg = "450 " + msg
		}
		return l.ack(ctx, d, lock, bounce.Classify(msg))
	}
	if isSuccessReply(reply) {
		l.Zone.Released.Add(1)
		if l.Lifecycle != nil {
			l.Lifecycle.LogDelivery(l.messageContext(d, reply, ""))
		}
		return l.Queue.Release(ctx, d.ID, d.Seq, lock)
	}
	return l.ack(ctx, d, lock, bounce.Classify(reply))
}

func (l *Loop) messageContext(d *delivery.Delivery, reply, category string) logging.MessageContext {
	return logging.MessageContext{
		ID: d.ID, Seq: d.Seq, From: d.From, To: d.To, Domain: d.Domain,
		Zone: l.Zone.Name, Size: sizeOf(d.Headers) + d.BodySize,
		DeferredCount: d.DeferredCount, AttemptTime: time.Now(),
		Reply: reply, Category: category,
	}
}

// isSuccessReply reports whether reply is a 2xx accept, which this worker
// releases directly without involving the classifier or bounce notifier.
func isSuccessReply(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	return len(trimmed) >= 1 && trimmed[0] == '2'
}

// ack applies the classifier's decision and issues exactly one terminal
// queue command. Only called on a non-2xx reply or a local send error, so
// decision.Bounce here always means a genuine permanent failure.
func (l *Loop) ack(ctx context.Context, d *delivery.Delivery, lock string, c bounce.Classification) error {
	decision := bounce.Decide(c, d)
	if !decision.Bounce {
		l.Zone.Deferred.Add(1)
		if l.Lifecycle != nil {
			mctx := l.messageContext(d, c.Message, c.Category)
			mctx.NextRetry = time.Now().Add(decision.TTL)
			l.Lifecycle.LogTempFail(mctx)
		}
		return l.Queue.Defer(ctx, d.ID, d.Seq, lock, decision.TTL)
	}

	if err := l.Queue.Release(ctx, d.ID, d.Seq, lock); err != nil {
		return err
	}
	l.Zone.Bounced.Add(1)
	if l.Lifecycle != nil {
		l.Lifecycle.LogBounce(l.messageContext(d, c.Message, c.Category))
	}
	if l.Assembly.BounceWebhook || l.Assembly.InternalBounce {
		l.Notifier.Notify(ctx, d, d.From, c)
	}
	return nil
}

// attemptSend walks exchanges then IPs until one dial+send succeeds or
// every candidate is exhausted, mirroring the DeliveryLoop state diagram
// in spec.md §4.3 exactly: dial failures advance to the next IP, then
// the next MX, before surfacing as DIAL_FAIL.
func (l *Loop) attemptSend(ctx context.Context, d *delivery.Delivery, returnPath string) (string, error) {
	headers := d.Headers
	nonce := fmt.Sprintf("%s.%d", d.ID, d.Seq)

	exchanges, err := l.Resolver.ResolveMX(ctx, d.Domain, l.Zone.Host)
	if err != nil {
		return "", err
	}

	family := resolver.FamilyBoth
	switch l.Zone.AddressFamily {
	case "v4":
		family = resolver.FamilyV4
	case "v6":
		family = resolver.FamilyV6
	}

	var lastErr error
	for _, exchange := range exchanges {
		ips, err := l.Resolver.ResolveIP(ctx, exchange.Host, family)
		if err != nil || len(ips) == 0 {
			lastErr = err
			continue
		}
		for _, ip := range ips {
			l.Zone.DialAttempts.Add(1)
			sess, dialErr := l.Dialer.Dial(ctx, l.Zone, exchange.Host, ip, nonce)
			if dialErr != nil {
				lastErr = dialErr
				continue
			}

			headers.Patch("Received", l.receivedHeader(d, sess.LocalHelo()))

			env := dialer.Envelope{
				From: returnPath,
				To:   d.To,
				Size: sizeOf(headers),
			}
			body, _, fetchErr := l.BodyStore.Stream(ctx, d.ID)
			if fetchErr != nil {
				sess.Close()
				return "", fetchErr
			}
			env.Size += d.BodySize

			reply, sendErr := sess.Send(ctx, env, append(headers.Bytes(), "\r\n"...), func(w io.Writer) error {
				defer body.Close()
				_, err := io.Copy(w, body)
				return err
			})
			headers.Seal()
			sess.Close()
			if sendErr != nil {
				lastErr = sendErr
				continue
			}
			return reply, nil
		}
	}

	if lastErr == nil {
		lastErr = &resolver.SyntheticReplyError{Reply: fmt.Sprintf("450 Can't connect to any MX server for %s", d.Domain)}
	}
	return "", lastErr
}

// assemble builds the Received header, optional spam-status and
// DKIM-Signature headers, and the (possibly SRS-rewritten) return path,
// before the header block is sealed by the send path. It returns the
// envelope-from to use.
func (l *Loop) assemble(d *delivery.Delivery) (string, error) {
	helo := delivery.LocalHostname()
	received := l.receivedHeader(d, helo)
	if err := d.Headers.Prepend("Received", received); err != nil {
		return "", err
	}

	if l.Assembly.SpamDefault != "" {
		if err := d.Headers.Append("X-Zone-Spam-Status", spamStatusValue(d.Spam, l.Assembly.SpamDefault)); err != nil {
			return "", err
		}
	}

	if l.Assembly.DKIMEnabled {
		if err := l.signDKIM(d); err != nil {
			return "", err
		}
	}

	returnPath := d.From
	if l.Assembly.SRSEnabled && l.Assembly.SRSRewriter != nil && returnPath != "" {
		domain := domainOf(returnPath)
		if !l.Assembly.SRSExclude[domain] {
			rewritten, err := l.Assembly.SRSRewriter.Forward(returnPath)
			if err != nil {
				return "", err
			}
			returnPath = rewritten
		}
	}
	return returnPath, nil
}

// signDKIM signs with every configured key, in reverse order, inserting
// each DKIM-Signature directly below the Received header at index 0, so
// the last-signed key's DKIM-Signature ends up first among them.
func (l *Loop) signDKIM(d *delivery.Delivery) error {
	type job struct {
		req delivery.DKIMRequest
		key delivery.DKIMKeyConfig
	}
	var jobs []job
	for _, req := range d.DKIM {
		for _, key := range req.Keys {
			jobs = append(jobs, job{req: req, key: key})
		}
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		value, err := l.DKIM.Sign(jobs[i].req, jobs[i].key, d.Headers, signedHeaderNames)
		if err != nil {
			return fmt.Errorf("dkim signing with %s/%s: %w", jobs[i].key.Domain, jobs[i].key.Selector, err)
		}
		if err := d.Headers.Insert(1, delivery.Header{Name: "DKIM-Signature", Value: value}); err != nil {
			return err
		}
	}
	return nil
}

// signedHeaderNames is the canonical header set this worker signs,
// matching the common baseline RFC 6376 recommends (From/To/Subject/
// Date/Message-ID). Headers absent on a given Delivery cause Sign to
// fail loudly rather than silently sign a shorter list.
var signedHeaderNames = []string{"from", "to", "subject", "date", "message-id"}

func (l *Loop) receivedHeader(d *delivery.Delivery, helo string) string {
	if l.Zone.GenerateReceived != nil {
		return l.Zone.GenerateReceived(d, helo)
	}
	return fmt.Sprintf("from %s by %s with ESMTP id %s; %s",
		helo, delivery.LocalHostname(), d.ID, time.Now().UTC().Format(time.RFC1123Z))
}

// spamStatusValue renders the X-Zone-Spam-Status value: "Yes|No" plus
// optional score=/required=/tests=[...] fields, joined with ", ".
func spamStatusValue(s *delivery.SpamStatus, defaultStatus string) string {
	if s == nil {
		yesNo := "No"
		if strings.EqualFold(defaultStatus, "yes") {
			yesNo = "Yes"
		}
		return yesNo
	}
	yesNo := "No"
	if s.Spam {
		yesNo = "Yes"
	}
	parts := []string{yesNo}
	if s.Score != "" {
		parts = append(parts, "score="+s.Score)
	}
	if s.Required != "" {
		parts = append(parts, "required="+s.Required)
	}
	if len(s.Tests) > 0 {
		parts = append(parts, "tests=["+strings.Join(s.Tests, ",")+"]")
	}
	return strings.Join(parts, ", ")
}

// domainOf extracts and NFC-normalizes the domain part of an address, so
// an internationalized domain compares equal to itself regardless of
// which decomposed/composed Unicode form the queue authority handed it
// to us in (the same normalizer the teacher runs address input through
// in internal/smtp/enhanced_validation.go).
func domainOf(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(norm.NFC.String(addr[at+1:]))
}

func sizeOf(headers *delivery.HeaderBlock) int64 {
	return int64(len(headers.Bytes()))
}
