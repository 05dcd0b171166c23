package bounce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/busybox42/elemta-outbound/internal/delivery"
)

// maxReceivedHeaders guards against bounce loops between two
// misconfigured relays: past this many Received headers, the internal
// BOUNCE queue command is suppressed (the webhook, if configured, still
// fires — per spec.md §8 scenario 6).
const maxReceivedHeaders = 25

// maxNotifyAttempts bounds the webhook retry loop below.
const maxNotifyAttempts = 5

// Payload is the JSON body POSTed to the configured bounce webhook,
// exactly the {id, to, seq, returnPath, category, time, response, fbl?}
// shape spec.md §4.5 names.
type Payload struct {
	ID         string    `json:"id"`
	To         []string  `json:"to"`
	Seq        int       `json:"seq"`
	ReturnPath string    `json:"returnPath"`
	Category   string    `json:"category"`
	Time       time.Time `json:"time"`
	Response   string    `json:"response"`
	FBL        string    `json:"fbl,omitempty"`
}

// InternalBounce is the BOUNCE queue command body, carrying the original
// headers so a bounce message can be composed by the queue authority.
type InternalBounce struct {
	ID         string
	Seq        int
	From       string
	To         []string
	Headers    *delivery.HeaderBlock
	ReturnPath string
	Category   string
	Time       time.Time
	Response   string
}

// QueueBouncer is the subset of QueueClient the Notifier needs to emit
// an internal bounce command, kept as a narrow interface so this package
// does not import internal/queue.
type QueueBouncer interface {
	Bounce(ctx context.Context, b InternalBounce) error
}

// Notifier posts bounce notifications to a webhook, retrying transient
// failures with a quadratic backoff (retries² seconds, capped at
// maxNotifyAttempts, per spec.md §4.5), and optionally emits an internal
// BOUNCE queue command. Grounded on the teacher's retry-with-backoff
// idiom in internal/queue/worker_pool.go's processJobWithRetry; the
// client-side net/http.Client POST itself mirrors the bodyfetch package
// in this module, since the teacher has no outbound webhook client of
// its own to crib from.
type Notifier struct {
	client         *http.Client
	webhookURL     string
	internalBounce bool
	queue          QueueBouncer
	logger         *slog.Logger
}

// New builds a Notifier. An empty webhookURL skips the webhook POST
// entirely; queue may be nil when internalBounce is false.
func New(webhookURL string, internalBounce bool, queue QueueBouncer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:         &http.Client{Timeout: 10 * time.Second},
		webhookURL:     webhookURL,
		internalBounce: internalBounce,
		queue:          queue,
		logger:         logger.With("component", "bounce_notifier"),
	}
}

// Notify reports a permanent reject for d: it POSTs to the webhook (if
// configured) and, when internal bounces are enabled, emits a BOUNCE
// queue command — unless d has accumulated more than maxReceivedHeaders
// Received headers, which suppresses only the internal bounce command,
// not the webhook.
func (n *Notifier) Notify(ctx context.Context, d *delivery.Delivery, returnPath string, c Classification) {
	now := time.Now()

	if n.internalBounce && n.queue != nil {
		if d.ReceivedHeaderCount() > maxReceivedHeaders {
			n.logger.Warn("suppressing internal bounce, Received header loop guard tripped",
				"id", d.ID, "received_count", d.ReceivedHeaderCount())
		} else if err := n.queue.Bounce(ctx, InternalBounce{
			ID:         d.ID,
			Seq:        d.Seq,
			From:       d.From,
			To:         d.To,
			Headers:    d.Headers,
			ReturnPath: returnPath,
			Category:   c.Category,
			Time:       now,
			Response:   c.Message,
		}); err != nil {
			n.logger.Error("internal bounce command failed", "id", d.ID, "err", err)
		}
	}

	if n.webhookURL == "" {
		return
	}

	payload := Payload{
		ID:         d.ID,
		To:         d.To,
		Seq:        d.Seq,
		ReturnPath: returnPath,
		Category:   c.Category,
		Time:       now,
		Response:   c.Message,
		FBL:        d.FBL,
	}

	go n.deliverWithRetry(context.WithoutCancel(ctx), payload, 1)
}

func (n *Notifier) deliverWithRetry(ctx context.Context, payload Payload, attempt int) {
	if err := n.post(ctx, payload); err != nil {
		if attempt >= maxNotifyAttempts {
			n.logger.Error("giving up on bounce webhook", "id", payload.ID, "attempts", attempt, "err", err)
			return
		}
		delay := time.Duration(attempt*attempt) * time.Second
		n.logger.Warn("bounce webhook failed, retrying", "id", payload.ID, "attempt", attempt, "delay", delay, "err", err)
		time.AfterFunc(delay, func() {
			n.deliverWithRetry(ctx, payload, attempt+1)
		})
	}
}

func (n *Notifier) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bounce: encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("bounce: building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("bounce: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("bounce: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
