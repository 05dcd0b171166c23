// Package logging provides structured message-lifecycle logging for the
// delivery worker, adapted from the teacher's internal/logging/
// message_logger.go: same slog-based event shape and field naming
// convention, re-keyed on a Delivery's fields (id, seq, domain,
// deferredCount) instead of an inbound server's queue-file fields.
package logging

import (
	"log/slog"
	"time"
)

// MessageLogger logs delivery lifecycle events in the teacher's
// event_type/status field convention.
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger builds a MessageLogger. A nil logger uses slog.Default().
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{logger: logger.With("component", "message-lifecycle")}
}

// MessageContext carries everything about one delivery attempt worth
// logging, independent of which outcome it ended in.
type MessageContext struct {
	ID            string
	Seq           int
	From          string
	To            []string
	Domain        string
	Zone          string
	Size          int64
	DeferredCount int
	AttemptTime   time.Time
	DeliveryHost  string
	DeliveryIP    string
	Reply         string
	Category      string
	NextRetry     time.Time
}

func (ml *MessageLogger) commonFields(ctx MessageContext) []any {
	return []any{
		"message_id", ctx.ID,
		"seq", ctx.Seq,
		"from", ctx.From,
		"to", ctx.To,
		"recipient_count", len(ctx.To),
		"domain", ctx.Domain,
		"zone", ctx.Zone,
		"size", ctx.Size,
		"deferred_count", ctx.DeferredCount,
		"attempt_time", ctx.AttemptTime.Format(time.RFC3339),
	}
}

// LogDelivery logs a successful RELEASE after a 2xx accept.
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	fields := append(ml.commonFields(ctx),
		"event_type", "delivery",
		"status", "delivered",
	)
	if ctx.DeliveryHost != "" {
		fields = append(fields, "delivery_host", ctx.DeliveryHost)
	}
	if ctx.DeliveryIP != "" {
		fields = append(fields, "delivery_ip", ctx.DeliveryIP)
	}
	ml.logger.Info("message_delivery", fields...)
}

// LogTempFail logs a DEFER: a 4xx reply or a dial/resolve failure under
// the chronic-deferral threshold.
func (ml *MessageLogger) LogTempFail(ctx MessageContext) {
	fields := append(ml.commonFields(ctx),
		"event_type", "tempfail",
		"status", "temporary_failure",
		"reply", ctx.Reply,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
	)
	ml.logger.Warn("message_tempfail", fields...)
}

// LogBounce logs a permanent RELEASE + notify: a 5xx reply, an
// unclassifiable reply, or a chronic deferral past the retry cap.
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	fields := append(ml.commonFields(ctx),
		"event_type", "bounce",
		"status", "bounced",
		"reply", ctx.Reply,
		"category", ctx.Category,
	)
	ml.logger.Error("message_bounce", fields...)
}
