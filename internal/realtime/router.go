// ABOUTME: One-shot live delivery of persisted messages to present recipients
// ABOUTME: Fire-and-forget; absent or failing recipients fall back to pull reconciliation

package realtime

import (
	"log/slog"
	"time"

	"github.com/campuschat/courier/internal/metrics"
	"github.com/campuschat/courier/internal/presence"
	"github.com/campuschat/courier/internal/store"
)

// Delivery is the outcome of a single live push attempt.
type Delivery int

const (
	// DeliveredLive means the payload was written to the recipient's
	// connection. Not an end-to-end acknowledgment.
	DeliveredLive Delivery = iota

	// NotPresent means the recipient had no live connection (or the write
	// failed); they will reconcile via the authoritative fetch on next
	// connect.
	NotPresent
)

// String returns the metric label for the delivery outcome.
func (d Delivery) String() string {
	if d == DeliveredLive {
		return "live"
	}
	return "miss"
}

// Router performs at-most-once live push using the presence registry.
// Callers must have durably appended the message first: routing happens
// strictly after persistence and its failure never fails the send.
type Router struct {
	registry presence.Registry
	logger   *slog.Logger
}

// NewRouter creates a router over the given registry. Pass nil logger for default.
func NewRouter(registry presence.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		logger:   logger.With("component", "router"),
	}
}

// Route pushes a persisted message to the recipient's live connection, if
// any. No acknowledgment, no retry, no queuing: push errors are logged and
// reported as NotPresent.
func (r *Router) Route(recipient string, msg *store.Message) Delivery {
	conn, ok := r.registry.Lookup(recipient)
	if !ok {
		r.logger.Debug("recipient not present, skipping push",
			"recipient", recipient,
			"message_id", msg.ID,
		)
		metrics.MessagesPushedTotal.WithLabelValues(NotPresent.String()).Inc()
		return NotPresent
	}

	payload := PushPayload{
		ID:        msg.ID,
		From:      msg.SenderID,
		To:        recipient,
		Message:   msg.Text,
		Timestamp: msg.SentAt.UTC().Format(time.RFC3339Nano),
	}

	if err := conn.Send(EventPrivateMessage, payload); err != nil {
		r.logger.Warn("live push failed",
			"error", err,
			"recipient", recipient,
			"message_id", msg.ID,
		)
		metrics.MessagesPushedTotal.WithLabelValues(NotPresent.String()).Inc()
		return NotPresent
	}

	r.logger.Debug("message pushed live",
		"recipient", recipient,
		"message_id", msg.ID,
	)
	metrics.MessagesPushedTotal.WithLabelValues(DeliveredLive.String()).Inc()
	return DeliveredLive
}
