// ABOUTME: Service is the central layer for direct-message delivery
// ABOUTME: Persist first, then notify - the store is the source of truth, live push is best-effort

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campuschat/courier/internal/metrics"
	"github.com/campuschat/courier/internal/realtime"
	"github.com/campuschat/courier/internal/status"
	"github.com/campuschat/courier/internal/store"
)

// MessageStore defines what the service needs from storage
type MessageStore interface {
	ResolveDirectConversation(ctx context.Context, a, b string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	SoftDeleteMessages(ctx context.Context, conversationID, actor string) error
}

// LiveRouter delivers a persisted message to a present recipient
type LiveRouter interface {
	Route(recipient string, msg *store.Message) realtime.Delivery
}

// Service coordinates conversation resolution, idempotent persistence, and
// presence-based live push.
type Service struct {
	store        MessageStore
	router       LiveRouter
	logger       *slog.Logger
	storeTimeout time.Duration
}

// New creates a messaging service. storeTimeout bounds every store call;
// zero means a 5 second default.
func New(st MessageStore, router LiveRouter, storeTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Service{
		store:        st,
		router:       router,
		logger:       logger.With("component", "messaging"),
		storeTimeout: storeTimeout,
	}
}

// SendRequest contains everything needed to deliver one direct message
type SendRequest struct {
	// MessageID is the client-generated idempotency key. A fresh ID is
	// generated when empty, but retries then lose their dedup guarantee,
	// so clients should always supply one.
	MessageID string

	From   string
	To     string
	Text   string
	SentAt time.Time
}

// SendResult contains the canonical record and the live-push outcome
type SendResult struct {
	Message       *store.Message
	DeliveredLive bool
}

// Send resolves the conversation, appends the message, then attempts a live
// push.
//
// Key principle: persist first, then notify. The message is durable before
// the router ever sees it, and a routing miss or push failure never fails
// the send - absent recipients reconcile via the authoritative fetch.
func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := validateSend(req); err != nil {
		return nil, err
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	sentAt := req.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	// 1. Resolve or create the conversation for the pair
	conv, err := s.store.ResolveDirectConversation(opCtx, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("conversation resolution failed: %w", err)
	}

	// 2. Persist, idempotent on the message ID. A retry after an ambiguous
	// network failure lands here with the same ID and gets the same row.
	canonical, err := s.store.AppendMessage(opCtx, &store.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		SenderID:       req.From,
		Text:           req.Text,
		SentAt:         sentAt,
		Status:         status.DeliverySent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	metrics.MessagesStoredTotal.Inc()

	s.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", canonical.ID,
		"from", req.From,
	)

	// 3. Notify, strictly after persistence
	delivery := s.router.Route(req.To, canonical)

	return &SendResult{
		Message:       canonical,
		DeliveredLive: delivery == realtime.DeliveredLive,
	}, nil
}

func validateSend(req *SendRequest) error {
	if req.From == "" {
		return errors.New("from is required")
	}
	if req.To == "" {
		return errors.New("to is required")
	}
	if req.From == req.To {
		return errors.New("cannot message yourself")
	}
	if req.Text == "" {
		return errors.New("message text is required")
	}
	return nil
}

// History returns the ordered non-deleted messages between a and b,
// creating the conversation lazily on first fetch.
func (s *Service) History(ctx context.Context, a, b string) ([]*store.Message, error) {
	if a == "" || b == "" || a == b {
		return nil, errors.New("history requires two distinct identities")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	conv, err := s.store.ResolveDirectConversation(opCtx, a, b)
	if err != nil {
		return nil, fmt.Errorf("conversation resolution failed: %w", err)
	}

	msgs, err := s.store.GetConversationMessages(opCtx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return msgs, nil
}

// Clear soft-deletes every message between a and b on behalf of actor.
// Clearing is conversation-wide: the data model has no per-viewer marker.
func (s *Service) Clear(ctx context.Context, a, b, actor string) error {
	if a == "" || b == "" || a == b {
		return errors.New("clear requires two distinct identities")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	conv, err := s.store.ResolveDirectConversation(opCtx, a, b)
	if err != nil {
		return fmt.Errorf("conversation resolution failed: %w", err)
	}

	if err := s.store.SoftDeleteMessages(opCtx, conv.ID, actor); err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}

	s.logger.Info("conversation cleared",
		"conversation_id", conv.ID,
		"actor", actor,
	)
	return nil
}

// AckIncoming handles the client's sync acknowledgment for a live-pushed
// message. The message was persisted before the push, so this only verifies
// the reference; it never writes. Unknown IDs are logged and tolerated so a
// lagging client is not blocked.
func (s *Service) AckIncoming(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message id is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	_, err := s.store.GetMessage(opCtx, messageID)
	if err == store.ErrNotFound {
		s.logger.Warn("incoming ack for unknown message", "message_id", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("verifying acked message: %w", err)
	}

	s.logger.Debug("incoming message acknowledged", "message_id", messageID)
	return nil
}
