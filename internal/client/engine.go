// ABOUTME: Client sync engine: optimistic sends, retries, live pushes, clears.
// ABOUTME: The visible list is the single source of truth for the UI.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuschat/courier/internal/dedupe"
	"github.com/campuschat/courier/internal/status"
)

const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 4096
	asyncTimeout  = 10 * time.Second
)

// ErrServerUnavailable flags a load that fell back to the local cache.
var ErrServerUnavailable = errors.New("server unavailable, showing cached messages")

// ErrClearDeclined is returned when the confirmation callback vetoes a clear.
var ErrClearDeclined = errors.New("clear declined")

// APIClient is the server surface the engine drives.
type APIClient interface {
	SendMessage(ctx context.Context, msg *Message) (*Message, error)
	History(ctx context.Context, self, peer string) ([]Message, error)
	ClearConversation(ctx context.Context, self, peer string) error
	AckIncoming(ctx context.Context, id string) error
}

// Push is a live-delivery envelope as it arrives over the websocket.
type Push struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Engine keeps one conversation synchronized between the local cache and
// the server. All mutation of the visible list happens under the mutex.
type Engine struct {
	api    APIClient
	cache  *Cache
	seen   *dedupe.Cache
	self   string
	peer   string
	logger *slog.Logger

	mu       sync.Mutex
	messages []Message

	wg sync.WaitGroup
}

// NewEngine builds an engine for the conversation between self and peer.
func NewEngine(api APIClient, cache *Cache, self, peer string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:    api,
		cache:  cache,
		seen:   dedupe.New(dedupeTTL, dedupeMaxSize),
		self:   self,
		peer:   peer,
		logger: logger.With("component", "sync-engine"),
	}
}

// LoadCached renders the local cache into the visible list without any
// network traffic, so callers can display something immediately while the
// authoritative fetch is still in flight. Best-effort: an unreadable cache
// yields an empty list.
func (e *Engine) LoadCached() []Message {
	cached, err := e.cache.Load(e.self, e.peer)
	if err != nil {
		e.logger.Warn("cache load failed, starting empty", "error", err)
		cached = nil
	}

	e.mu.Lock()
	e.messages = cached
	e.mu.Unlock()

	return e.Messages()
}

// Refresh fetches the authoritative list and replaces the visible list and
// cache with it. When the server is unreachable the current list is
// returned together with ErrServerUnavailable so the UI can flag
// staleness; the cache is kept.
func (e *Engine) Refresh(ctx context.Context) ([]Message, error) {
	fresh, err := e.api.History(ctx, e.self, e.peer)
	if err != nil {
		e.logger.Warn("history fetch failed, keeping cached view", "error", err)
		return e.Messages(), fmt.Errorf("%w: %w", ErrServerUnavailable, err)
	}

	for _, m := range fresh {
		e.seen.CheckAndMark(m.ID)
	}

	e.mu.Lock()
	e.messages = fresh
	e.mu.Unlock()
	e.saveCache()

	return e.Messages(), nil
}

// Load is cache-first startup: LoadCached for the instant view, then
// Refresh for the authoritative one.
func (e *Engine) Load(ctx context.Context) ([]Message, error) {
	e.LoadCached()
	return e.Refresh(ctx)
}

// Send appends an optimistic "sending" entry, persists it, and settles the
// entry to sent or failed. The message is never dropped on failure; the
// failed entry stays visible and retryable.
func (e *Engine) Send(ctx context.Context, text string) (*Message, error) {
	if text == "" {
		return nil, errors.New("message text is required")
	}

	msg := Message{
		ID:     uuid.New().String(),
		From:   e.self,
		To:     e.peer,
		Text:   text,
		SentAt: time.Now().UTC(),
		Status: status.LocalSending,
	}
	e.seen.CheckAndMark(msg.ID)

	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	e.saveCache()

	return e.submit(ctx, msg)
}

// Retry re-submits a failed message under its original ID. The store's
// idempotency makes a duplicate submission harmless.
func (e *Engine) Retry(ctx context.Context, id string) (*Message, error) {
	e.mu.Lock()
	var target *Message
	for i := range e.messages {
		if e.messages[i].ID == id {
			target = &e.messages[i]
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("no message with id %s", id)
	}
	if target.From != e.self || target.Status != status.LocalFailed {
		e.mu.Unlock()
		return nil, fmt.Errorf("message %s is not retryable", id)
	}
	target.Status = status.LocalSending
	msg := *target
	e.mu.Unlock()
	e.saveCache()

	return e.submit(ctx, msg)
}

// RetryAll re-submits every failed message in order. Individual failures
// are collected, not fatal: one dead message must not strand the rest.
func (e *Engine) RetryAll(ctx context.Context) error {
	e.mu.Lock()
	var ids []string
	for _, m := range e.messages {
		if m.From == e.self && m.Status == status.LocalFailed {
			ids = append(ids, m.ID)
		}
	}
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := e.Retry(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("retry %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// submit persists msg on the server and settles the visible entry by ID.
func (e *Engine) submit(ctx context.Context, msg Message) (*Message, error) {
	canonical, err := e.api.SendMessage(ctx, &msg)
	if err != nil {
		e.logger.Warn("send failed, message kept for retry",
			"message_id", msg.ID,
			"error", err,
		)
		failed := e.settle(msg.ID, func(m *Message) { m.Status = status.LocalFailed })
		e.saveCache()
		return failed, fmt.Errorf("message not delivered: %w", err)
	}

	settled := e.settle(msg.ID, func(m *Message) {
		m.Text = canonical.Text
		m.SentAt = canonical.SentAt
		m.Status = canonical.Status
	})
	e.saveCache()
	return settled, nil
}

// settle mutates the entry with the given ID in place and returns a copy.
func (e *Engine) settle(id string, apply func(*Message)) *Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == id {
			apply(&e.messages[i])
			cp := e.messages[i]
			return &cp
		}
	}
	return nil
}

// HandleIncoming applies a live push. Duplicate pushes are dropped by ID;
// missing fields are synthesized so a sloppy envelope still renders. The
// ack back to the server is asynchronous and advisory.
func (e *Engine) HandleIncoming(p Push) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	if e.seen.CheckAndMark(id) {
		e.logger.Debug("dropping duplicate push", "message_id", id)
		return
	}

	sentAt, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		sentAt = time.Now().UTC()
	}

	e.mu.Lock()
	e.messages = append(e.messages, Message{
		ID:     id,
		From:   p.From,
		To:     e.self,
		Text:   p.Message,
		SentAt: sentAt,
		Status: status.LocalReceived,
	})
	e.mu.Unlock()
	e.saveCache()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := e.api.AckIncoming(ctx, id); err != nil {
			e.logger.Warn("incoming ack failed", "message_id", id, "error", err)
		}
	}()
}

// Clear empties the conversation. The confirmation callback must approve;
// the local list and cache clear synchronously, the server delete runs in
// the background and its failure only logs. Local and server may diverge
// until the next Load.
func (e *Engine) Clear(ctx context.Context, confirm func() bool) error {
	if confirm == nil || !confirm() {
		return ErrClearDeclined
	}

	e.mu.Lock()
	e.messages = nil
	e.mu.Unlock()
	if err := e.cache.Clear(e.self, e.peer); err != nil {
		e.logger.Warn("cache clear failed", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := e.api.ClearConversation(ctx, e.self, e.peer); err != nil {
			e.logger.Warn("server-side clear failed, local view stays cleared", "error", err)
		}
	}()
	return nil
}

// Messages returns a snapshot of the visible list.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Wait blocks until background acks and clears have finished. Call before
// shutdown so advisory traffic is not cut off mid-flight.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) saveCache() {
	if err := e.cache.Save(e.self, e.peer, e.Messages()); err != nil {
		e.logger.Warn("cache save failed", "error", err)
	}
}
