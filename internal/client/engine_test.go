// ABOUTME: Tests for the client sync engine state machine.
// ABOUTME: Covers optimistic sends, retries, live pushes, and clears.

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuschat/courier/internal/status"
)

type fakeAPI struct {
	mu         sync.Mutex
	sendErr    error
	historyErr error
	clearErr   error
	ackErr     error
	history      []Message
	sent         []Message
	acked        []string
	cleared      int
	historyCalls int
}

func (f *fakeAPI) SendMessage(_ context.Context, msg *Message) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, *msg)
	canonical := *msg
	canonical.Status = status.LocalSent
	return &canonical, nil
}

func (f *fakeAPI) History(_ context.Context, _, _ string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	out := make([]Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeAPI) ClearConversation(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared++
	return nil
}

func (f *fakeAPI) AckIncoming(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeAPI) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.acked))
	copy(out, f.acked)
	return out
}

func newTestEngine(t *testing.T, api *fakeAPI) *Engine {
	t.Helper()
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	return NewEngine(api, cache, "u1", "u2", nil)
}

func TestLoad_ServerReplacesCache(t *testing.T) {
	api := &fakeAPI{history: []Message{
		{ID: "m1", From: "u2", To: "u1", Text: "old news", Status: status.LocalReceived},
	}}
	e := newTestEngine(t, api)

	// Seed the cache with a stale entry the server no longer has.
	require.NoError(t, e.cache.Save("u1", "u2", []Message{{ID: "stale", Text: "gone"}}))

	msgs, err := e.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	// Cache now holds the server view.
	cached, err := e.cache.Load("u1", "u2")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "m1", cached[0].ID)
}

func TestLoadCached_RendersWithoutNetwork(t *testing.T) {
	api := &fakeAPI{history: []Message{{ID: "fresh"}}}
	e := newTestEngine(t, api)
	require.NoError(t, e.cache.Save("u1", "u2", []Message{{ID: "m1", Text: "cached"}}))

	msgs := e.LoadCached()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	api.mu.Lock()
	calls := api.historyCalls
	api.mu.Unlock()
	assert.Zero(t, calls, "the cached render must not wait on the server")

	// The follow-up refresh swaps in the server view.
	msgs, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].ID)
}

func TestLoad_OfflineKeepsCachedView(t *testing.T) {
	api := &fakeAPI{historyErr: errors.New("connection refused")}
	e := newTestEngine(t, api)
	require.NoError(t, e.cache.Save("u1", "u2", []Message{{ID: "m1", Text: "cached"}}))

	msgs, err := e.Load(context.Background())
	require.ErrorIs(t, err, ErrServerUnavailable)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)

	// Cache untouched by the failed fetch.
	cached, err := e.cache.Load("u1", "u2")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestSend_SettlesToSent(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)

	msg, err := e.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, status.LocalSent, msg.Status)
	assert.NotEmpty(t, msg.ID)

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, status.LocalSent, msgs[0].Status)
	assert.Equal(t, "u1", msgs[0].From)
}

func TestSend_FailureKeepsEntryAsFailed(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("connection refused")}
	e := newTestEngine(t, api)

	msg, err := e.Send(context.Background(), "hello")
	require.Error(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, status.LocalFailed, msg.Status)

	// Entry survives in the list and the cache for retry.
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, status.LocalFailed, msgs[0].Status)

	cached, err := e.cache.Load("u1", "u2")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, status.LocalFailed, cached[0].Status)
}

func TestRetry_ReusesOriginalID(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("connection refused")}
	e := newTestEngine(t, api)

	failed, err := e.Send(context.Background(), "hello")
	require.Error(t, err)

	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	retried, err := e.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retried.ID, "retry must reuse the ID so the server dedupes")
	assert.Equal(t, status.LocalSent, retried.Status)

	require.Len(t, api.sent, 1)
	assert.Equal(t, failed.ID, api.sent[0].ID)
	assert.Len(t, e.Messages(), 1)
}

func TestRetry_RejectsNonFailedMessages(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)

	sent, err := e.Send(context.Background(), "hello")
	require.NoError(t, err)

	_, err = e.Retry(context.Background(), sent.ID)
	assert.ErrorContains(t, err, "not retryable")

	_, err = e.Retry(context.Background(), "missing")
	assert.ErrorContains(t, err, "no message")
}

func TestRetryAll_ContinuesPastFailures(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("connection refused")}
	e := newTestEngine(t, api)

	first, _ := e.Send(context.Background(), "one")
	second, _ := e.Send(context.Background(), "two")

	// Server comes back; both failed entries should be retried.
	api.mu.Lock()
	api.sendErr = nil
	api.mu.Unlock()

	require.NoError(t, e.RetryAll(context.Background()))

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, status.LocalSent, m.Status)
	}
	require.Len(t, api.sent, 2)
	assert.Equal(t, first.ID, api.sent[0].ID)
	assert.Equal(t, second.ID, api.sent[1].ID)
}

func TestHandleIncoming_AppendsAndAcks(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)

	e.HandleIncoming(Push{
		ID: "m1", From: "u2", To: "u1", Message: "hi",
		Timestamp: "2025-03-01T12:00:00Z",
	})
	e.Wait()

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, status.LocalReceived, msgs[0].Status)
	assert.Equal(t, "u2", msgs[0].From)
	assert.Equal(t, []string{"m1"}, api.ackedIDs())
}

func TestHandleIncoming_DropsDuplicates(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)

	push := Push{ID: "m1", From: "u2", Message: "hi", Timestamp: "2025-03-01T12:00:00Z"}
	e.HandleIncoming(push)
	e.HandleIncoming(push)
	e.Wait()

	assert.Len(t, e.Messages(), 1)
	assert.Equal(t, []string{"m1"}, api.ackedIDs())
}

func TestHandleIncoming_SynthesizesMissingFields(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)

	before := time.Now().UTC().Add(-time.Second)
	e.HandleIncoming(Push{From: "u2", Message: "no id, no timestamp"})
	e.Wait()

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].ID)
	assert.True(t, msgs[0].SentAt.After(before))
}

func TestHandleIncoming_AckFailureKeepsMessage(t *testing.T) {
	api := &fakeAPI{ackErr: errors.New("connection refused")}
	e := newTestEngine(t, api)

	e.HandleIncoming(Push{ID: "m1", From: "u2", Message: "hi"})
	e.Wait()

	assert.Len(t, e.Messages(), 1, "ack is advisory; the message stays")
}

func TestClear_RequiresConfirmation(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)
	e.Send(context.Background(), "hello")

	err := e.Clear(context.Background(), func() bool { return false })
	assert.ErrorIs(t, err, ErrClearDeclined)
	assert.Len(t, e.Messages(), 1)

	err = e.Clear(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClearDeclined)
}

func TestClear_LocalFirstThenServer(t *testing.T) {
	api := &fakeAPI{}
	e := newTestEngine(t, api)
	e.Send(context.Background(), "hello")

	require.NoError(t, e.Clear(context.Background(), func() bool { return true }))
	assert.Empty(t, e.Messages(), "local view clears synchronously")

	e.Wait()
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.cleared)
}

func TestClear_ServerFailureLeavesLocalCleared(t *testing.T) {
	api := &fakeAPI{clearErr: errors.New("connection refused")}
	e := newTestEngine(t, api)
	e.Send(context.Background(), "hello")

	require.NoError(t, e.Clear(context.Background(), func() bool { return true }))
	e.Wait()

	assert.Empty(t, e.Messages())
	cached, err := e.cache.Load("u1", "u2")
	require.NoError(t, err)
	assert.Empty(t, cached)
}
