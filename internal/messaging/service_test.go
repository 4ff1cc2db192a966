// ABOUTME: Tests for the messaging service
// ABOUTME: Verifies persist-then-notify ordering, idempotent retries, and presence-gated push

package messaging

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuschat/courier/internal/realtime"
	"github.com/campuschat/courier/internal/status"
	"github.com/campuschat/courier/internal/store"
)

// mockRouter implements LiveRouter for testing
type mockRouter struct {
	result realtime.Delivery
	routed []*store.Message
	to     []string
}

func (m *mockRouter) Route(recipient string, msg *store.Message) realtime.Delivery {
	m.to = append(m.to, recipient)
	m.routed = append(m.routed, msg)
	return m.result
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSend_PersistsThenRoutes(t *testing.T) {
	testStore := createTestStore(t)
	router := &mockRouter{result: realtime.DeliveredLive}
	svc := New(testStore, router, 0, nil)

	ctx := context.Background()
	result, err := svc.Send(ctx, &SendRequest{
		MessageID: "m1",
		From:      "u1",
		To:        "u2",
		Text:      "hi",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.DeliveredLive)
	assert.Equal(t, "m1", result.Message.ID)
	assert.Equal(t, status.DeliverySent, result.Message.Status)

	// Router saw the already-persisted record for the right recipient
	require.Len(t, router.routed, 1)
	assert.Equal(t, []string{"u2"}, router.to)
	assert.Equal(t, "m1", router.routed[0].ID)

	// And the message is durable regardless of push outcome
	msgs, err := svc.History(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestSend_RecipientAbsent(t *testing.T) {
	testStore := createTestStore(t)
	router := &mockRouter{result: realtime.NotPresent}
	svc := New(testStore, router, 0, nil)

	result, err := svc.Send(context.Background(), &SendRequest{
		MessageID: "m1",
		From:      "u1",
		To:        "u2",
		Text:      "hi",
	})
	require.NoError(t, err)

	// Routing miss is not an error; delivery falls back to pull
	assert.False(t, result.DeliveredLive)

	msgs, err := svc.History(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSend_RetrySameIDIsIdempotent(t *testing.T) {
	testStore := createTestStore(t)
	router := &mockRouter{result: realtime.NotPresent}
	svc := New(testStore, router, 0, nil)

	ctx := context.Background()
	req := &SendRequest{MessageID: "m1", From: "u1", To: "u2", Text: "hi"}

	first, err := svc.Send(ctx, req)
	require.NoError(t, err)

	second, err := svc.Send(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.True(t, first.Message.SentAt.Equal(second.Message.SentAt))

	msgs, err := svc.History(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "retry must not create a second row")
}

func TestSend_GeneratesIDWhenMissing(t *testing.T) {
	testStore := createTestStore(t)
	svc := New(testStore, &mockRouter{result: realtime.NotPresent}, 0, nil)

	result, err := svc.Send(context.Background(), &SendRequest{
		From: "u1",
		To:   "u2",
		Text: "hi",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Message.ID)
}

func TestSend_Validation(t *testing.T) {
	svc := New(createTestStore(t), &mockRouter{}, 0, nil)
	ctx := context.Background()

	cases := []SendRequest{
		{To: "u2", Text: "hi"},             // missing from
		{From: "u1", Text: "hi"},           // missing to
		{From: "u1", To: "u1", Text: "hi"}, // self message
		{From: "u1", To: "u2"},             // empty text
	}
	for _, req := range cases {
		if _, err := svc.Send(ctx, &req); err == nil {
			t.Errorf("Send(%+v) expected validation error", req)
		}
	}
}

func TestHistory_SymmetricAndLazy(t *testing.T) {
	testStore := createTestStore(t)
	svc := New(testStore, &mockRouter{result: realtime.NotPresent}, 0, nil)

	ctx := context.Background()

	// First history fetch between a never-connected pair creates the
	// conversation and returns an empty list
	msgs, err := svc.History(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = svc.Send(ctx, &SendRequest{MessageID: "m1", From: "a", To: "b", Text: "one"})
	require.NoError(t, err)
	_, err = svc.Send(ctx, &SendRequest{MessageID: "m2", From: "b", To: "a", Text: "two", SentAt: time.Now().Add(time.Second)})
	require.NoError(t, err)

	forward, err := svc.History(ctx, "a", "b")
	require.NoError(t, err)
	backward, err := svc.History(ctx, "b", "a")
	require.NoError(t, err)

	require.Len(t, forward, 2)
	require.Len(t, backward, 2)
	assert.Equal(t, forward[0].ID, backward[0].ID)
	assert.Equal(t, "one", forward[0].Text)
	assert.Equal(t, "two", forward[1].Text)
}

func TestClear_SoftDeletesConversationWide(t *testing.T) {
	testStore := createTestStore(t)
	svc := New(testStore, &mockRouter{result: realtime.NotPresent}, 0, nil)

	ctx := context.Background()
	_, err := svc.Send(ctx, &SendRequest{MessageID: "m1", From: "a", To: "b", Text: "one"})
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx, "a", "b", "b"))

	msgs, err := svc.History(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Row survives underneath with the deletion markers set
	raw, err := testStore.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, raw.Deleted())
	require.NotNil(t, raw.DeletedBy)
	assert.Equal(t, "b", *raw.DeletedBy)
}

func TestAckIncoming(t *testing.T) {
	testStore := createTestStore(t)
	svc := New(testStore, &mockRouter{result: realtime.NotPresent}, 0, nil)

	ctx := context.Background()
	_, err := svc.Send(ctx, &SendRequest{MessageID: "m1", From: "a", To: "b", Text: "one"})
	require.NoError(t, err)

	// Known message: fine
	assert.NoError(t, svc.AckIncoming(ctx, "m1"))

	// Unknown message: tolerated, logged, not an error
	assert.NoError(t, svc.AckIncoming(ctx, "never-stored"))

	// Missing ID: rejected
	assert.Error(t, svc.AckIncoming(ctx, ""))
}
