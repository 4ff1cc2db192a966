// ABOUTME: Store interface and data types for courier persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/campuschat/courier/internal/status"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ConversationTypeDirect is the only conversation type courier supports.
const ConversationTypeDirect = "direct"

// User holds the profile fields courier reads. Identity issuance lives
// elsewhere; courier only references and updates presence-adjacent fields.
type User struct {
	ID          string
	DisplayName string
	Faculty     string
	IsOnline    bool
	LastSeen    time.Time
	CreatedAt   time.Time
}

// Conversation is a canonical container for the messages between one
// unordered pair of identities. Never deleted once created.
type Conversation struct {
	ID        string
	Type      string
	PairKey   string
	CreatedAt time.Time
}

// Message is a single persisted direct message. ID is supplied by the
// sending client and acts as the idempotency key: the store never holds
// two rows for the same ID.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	SentAt         time.Time
	Status         status.Delivery
	DeletedAt      *time.Time
	DeletedBy      *string
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// PairKey canonicalizes an unordered identity pair into the unique
// conversation lookup key. Symmetric: PairKey(a,b) == PairKey(b,a).
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Store defines the interface for courier persistence
type Store interface {
	// Users
	UpsertUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SetUserStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error

	// Conversations
	ResolveDirectConversation(ctx context.Context, a, b string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetParticipants(ctx context.Context, conversationID string) ([]string, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	SoftDeleteMessages(ctx context.Context, conversationID, actor string) error

	// Close releases any resources held by the store
	Close() error
}
