/*
Package store provides durable message history and read-state for 1:1 conversations.

It defines the Message model, the canonical conversation key for an unordered pair
of user IDs, and the ChatStore interface implemented by both the PostgreSQL backend
and the in-memory backend.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMessageNotFound indicates that the requested message ID does not exist.
var ErrMessageNotFound = errors.New("message not found")

// ConversationKey is the canonical identifier for the conversation between two
// users. The lower user ID is always stored first, so Key(a, b) and Key(b, a)
// resolve to the same conversation.
type ConversationKey struct {
	Low  int64
	High int64
}

// Key builds the canonical ConversationKey for the unordered pair {a, b}.
func Key(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Includes reports whether userID is one of the two conversation participants.
func (k ConversationKey) Includes(userID int64) bool {
	return userID == k.Low || userID == k.High
}

// Other returns the counterpart of userID within the conversation.
// The result is only meaningful when Includes(userID) is true.
func (k ConversationKey) Other(userID int64) int64 {
	if userID == k.Low {
		return k.High
	}
	return k.Low
}

// String renders the key as "low:high", the form persisted in the database.
func (k ConversationKey) String() string {
	return fmt.Sprintf("%d:%d", k.Low, k.High)
}

// Message is a single chat message between two users. Messages are immutable
// once stored except for ReadAt, which transitions from nil to a timestamp
// exactly once.
type Message struct {
	// ID is the unique message identifier (UUID), assigned by the store on append.
	ID string `json:"id"`

	// SenderID and ReceiverID identify the two participants for this message.
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`

	// Body is the message text. The protocol layer rejects empty bodies before
	// they reach the store.
	Body string `json:"message"`

	// FoodID optionally links the message to the food listing that prompted the
	// conversation. Informational only, never part of the conversation identity.
	FoodID *int64 `json:"foodId,omitempty"`

	// ClientToken is an optional client-generated token echoed back verbatim,
	// used by the client controller to reconcile optimistic messages.
	ClientToken string `json:"clientToken,omitempty"`

	// CreatedAt is assigned by the store on append.
	CreatedAt time.Time `json:"timestamp"`

	// ReadAt is set when the receiver marks the message read.
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// Conversation returns the canonical key for the message's participant pair.
func (m *Message) Conversation() ConversationKey {
	return Key(m.SenderID, m.ReceiverID)
}

// IsRead reports whether the receiver has marked the message read.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// ConversationSummary describes one conversation a user participates in, for
// building a conversation list view.
type ConversationSummary struct {
	// OtherUserID is the counterpart participant.
	OtherUserID int64 `json:"otherUserId"`

	// LastMessage is the most recent message in the conversation.
	LastMessage Message `json:"latestMessage"`

	// FoodID is the listing attached to the most recent tagged message, if any.
	FoodID *int64 `json:"foodId,omitempty"`
}

// ChatStore is the single source of truth for message order and read-state.
type ChatStore interface {
	// Append assigns ID and CreatedAt if unset, persists the message, and returns
	// the stored copy. A failed Append means the message was not delivered.
	Append(ctx context.Context, msg *Message) (Message, error)

	// History returns every message in the conversation, ascending by CreatedAt.
	// Append order and History order are identical within a conversation.
	History(ctx context.Context, key ConversationKey) ([]Message, error)

	// MarkRead sets ReadAt on the message iff readerID is the receiver and the
	// message is unread. The bool reports whether this call performed the
	// transition; already-read and wrong-reader cases are silent no-ops.
	// Returns ErrMessageNotFound for unknown IDs.
	MarkRead(ctx context.Context, messageID string, readerID int64) (Message, bool, error)

	// ConversationsFor returns one summary per conversation the user participates
	// in, ordered by most-recent-message time descending.
	ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error)
}
