/*
Package chat contains the realtime chat core: the connection registry, the
per-connection peer loops, the typing presence coordinator, and the hub that
implements the conversation protocol over WebSocket.

This file defines the wire envelope and the payload types for every event
exchanged between client and server.
*/
package chat

import (
	"encoding/json"

	"foodshare/internal/app/store"
)

// EventType tags the wire envelope so every inbound frame is dispatched
// through a single exhaustive switch.
type EventType string

// Client to server events.
const (
	EventJoinConversation EventType = "join_conversation"
	EventSendMessage      EventType = "send_message"
	EventTyping           EventType = "typing"
	EventStopTyping       EventType = "stop_typing"
	EventReadMessage      EventType = "read_message"
)

// Server to client events.
const (
	EventConversationHistory EventType = "conversation_history"
	EventNewMessage          EventType = "new_message"
	EventUserTyping          EventType = "user_typing"
	EventUserStopTyping      EventType = "user_stop_typing"
	EventMessageRead         EventType = "message_read"
	EventSendError           EventType = "send_error"
	EventError               EventType = "error"
)

// Envelope is the JSON frame carried over the WebSocket in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload requests binding the connection to the conversation with
// OtherUserID.
type JoinPayload struct {
	UserID      int64 `json:"userId"`
	OtherUserID int64 `json:"otherUserId"`
}

// SendPayload carries a new message. ClientToken is optional and echoed back
// in the stored message for optimistic reconciliation.
type SendPayload struct {
	UserID      int64  `json:"userId"`
	ReceiverID  int64  `json:"receiverId"`
	Message     string `json:"message"`
	FoodID      *int64 `json:"foodId,omitempty"`
	ClientToken string `json:"clientToken,omitempty"`
}

// TypingPayload signals typing start or stop toward OtherUserID.
type TypingPayload struct {
	UserID      int64 `json:"userId"`
	OtherUserID int64 `json:"otherUserId"`
}

// ReadPayload marks a message read by UserID.
type ReadPayload struct {
	MessageID   string `json:"messageId"`
	UserID      int64  `json:"userId"`
	OtherUserID int64  `json:"otherUserId"`
}

// HistoryPayload delivers the full ordered conversation history on join.
type HistoryPayload struct {
	Messages []store.Message `json:"messages"`
}

// UserEventPayload identifies the user behind a presence signal.
type UserEventPayload struct {
	UserID int64 `json:"userId"`
}

// ReadReceiptPayload notifies the sender that a message was read.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// SendErrorPayload reports a failed send back to the originating connection
// so the client can mark its optimistic message failed.
type SendErrorPayload struct {
	ClientToken string `json:"clientToken,omitempty"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// ErrorPayload reports a non-send failure (e.g. a history fetch error).
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// marshalEvent encodes an outbound envelope with the given payload.
func marshalEvent(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}
