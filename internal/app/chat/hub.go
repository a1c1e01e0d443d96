/*
Package chat contains the realtime chat core.

This file defines the Hub, which implements the conversation protocol:
join/history delivery, message send with store-and-forward fan-out, read
receipts, typing relay, and disconnect cleanup. Every inbound frame from a
peer is dispatched through a single tagged-union switch.
*/
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"foodshare/internal/app/store"
	"foodshare/internal/pkg/errs"
	"foodshare/internal/pkg/logx"
)

// storeTimeout bounds each persistence call so a stalled backend blocks only
// the peer that issued the event, never the rest of the server.
const storeTimeout = 5 * time.Second

// Hub coordinates the chat protocol across all live connections. It owns no
// message state itself: the store is the single source of truth for order and
// read-state, the registry for connectivity, the presence coordinator for
// typing signals.
type Hub struct {
	registry *Registry
	store    store.ChatStore
	presence *Presence

	// structured logger with Hub context.
	logger zerolog.Logger
}

// NewHub wires the protocol to its collaborators.
func NewHub(chatStore store.ChatStore, registry *Registry, presence *Presence) *Hub {
	return &Hub{
		registry: registry,
		store:    chatStore,
		presence: presence,
		logger:   logx.Logger().With().Str("component", "Hub").Logger(),
	}
}

// Registry exposes the connection registry for the handshake layer.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Dispatch routes one inbound frame from a peer to its handler. Unknown or
// malformed frames are logged and dropped; they never tear the connection.
func (h *Hub) Dispatch(p *Peer, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		p.logger.Warn().Err(err).Bytes("frame", frame).Msg("Peer sent invalid JSON")
		return
	}

	switch env.Type {
	case EventJoinConversation:
		var payload JoinPayload
		if !h.bindPayload(p, env, &payload) {
			return
		}
		h.HandleJoin(p, payload.OtherUserID)

	case EventSendMessage:
		var payload SendPayload
		if !h.bindPayload(p, env, &payload) {
			return
		}
		h.HandleSend(p, payload)

	case EventTyping:
		var payload TypingPayload
		if !h.bindPayload(p, env, &payload) {
			return
		}
		h.presence.SetTyping(store.Key(p.userID, payload.OtherUserID), p.userID)

	case EventStopTyping:
		var payload TypingPayload
		if !h.bindPayload(p, env, &payload) {
			return
		}
		h.presence.ClearTyping(store.Key(p.userID, payload.OtherUserID), p.userID)

	case EventReadMessage:
		var payload ReadPayload
		if !h.bindPayload(p, env, &payload) {
			return
		}
		h.HandleRead(p, payload)

	default:
		p.logger.Warn().Str("event_type", string(env.Type)).Msg("Peer sent unsupported event type")
	}
}

// bindPayload unmarshals the envelope payload, logging and dropping the frame
// on failure.
func (h *Hub) bindPayload(p *Peer, env Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		p.logger.Warn().Err(err).Str("event_type", string(env.Type)).Msg("Peer sent invalid payload")
		return false
	}
	return true
}

// HandleJoin binds the peer to the conversation with otherUserID and delivers
// the full ordered history to the requesting peer only. The peer was
// registered at handshake time, so the history read is causally after live
// delivery was armed: a message sent by the counterpart in the join window is
// either in the fetched history or arrives as a live new_message.
func (h *Hub) HandleJoin(p *Peer, otherUserID int64) {
	key := store.Key(p.userID, otherUserID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	history, err := h.store.History(ctx, key)
	if err != nil {
		h.logger.Error().Err(err).
			Int64("user_id", p.userID).
			Str("conversation", key.String()).
			Msg("Failed to load conversation history")

		storageErr := errs.NewError(errs.ErrStorageFailure)
		p.sendEvent(EventError, ErrorPayload{Code: storageErr.Code, Message: storageErr.Message})
		return
	}

	h.logger.Info().
		Int64("user_id", p.userID).
		Int64("other_user_id", otherUserID).
		Int("messages", len(history)).
		Msg("Peer joined conversation.")

	p.sendEvent(EventConversationHistory, HistoryPayload{Messages: history})
}

// HandleSend validates, persists, and fans out one message. Delivery reaches
// every live connection of the receiver and every live connection of the
// sender, origin included; the origin's copy is the canonical server
// acknowledgment for the optimistic UI.
func (h *Hub) HandleSend(p *Peer, payload SendPayload) {
	if strings.TrimSpace(payload.Message) == "" {
		p.logger.Debug().Msg("Dropping empty message body")
		return
	}

	msg := &store.Message{
		SenderID:    p.userID,
		ReceiverID:  payload.ReceiverID,
		Body:        payload.Message,
		FoodID:      payload.FoodID,
		ClientToken: payload.ClientToken,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := h.store.Append(ctx, msg)
	if err != nil {
		h.logger.Error().Err(err).
			Int64("sender_id", p.userID).
			Int64("receiver_id", payload.ReceiverID).
			Msg("Failed to persist message")

		storageErr := errs.NewError(errs.ErrStorageFailure)
		p.sendEvent(EventSendError, SendErrorPayload{
			ClientToken: payload.ClientToken,
			Code:        storageErr.Code,
			Message:     storageErr.Message,
		})
		return
	}

	frame, err := marshalEvent(EventNewMessage, stored)
	if err != nil {
		h.logger.Error().Err(err).Str("message_id", stored.ID).Msg("Error marshaling new_message event")
		return
	}

	delivered := h.fanOut(frame, stored.ReceiverID, stored.SenderID)
	if !h.registry.Online(stored.ReceiverID) {
		// Store-and-forward: the receiver picks the message up from history on
		// their next join.
		h.logger.Info().
			Int64("receiver_id", stored.ReceiverID).
			Str("message_id", stored.ID).
			Msg("Receiver offline, message persisted for later delivery.")
	}

	h.logger.Debug().
		Str("message_id", stored.ID).
		Int("connections", delivered).
		Msg("Message fanned out.")
}

// HandleRead marks a message read on behalf of the peer and, when the mark
// performed the transition, notifies every live connection of the original
// sender plus the reading connection itself. Repeated reads are silent.
func (h *Hub) HandleRead(p *Peer, payload ReadPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	msg, changed, err := h.store.MarkRead(ctx, payload.MessageID, p.userID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			p.logger.Warn().Str("message_id", payload.MessageID).Msg("Read event for unknown message")
			return
		}

		h.logger.Error().Err(err).Str("message_id", payload.MessageID).Msg("Failed to mark message read")

		storageErr := errs.NewError(errs.ErrStorageFailure)
		p.sendEvent(EventError, ErrorPayload{Code: storageErr.Code, Message: storageErr.Message})
		return
	}

	if !changed {
		return
	}

	frame, err := marshalEvent(EventMessageRead, ReadReceiptPayload{MessageID: msg.ID})
	if err != nil {
		h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Error marshaling message_read event")
		return
	}

	recipients := make(map[*Peer]struct{})
	for _, peer := range h.registry.PeersFor(msg.SenderID) {
		recipients[peer] = struct{}{}
	}
	recipients[p] = struct{}{}

	for peer := range recipients {
		peer.enqueue(frame)
	}
}

// HandleDisconnect discards all per-connection state: the registry binding
// and any typing state the user still held. Nothing is persisted or
// broadcast beyond the implicit stop-typing.
func (h *Hub) HandleDisconnect(p *Peer) {
	h.registry.Unregister(p)

	// Only clear typing when the last connection goes away; another open tab
	// may legitimately still be typing.
	if !h.registry.Online(p.userID) {
		h.presence.ClearUser(p.userID)
	}
}

// Shutdown closes the outbound queue of every live peer, terminating their
// write pumps. Used during graceful server shutdown.
func (h *Hub) Shutdown() {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()

	for _, set := range h.registry.peers {
		for peer := range set {
			peer.closeSend()
		}
	}
	h.registry.peers = make(map[int64]map[*Peer]struct{})

	h.logger.Info().Msg("Hub shutdown complete.")
}

// fanOut delivers one frame to every live connection of the given users,
// deduplicating peers shared between them. Returns the delivery count.
func (h *Hub) fanOut(frame []byte, userIDs ...int64) int {
	seen := make(map[*Peer]struct{})
	for _, userID := range userIDs {
		for _, peer := range h.registry.PeersFor(userID) {
			seen[peer] = struct{}{}
		}
	}

	delivered := 0
	for peer := range seen {
		if err := peer.enqueue(frame); err == nil {
			delivered++
		}
	}
	return delivered
}
