package chatclient

import (
	"encoding/json"
	"time"

	"foodshare/internal/app/chat"
	"foodshare/internal/app/store"
)

// handleFrame dispatches one inbound server event into the local view.
func (c *Controller) handleFrame(frame []byte) {
	var env chat.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Server sent invalid JSON")
		return
	}

	switch env.Type {
	case chat.EventConversationHistory:
		var payload chat.HistoryPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid conversation_history payload")
			return
		}
		c.seedHistory(payload.Messages)

	case chat.EventNewMessage:
		var msg store.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid new_message payload")
			return
		}
		c.applyNewMessage(msg)

	case chat.EventMessageRead:
		var payload chat.ReadReceiptPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid message_read payload")
			return
		}
		c.applyReadReceipt(payload.MessageID)

	case chat.EventUserTyping, chat.EventUserStopTyping:
		var payload chat.UserEventPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid typing payload")
			return
		}
		if payload.UserID == c.cfg.OtherUserID && c.cfg.OnTyping != nil {
			c.cfg.OnTyping(env.Type == chat.EventUserTyping)
		}

	case chat.EventSendError:
		var payload chat.SendErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Msg("Invalid send_error payload")
			return
		}
		c.applySendError(payload)

	case chat.EventError:
		var payload chat.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.logger.Warn().Int("code", payload.Code).Str("message", payload.Message).Msg("Server reported an error")

	default:
		c.logger.Debug().Str("event_type", string(env.Type)).Msg("Ignoring unknown server event")
	}
}

// seedHistory replaces the local view with the authoritative history, then
// re-applies local optimistic state: pending messages already present in the
// history are confirmed in place, the rest stay appended and pending. Safe to
// run repeatedly; a reconnect redelivers the same history without duplication.
func (c *Controller) seedHistory(history []store.Message) {
	c.mu.Lock()

	var pending []Message
	for _, m := range c.messages {
		if m.Pending || m.Failed {
			pending = append(pending, m)
		}
	}

	view := make([]Message, 0, len(history)+len(pending))
	for _, m := range history {
		view = append(view, Message{Message: m})
	}

	for _, p := range pending {
		if p.ClientToken != "" && containsToken(history, p.ClientToken) {
			continue
		}
		view = append(view, p)
	}

	c.messages = view
	c.mu.Unlock()

	c.SetVisible(c.isVisible())
}

// applyNewMessage reconciles a server-delivered message against the
// optimistic view: a message ID already present is refreshed in place (a join
// racing the fan-out can deliver the same message through both the seeded
// history and a live event), a token match (or, for token-less peers, the
// first pending body match from the same sender) confirms the pending entry
// in place; anything else appends.
func (c *Controller) applyNewMessage(msg store.Message) {
	c.mu.Lock()

	replaced := false
	for i := range c.messages {
		m := &c.messages[i]

		if msg.ID != "" && m.ID == msg.ID {
			c.messages[i] = Message{Message: msg}
			replaced = true
			break
		}

		if !m.Pending {
			continue
		}

		tokenMatch := msg.ClientToken != "" && m.ClientToken == msg.ClientToken
		contentMatch := msg.ClientToken == "" && m.SenderID == msg.SenderID && m.Body == msg.Body

		if tokenMatch || contentMatch {
			c.messages[i] = Message{Message: msg}
			replaced = true
			break
		}
	}

	if !replaced {
		c.messages = append(c.messages, Message{Message: msg})
	}

	visible := c.visible
	conn := c.conn
	connected := c.state == StateConnected

	// An incoming message on a visible view is read immediately.
	if visible && connected && conn != nil && msg.SenderID != c.cfg.UserID && !msg.IsRead() {
		writeEvent(conn, chat.EventReadMessage, chat.ReadPayload{
			MessageID:   msg.ID,
			UserID:      c.cfg.UserID,
			OtherUserID: msg.SenderID,
		})
	}

	c.mu.Unlock()
}

// applyReadReceipt marks the referenced message read in the local view.
func (c *Controller) applyReadReceipt(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].ID == messageID && c.messages[i].ReadAt == nil {
			now := time.Now()
			c.messages[i].ReadAt = &now
			return
		}
	}
}

// applySendError flags the matching optimistic message as failed. The message
// stays visible so the user can decide to re-send.
func (c *Controller) applySendError(payload chat.SendErrorPayload) {
	c.logger.Warn().
		Int("code", payload.Code).
		Str("message", payload.Message).
		Msg("Send failed on the server")

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		m := &c.messages[i]
		if m.Pending && m.ClientToken == payload.ClientToken {
			m.Pending = false
			m.Failed = true
			return
		}
	}
}

func (c *Controller) isVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

func containsToken(history []store.Message, token string) bool {
	for _, m := range history {
		if m.ClientToken == token {
			return true
		}
	}
	return false
}
