/*
Package chat contains the realtime chat core.

This file defines the Presence coordinator, which relays ephemeral typing
signals between conversation participants. Typing state lives only in memory
and clears itself on a renewable timeout, so a client that never sends an
explicit stop still stops typing on the other side.
*/
package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foodshare/internal/app/store"
	"foodshare/internal/pkg/logx"
)

// DefaultTypingTimeout is the window after which an unrenewed typing signal
// expires and an automatic stop-typing notification is emitted.
const DefaultTypingTimeout = 3 * time.Second

// typingKey identifies one user typing within one conversation.
type typingKey struct {
	conversation store.ConversationKey
	userID       int64
}

// Presence tracks per-conversation typing state and broadcasts the
// user_typing / user_stop_typing signals through the connection registry.
type Presence struct {
	// registry resolves the counterpart's live connections for delivery.
	registry *Registry

	// timeout is the renewable window before an automatic stop fires.
	timeout time.Duration

	// mu protects the active map.
	mu sync.Mutex

	// active holds the armed expiry timer per typing user.
	active map[typingKey]*time.Timer

	// structured logger with Presence context.
	logger zerolog.Logger
}

// NewPresence constructs a Presence coordinator delivering through registry.
// A non-positive timeout falls back to DefaultTypingTimeout.
func NewPresence(registry *Registry, timeout time.Duration) *Presence {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}

	return &Presence{
		registry: registry,
		timeout:  timeout,
		active:   make(map[typingKey]*time.Timer),
		logger:   logx.Logger().With().Str("component", "Presence").Logger(),
	}
}

// SetTyping notifies the counterpart's live connections that userID is typing
// and (re)arms the expiry timer. Renewing an armed timer emits no duplicate
// start signal toward an already notified counterpart; the original protocol
// relays every signal, and so do we, since the signal is purely advisory.
func (pr *Presence) SetTyping(key store.ConversationKey, userID int64) {
	tk := typingKey{conversation: key, userID: userID}

	pr.mu.Lock()
	if timer, ok := pr.active[tk]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(pr.timeout, func() {
		pr.expire(tk, timer)
	})
	pr.active[tk] = timer
	pr.mu.Unlock()

	pr.deliver(key.Other(userID), EventUserTyping, UserEventPayload{UserID: userID})
}

// ClearTyping is the explicit immediate stop: cancels the pending timeout and
// emits the stop signal if typing was active.
func (pr *Presence) ClearTyping(key store.ConversationKey, userID int64) {
	tk := typingKey{conversation: key, userID: userID}

	pr.mu.Lock()
	timer, ok := pr.active[tk]
	if ok {
		timer.Stop()
		delete(pr.active, tk)
	}
	pr.mu.Unlock()

	if ok {
		pr.deliver(key.Other(userID), EventUserStopTyping, UserEventPayload{UserID: userID})
	}
}

// ClearUser clears every typing state held by userID, emitting stop signals
// to the affected counterparts. Driven by connection disconnect so the other
// side's indicator does not hang on a vanished peer.
func (pr *Presence) ClearUser(userID int64) {
	pr.mu.Lock()
	var cleared []store.ConversationKey
	for tk, timer := range pr.active {
		if tk.userID != userID {
			continue
		}
		timer.Stop()
		delete(pr.active, tk)
		cleared = append(cleared, tk.conversation)
	}
	pr.mu.Unlock()

	for _, key := range cleared {
		pr.deliver(key.Other(userID), EventUserStopTyping, UserEventPayload{UserID: userID})
	}
}

// expire fires when a typing window lapses without renewal. The timer
// identity check guards against a renewed SetTyping racing a stale firing.
func (pr *Presence) expire(tk typingKey, self *time.Timer) {
	pr.mu.Lock()
	owned := pr.active[tk] == self
	if owned {
		delete(pr.active, tk)
	}
	pr.mu.Unlock()

	if !owned {
		return
	}

	pr.deliver(tk.conversation.Other(tk.userID), EventUserStopTyping, UserEventPayload{UserID: tk.userID})
}

// deliver fans a presence event out to every live connection of userID.
func (pr *Presence) deliver(userID int64, t EventType, payload UserEventPayload) {
	frame, err := marshalEvent(t, payload)
	if err != nil {
		pr.logger.Error().Err(err).Str("event_type", string(t)).Msg("Error marshaling presence event")
		return
	}

	for _, peer := range pr.registry.PeersFor(userID) {
		if err := peer.enqueue(frame); err != nil {
			pr.logger.Debug().Int64("user_id", userID).Msg("Dropped presence event for slow peer")
		}
	}
}
