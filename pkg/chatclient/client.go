/*
Package chatclient implements the consuming view's session controller for the
FoodShare chat protocol.

The Controller owns one WebSocket connection bound to one conversation. It
keeps an ordered local view of the conversation seeded by the history
delivered on join, performs optimistic sends with client-token
reconciliation, suppresses accidental duplicate submissions, emits typing
signals, marks visible messages read, and recovers from connection loss with
a bounded reconnect policy.
*/
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foodshare/internal/app/chat"
	"foodshare/internal/app/store"
)

var (
	// ErrConnectionFailed reports that the initial handshake (including its
	// bounded retries) never succeeded.
	ErrConnectionFailed = errors.New("chat connection failed")

	// ErrNotConnected reports an operation attempted without a live connection.
	ErrNotConnected = errors.New("not connected to chat server")

	// ErrDuplicateSuppressed reports a send swallowed by the duplicate guard.
	ErrDuplicateSuppressed = errors.New("duplicate send suppressed")

	// ErrEmptyMessage reports a whitespace-only send, rejected locally.
	ErrEmptyMessage = errors.New("empty message body")
)

// State describes the controller's connection lifecycle.
type State int

const (
	// StateDisconnected is the initial state, before Dial.
	StateDisconnected State = iota

	// StateConnecting covers the handshake and reconnect attempts.
	StateConnecting

	// StateConnected means the conversation is joined and live.
	StateConnected

	// StateLost is terminal: the reconnect budget is exhausted and only an
	// explicit Dial recovers the session.
	StateLost
)

// Message is one entry of the local conversation view. Pending marks an
// optimistic message not yet confirmed by the server; Failed marks one whose
// persistence the server reported as failed.
type Message struct {
	store.Message

	Pending bool
	Failed  bool
}

// Config parameterizes a Controller.
type Config struct {
	// ServerURL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	ServerURL string

	// UserID is the local user; OtherUserID the conversation counterpart.
	UserID      int64
	OtherUserID int64

	// FoodID optionally tags outgoing messages with the listing that prompted
	// the conversation.
	FoodID *int64

	// MaxReconnectAttempts bounds the reconnect loop. Zero means the default.
	MaxReconnectAttempts int

	// ReconnectBackoff is the first retry delay; each attempt doubles it.
	// Zero means the default.
	ReconnectBackoff time.Duration

	// DuplicateWindow is how long an identical body is suppressed after a
	// send. Zero means the default.
	DuplicateWindow time.Duration

	// TypingIdle is the input inactivity window after which stop_typing is
	// emitted. Zero means the default.
	TypingIdle time.Duration

	// OnTyping, when set, is invoked with the counterpart's typing state.
	OnTyping func(typing bool)

	// OnStateChange, when set, is invoked on every connection state change.
	OnStateChange func(state State)

	// Logger defaults to a disabled logger when nil.
	Logger *zerolog.Logger
}

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBackoff     = 500 * time.Millisecond
	defaultDuplicateWindow      = 2 * time.Second
	defaultTypingIdle           = time.Second
)

// Controller manages one chat session against the server.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	// mu guards everything below. Writes to the WebSocket are serialized
	// under it as well; gorilla/websocket allows a single concurrent writer.
	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	messages    []Message
	visible     bool
	closed      bool
	lastBody    string
	lastSendAt  time.Time
	typingTimer *time.Timer
}

// New constructs a Controller. Call Dial to establish the session.
func New(cfg Config) *Controller {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = defaultDuplicateWindow
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = defaultTypingIdle
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().
			Str("component", "ChatClient").
			Int64("user_id", cfg.UserID).
			Logger()
	}

	return &Controller{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Dial establishes the WebSocket session and joins the conversation. The
// handshake is retried with the reconnect policy; if every attempt fails the
// controller enters StateLost and ErrConnectionFailed is returned.
func (c *Controller) Dial(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.connect(ctx); err == nil {
		return nil
	}

	backoff := c.cfg.ReconnectBackoff
	for attempt := 1; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.setState(StateLost)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2

		if err := c.connect(ctx); err == nil {
			return nil
		}
	}

	c.setState(StateLost)
	return ErrConnectionFailed
}

// connect performs one handshake attempt and, on success, joins the
// conversation and starts the read loop.
func (c *Controller) connect(ctx context.Context) error {
	endpoint, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("userId", strconv.FormatInt(c.cfg.UserID, 10))
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Chat handshake failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)

	if err := c.emit(chat.EventJoinConversation, chat.JoinPayload{
		UserID:      c.cfg.UserID,
		OtherUserID: c.cfg.OtherUserID,
	}); err != nil {
		c.dropConn(conn)
		return err
	}

	go c.readLoop(conn)
	return nil
}

// dropConn closes a connection whose session setup failed and detaches it
// from the controller, so a retry starts clean instead of leaking the socket.
func (c *Controller) dropConn(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// readLoop consumes server events for one connection. On connection loss it
// drives the bounded reconnect policy, re-issuing the join on each success.
func (c *Controller) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(frame)
	}

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if closed {
		c.setState(StateDisconnected)
		return
	}

	c.logger.Info().Msg("Chat connection lost, reconnecting")
	c.setState(StateConnecting)

	backoff := c.cfg.ReconnectBackoff
	for attempt := 0; attempt < c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2

		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			c.setState(StateDisconnected)
			return
		}

		if err := c.connect(context.Background()); err == nil {
			return
		}
	}

	c.logger.Error().Msg("Chat reconnect attempts exhausted")
	c.setState(StateLost)
}

// Close terminates the session without reconnecting.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a snapshot of the ordered local conversation view.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Send performs an optimistic send: the message is appended to the local view
// as Pending, tagged with a client token the server echoes back, and
// dispatched. Identical bodies within the duplicate window are suppressed.
func (c *Controller) Send(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}

	now := time.Now()
	if body == c.lastBody && now.Sub(c.lastSendAt) < c.cfg.DuplicateWindow {
		c.mu.Unlock()
		c.logger.Debug().Msg("Duplicate send suppressed")
		return ErrDuplicateSuppressed
	}
	c.lastBody = body
	c.lastSendAt = now

	token := uuid.NewString()
	c.messages = append(c.messages, Message{
		Message: store.Message{
			SenderID:    c.cfg.UserID,
			ReceiverID:  c.cfg.OtherUserID,
			Body:        body,
			FoodID:      c.cfg.FoodID,
			ClientToken: token,
			CreatedAt:   now,
		},
		Pending: true,
	})

	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}

	conn := c.conn
	err := writeEvent(conn, chat.EventSendMessage, chat.SendPayload{
		UserID:      c.cfg.UserID,
		ReceiverID:  c.cfg.OtherUserID,
		Message:     body,
		FoodID:      c.cfg.FoodID,
		ClientToken: token,
	})
	if err == nil {
		// Sending clears the input, so the counterpart's indicator stops now.
		err = writeEvent(conn, chat.EventStopTyping, chat.TypingPayload{
			UserID:      c.cfg.UserID,
			OtherUserID: c.cfg.OtherUserID,
		})
	}
	c.mu.Unlock()

	return err
}

// InputChanged reports local input activity: a typing signal is emitted and
// the inactivity stop timer is re-armed.
func (c *Controller) InputChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.conn == nil {
		return
	}

	writeEvent(c.conn, chat.EventTyping, chat.TypingPayload{
		UserID:      c.cfg.UserID,
		OtherUserID: c.cfg.OtherUserID,
	})

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.cfg.TypingIdle, c.stopTypingIdle)
}

// stopTypingIdle fires when the input has been idle for the configured window.
func (c *Controller) stopTypingIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.typingTimer = nil
	if c.state != StateConnected || c.conn == nil {
		return
	}

	writeEvent(c.conn, chat.EventStopTyping, chat.TypingPayload{
		UserID:      c.cfg.UserID,
		OtherUserID: c.cfg.OtherUserID,
	})
}

// SetVisible records the view's visibility. Becoming visible marks every
// unread message addressed to the local user as read.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visible = visible
	if visible {
		c.markUnreadLocked()
	}
}

// markUnreadLocked issues read_message for unread messages addressed to the
// local user. Caller holds mu.
func (c *Controller) markUnreadLocked() {
	if c.state != StateConnected || c.conn == nil {
		return
	}

	for i := range c.messages {
		m := &c.messages[i]
		if m.ReceiverID != c.cfg.UserID || m.IsRead() || m.ID == "" {
			continue
		}

		writeEvent(c.conn, chat.EventReadMessage, chat.ReadPayload{
			MessageID:   m.ID,
			UserID:      c.cfg.UserID,
			OtherUserID: m.SenderID,
		})
	}
}

// emit writes one event under the connection lock.
func (c *Controller) emit(t chat.EventType, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	return writeEvent(c.conn, t, payload)
}

// writeEvent marshals and writes one envelope. Caller holds mu.
func writeEvent(conn *websocket.Conn, t chat.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(chat.Envelope{Type: t, Payload: raw})
}

// setState transitions the connection state and notifies the observer.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.cfg.OnStateChange
	c.mu.Unlock()

	if changed && cb != nil {
		cb(s)
	}
}
