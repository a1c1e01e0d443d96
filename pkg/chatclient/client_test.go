package chatclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodshare/internal/app/chat"
	"foodshare/internal/app/store"
	"foodshare/internal/configs"
	"foodshare/internal/handler"
)

const waitFor = 3 * time.Second

type clientFixture struct {
	srv   *httptest.Server
	store store.ChatStore
	hub   *chat.Hub
}

func newClientFixture(t *testing.T) *clientFixture {
	t.Helper()

	cfg := &configs.AppConfig{
		Environment:   "development",
		JWTSecret:     "test-secret",
		TypingTimeout: 100 * time.Millisecond,
	}

	memory := store.NewMemory()
	registry := chat.NewRegistry()
	presence := chat.NewPresence(registry, cfg.TypingTimeout)
	hub := chat.NewHub(memory, registry, presence)

	srv := httptest.NewServer(handler.Router(&handler.AppDeps{
		Hub:    hub,
		Store:  memory,
		Config: cfg,
	}))
	t.Cleanup(srv.Close)

	return &clientFixture{srv: srv, store: memory, hub: hub}
}

func (f *clientFixture) endpoint() string {
	return strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws"
}

func (f *clientFixture) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()

	cfg.ServerURL = f.endpoint()
	if cfg.OtherUserID == 0 {
		cfg.OtherUserID = 20
	}
	cfg.ReconnectBackoff = 20 * time.Millisecond

	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialSeedsHistory(t *testing.T) {
	f := newClientFixture(t)

	for _, body := range []string{"hi", "is the bread still there?"} {
		_, err := f.store.Append(context.Background(), &store.Message{SenderID: 20, ReceiverID: 10, Body: body})
		require.NoError(t, err)
	}

	c := f.controller(t, Config{UserID: 10, OtherUserID: 20})
	require.NoError(t, c.Dial(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	require.Eventually(t, func() bool {
		return len(c.Messages()) == 2
	}, waitFor, 10*time.Millisecond)

	msgs := c.Messages()
	assert.Equal(t, "hi", msgs[0].Body)
	assert.Equal(t, "is the bread still there?", msgs[1].Body)
	assert.False(t, msgs[0].Pending)
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	f := newClientFixture(t)

	c := f.controller(t, Config{UserID: 10, OtherUserID: 20})
	require.NoError(t, c.Dial(context.Background()))

	require.NoError(t, c.Send("still available?"))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	assert.Empty(t, msgs[0].ID)

	// The server echo carries the client token; the optimistic entry is
	// replaced in place rather than duplicated.
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID != ""
	}, waitFor, 10*time.Millisecond)

	hist, err := f.store.History(context.Background(), store.Key(10, 20))
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "still available?", hist[0].Body)
}

func TestSendValidation(t *testing.T) {
	f := newClientFixture(t)

	c := f.controller(t, Config{UserID: 10, OtherUserID: 20})
	assert.ErrorIs(t, c.Send("hello"), ErrNotConnected)

	require.NoError(t, c.Dial(context.Background()))
	assert.ErrorIs(t, c.Send("   \n\t"), ErrEmptyMessage)
}

func TestDuplicateSendSuppressed(t *testing.T) {
	f := newClientFixture(t)

	c := f.controller(t, Config{
		UserID:          10,
		OtherUserID:     20,
		DuplicateWindow: 100 * time.Millisecond,
	})
	require.NoError(t, c.Dial(context.Background()))

	require.NoError(t, c.Send("sorry, already gone"))
	assert.ErrorIs(t, c.Send("sorry, already gone"), ErrDuplicateSuppressed)

	// Outside the window the same body is a legitimate resend.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, c.Send("sorry, already gone"))

	require.Eventually(t, func() bool {
		hist, err := f.store.History(context.Background(), store.Key(10, 20))
		return err == nil && len(hist) == 2
	}, waitFor, 10*time.Millisecond)
}

func TestHistoryAndLiveDeliveryOfSameMessageNotDuplicated(t *testing.T) {
	c := New(Config{UserID: 20, OtherUserID: 10})

	msg := store.Message{
		ID:         "b2a1c7de-0000-4000-8000-000000000001",
		SenderID:   10,
		ReceiverID: 20,
		Body:       "still there?",
		CreatedAt:  time.Now(),
	}

	// A join racing the server's fan-out can deliver the same message through
	// the seeded history and again as a live event.
	c.seedHistory([]store.Message{msg})
	c.applyNewMessage(msg)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, "still there?", msgs[0].Body)
}

func TestRepeatedLiveDeliveryRefreshesInPlace(t *testing.T) {
	c := New(Config{UserID: 20, OtherUserID: 10})

	msg := store.Message{
		ID:         "b2a1c7de-0000-4000-8000-000000000002",
		SenderID:   10,
		ReceiverID: 20,
		Body:       "ping",
		CreatedAt:  time.Now(),
	}

	c.applyNewMessage(msg)

	now := time.Now()
	msg.ReadAt = &now
	c.applyNewMessage(msg)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead())
}

func TestFailedJoinReleasesConnection(t *testing.T) {
	f := newClientFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.endpoint()+"?userId=10", nil)
	require.NoError(t, err)

	c := New(Config{ServerURL: f.endpoint(), UserID: 10, OtherUserID: 20})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.dropConn(conn)

	c.mu.Lock()
	assert.Nil(t, c.conn, "a dropped connection must not linger on the controller")
	c.mu.Unlock()

	err = writeEvent(conn, chat.EventTyping, chat.TypingPayload{UserID: 10, OtherUserID: 20})
	assert.Error(t, err, "the dropped connection must be closed")
}

func TestDialFailureEntersLostState(t *testing.T) {
	var states []State
	c := New(Config{
		ServerURL:            "ws://127.0.0.1:1/ws",
		UserID:               10,
		OtherUserID:          20,
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     10 * time.Millisecond,
		OnStateChange:        func(s State) { states = append(states, s) },
	})

	err := c.Dial(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StateLost, c.State())
	assert.Equal(t, []State{StateConnecting, StateLost}, states)
}

func TestTypingCallback(t *testing.T) {
	f := newClientFixture(t)

	typing := make(chan bool, 8)
	receiver := f.controller(t, Config{
		UserID:      20,
		OtherUserID: 10,
		OnTyping:    func(on bool) { typing <- on },
	})
	require.NoError(t, receiver.Dial(context.Background()))

	sender := f.controller(t, Config{
		UserID:      10,
		OtherUserID: 20,
		TypingIdle:  50 * time.Millisecond,
	})
	require.NoError(t, sender.Dial(context.Background()))

	sender.InputChanged()

	select {
	case on := <-typing:
		assert.True(t, on)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for typing indicator")
	}

	// The sender's idle timer emits stop_typing without further input.
	select {
	case on := <-typing:
		assert.False(t, on)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for typing indicator to stop")
	}
}

func TestVisibilityMarksIncomingRead(t *testing.T) {
	f := newClientFixture(t)

	sender := f.controller(t, Config{UserID: 10, OtherUserID: 20})
	require.NoError(t, sender.Dial(context.Background()))
	receiver := f.controller(t, Config{UserID: 20, OtherUserID: 10})
	require.NoError(t, receiver.Dial(context.Background()))

	require.NoError(t, sender.Send("pickup at 6?"))

	require.Eventually(t, func() bool {
		msgs := receiver.Messages()
		return len(msgs) == 1 && msgs[0].ID != ""
	}, waitFor, 10*time.Millisecond)

	// While hidden nothing is marked; the read receipt arrives only once the
	// receiver's view becomes visible.
	assert.False(t, sender.Messages()[0].IsRead())

	receiver.SetVisible(true)

	require.Eventually(t, func() bool {
		msgs := sender.Messages()
		return len(msgs) == 1 && msgs[0].IsRead()
	}, waitFor, 10*time.Millisecond)
}

func TestReconnectRejoinsConversation(t *testing.T) {
	f := newClientFixture(t)

	states := make(chan State, 16)
	c := f.controller(t, Config{
		UserID:        10,
		OtherUserID:   20,
		OnStateChange: func(s State) { states <- s },
	})
	require.NoError(t, c.Dial(context.Background()))

	require.NoError(t, c.Send("before the drop"))
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Pending
	}, waitFor, 10*time.Millisecond)

	// Drain the transitions from the initial Dial so the waits below observe
	// only the reconnect.
	for len(states) > 0 {
		<-states
	}

	// Dropping every server-side peer forces the client through its
	// reconnect path.
	f.hub.Shutdown()

	waitState := func(want State) {
		t.Helper()
		deadline := time.After(waitFor)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for state %d", want)
			}
		}
	}

	waitState(StateConnecting)
	waitState(StateConnected)

	// The re-issued join seeds the same history again, and the restored
	// session accepts new sends.
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].Body == "before the drop" && msgs[0].ID != ""
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Send("after the drop"))
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && !msgs[1].Pending
	}, waitFor, 10*time.Millisecond)
}
