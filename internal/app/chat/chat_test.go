package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodshare/internal/app/store"
)

// newTestPeer builds a peer with a live send queue and no underlying
// connection. The pumps never run; tests read the queue directly.
func newTestPeer(userID int64) *Peer {
	return &Peer{
		userID: userID,
		send:   make(chan []byte, 64),
	}
}

// drainEvents decodes every frame currently queued on the peer.
func drainEvents(t *testing.T, p *Peer) []Envelope {
	t.Helper()

	var out []Envelope
	for {
		select {
		case frame := <-p.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

// waitEvent blocks until the peer receives an event of the wanted type,
// failing the test after the deadline.
func waitEvent(t *testing.T, p *Peer, want EventType, deadline time.Duration) Envelope {
	t.Helper()

	timeout := time.After(deadline)
	for {
		select {
		case frame := <-p.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Type == want {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func eventTypes(events []Envelope) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func newTestHub(chatStore store.ChatStore, typingTimeout time.Duration) *Hub {
	registry := NewRegistry()
	presence := NewPresence(registry, typingTimeout)
	return NewHub(chatStore, registry, presence)
}

func TestRegistryIdempotentRegister(t *testing.T) {
	r := NewRegistry()
	p := newTestPeer(10)

	r.Register(10, p)
	r.Register(10, p)

	assert.Len(t, r.PeersFor(10), 1)
	assert.True(t, r.Online(10))
}

func TestRegistryMultipleConnectionsPerUser(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPeer(10)
	p2 := newTestPeer(10)

	r.Register(10, p1)
	r.Register(10, p2)
	assert.Len(t, r.PeersFor(10), 2)

	r.Unregister(p1)
	assert.Len(t, r.PeersFor(10), 1)
	assert.True(t, r.Online(10))

	r.Unregister(p2)
	assert.Empty(t, r.PeersFor(10))
	assert.False(t, r.Online(10))
}

func TestRegistryUnregisterUnknownPeer(t *testing.T) {
	r := NewRegistry()

	// Must not panic or corrupt state.
	r.Unregister(newTestPeer(10))
	assert.False(t, r.Online(10))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			p := newTestPeer(userID)
			r.Register(userID, p)
			r.PeersFor(userID)
			r.Unregister(p)
		}(int64(i % 5))
	}
	wg.Wait()

	for userID := int64(0); userID < 5; userID++ {
		assert.Empty(t, r.PeersFor(userID))
	}
}

func TestJoinDeliversHistoryToRequestingPeerOnly(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	for _, body := range []string{"hello", "there"} {
		_, err := memory.Append(context.Background(), &store.Message{SenderID: 10, ReceiverID: 20, Body: body})
		require.NoError(t, err)
	}

	joiner := newTestPeer(20)
	bystander := newTestPeer(10)
	hub.Registry().Register(20, joiner)
	hub.Registry().Register(10, bystander)

	hub.HandleJoin(joiner, 10)

	env := waitEvent(t, joiner, EventConversationHistory, time.Second)
	var payload HistoryPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "hello", payload.Messages[0].Body)
	assert.Equal(t, "there", payload.Messages[1].Body)

	assert.Empty(t, drainEvents(t, bystander), "history must not be broadcast")
}

func TestSendScenario(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	sender := newTestPeer(10)
	receiver := newTestPeer(20)
	hub.Registry().Register(10, sender)
	hub.Registry().Register(20, receiver)

	hub.HandleSend(sender, SendPayload{
		UserID:     10,
		ReceiverID: 20,
		Message:    "Is this still available?",
	})

	env := waitEvent(t, receiver, EventNewMessage, time.Second)
	var msg store.Message
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, int64(10), msg.SenderID)
	assert.Equal(t, int64(20), msg.ReceiverID)
	assert.Equal(t, "Is this still available?", msg.Body)

	history, err := memory.History(context.Background(), store.Key(10, 20))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSendReachesSenderOtherTabs(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	origin := newTestPeer(10)
	otherTab := newTestPeer(10)
	hub.Registry().Register(10, origin)
	hub.Registry().Register(10, otherTab)

	hub.HandleSend(origin, SendPayload{UserID: 10, ReceiverID: 20, Message: "ping"})

	waitEvent(t, origin, EventNewMessage, time.Second)
	waitEvent(t, otherTab, EventNewMessage, time.Second)
}

func TestSendEmptyBodyIsSilentNoop(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	sender := newTestPeer(10)
	hub.Registry().Register(10, sender)

	hub.HandleSend(sender, SendPayload{UserID: 10, ReceiverID: 20, Message: "   \n\t "})

	assert.Empty(t, drainEvents(t, sender), "no event may be emitted for an empty body")

	history, err := memory.History(context.Background(), store.Key(10, 20))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendToOfflineReceiverPersists(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	sender := newTestPeer(10)
	hub.Registry().Register(10, sender)

	hub.HandleSend(sender, SendPayload{UserID: 10, ReceiverID: 20, Message: "see you later"})

	// The origin still receives its echo; no error event appears.
	env := waitEvent(t, sender, EventNewMessage, time.Second)
	assert.Equal(t, EventNewMessage, env.Type)

	// The receiver finds the message in history on their next join.
	receiver := newTestPeer(20)
	hub.Registry().Register(20, receiver)
	hub.HandleJoin(receiver, 10)

	histEnv := waitEvent(t, receiver, EventConversationHistory, time.Second)
	var payload HistoryPayload
	require.NoError(t, json.Unmarshal(histEnv.Payload, &payload))
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "see you later", payload.Messages[0].Body)
}

// failingStore simulates an unavailable persistence backend.
type failingStore struct {
	store.ChatStore
	err error
}

func (f *failingStore) Append(ctx context.Context, msg *store.Message) (store.Message, error) {
	return store.Message{}, f.err
}

func TestSendStorageFailureSurfacesToOrigin(t *testing.T) {
	failing := &failingStore{ChatStore: store.NewMemory(), err: assert.AnError}
	hub := newTestHub(failing, 0)

	sender := newTestPeer(10)
	receiver := newTestPeer(20)
	hub.Registry().Register(10, sender)
	hub.Registry().Register(20, receiver)

	hub.HandleSend(sender, SendPayload{
		UserID:      10,
		ReceiverID:  20,
		Message:     "will not persist",
		ClientToken: "tok-9",
	})

	env := waitEvent(t, sender, EventSendError, time.Second)
	var payload SendErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "tok-9", payload.ClientToken)
	assert.NotZero(t, payload.Code)

	assert.Empty(t, drainEvents(t, receiver), "failed send must not reach the receiver")
}

func TestReadReceiptIdempotence(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	stored, err := memory.Append(context.Background(), &store.Message{SenderID: 10, ReceiverID: 20, Body: "seen?"})
	require.NoError(t, err)

	sender := newTestPeer(10)
	reader := newTestPeer(20)
	hub.Registry().Register(10, sender)
	hub.Registry().Register(20, reader)

	payload := ReadPayload{MessageID: stored.ID, UserID: 20, OtherUserID: 10}
	hub.HandleRead(reader, payload)
	hub.HandleRead(reader, payload)

	env := waitEvent(t, sender, EventMessageRead, time.Second)
	var receipt ReadReceiptPayload
	require.NoError(t, json.Unmarshal(env.Payload, &receipt))
	assert.Equal(t, stored.ID, receipt.MessageID)

	assert.Empty(t, drainEvents(t, sender), "second read must not produce a second receipt")

	// The reading connection is notified as well, exactly once.
	waitEvent(t, reader, EventMessageRead, time.Second)
	assert.Empty(t, drainEvents(t, reader))
}

func TestReadByNonReceiverIsSilent(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	stored, err := memory.Append(context.Background(), &store.Message{SenderID: 10, ReceiverID: 20, Body: "mine"})
	require.NoError(t, err)

	sender := newTestPeer(10)
	hub.Registry().Register(10, sender)

	hub.HandleRead(sender, ReadPayload{MessageID: stored.ID, UserID: 10, OtherUserID: 20})

	assert.Empty(t, drainEvents(t, sender))
}

func TestTypingRelay(t *testing.T) {
	hub := newTestHub(store.NewMemory(), time.Minute)

	typist := newTestPeer(10)
	counterpart := newTestPeer(20)
	hub.Registry().Register(10, typist)
	hub.Registry().Register(20, counterpart)

	hub.presence.SetTyping(store.Key(10, 20), 10)

	env := waitEvent(t, counterpart, EventUserTyping, time.Second)
	var payload UserEventPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, int64(10), payload.UserID)

	assert.Empty(t, drainEvents(t, typist), "typist must not see their own signal")
}

func TestTypingTimeoutAutoStop(t *testing.T) {
	registry := NewRegistry()
	presence := NewPresence(registry, 50*time.Millisecond)

	counterpart := newTestPeer(20)
	registry.Register(20, counterpart)

	presence.SetTyping(store.Key(10, 20), 10)
	waitEvent(t, counterpart, EventUserTyping, time.Second)

	waitEvent(t, counterpart, EventUserStopTyping, time.Second)

	// No further signals until a new SetTyping.
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, drainEvents(t, counterpart))
}

func TestTypingRenewalPostponesStop(t *testing.T) {
	registry := NewRegistry()
	presence := NewPresence(registry, 80*time.Millisecond)

	counterpart := newTestPeer(20)
	registry.Register(20, counterpart)

	presence.SetTyping(store.Key(10, 20), 10)
	time.Sleep(40 * time.Millisecond)
	presence.SetTyping(store.Key(10, 20), 10)

	// The first window alone would have expired by now; the renewal must
	// have pushed the stop signal past it.
	time.Sleep(50 * time.Millisecond)
	types := eventTypes(drainEvents(t, counterpart))
	assert.NotContains(t, types, EventUserStopTyping)

	waitEvent(t, counterpart, EventUserStopTyping, time.Second)
}

func TestClearTypingStopsImmediately(t *testing.T) {
	registry := NewRegistry()
	presence := NewPresence(registry, time.Minute)

	counterpart := newTestPeer(20)
	registry.Register(20, counterpart)

	key := store.Key(10, 20)
	presence.SetTyping(key, 10)
	presence.ClearTyping(key, 10)

	waitEvent(t, counterpart, EventUserStopTyping, time.Second)
	assert.Empty(t, drainEvents(t, counterpart))
}

func TestClearTypingWithoutActiveStateIsSilent(t *testing.T) {
	registry := NewRegistry()
	presence := NewPresence(registry, time.Minute)

	counterpart := newTestPeer(20)
	registry.Register(20, counterpart)

	presence.ClearTyping(store.Key(10, 20), 10)
	assert.Empty(t, drainEvents(t, counterpart))
}

func TestDisconnectClearsTypingForCounterpart(t *testing.T) {
	hub := newTestHub(store.NewMemory(), time.Minute)

	typist := newTestPeer(10)
	counterpart := newTestPeer(20)
	hub.Registry().Register(10, typist)
	hub.Registry().Register(20, counterpart)

	hub.presence.SetTyping(store.Key(10, 20), 10)
	waitEvent(t, counterpart, EventUserTyping, time.Second)

	hub.HandleDisconnect(typist)

	waitEvent(t, counterpart, EventUserStopTyping, time.Second)
	assert.False(t, hub.Registry().Online(10))
}

func TestDisconnectKeepsTypingWhileAnotherTabLives(t *testing.T) {
	hub := newTestHub(store.NewMemory(), time.Minute)

	tabOne := newTestPeer(10)
	tabTwo := newTestPeer(10)
	counterpart := newTestPeer(20)
	hub.Registry().Register(10, tabOne)
	hub.Registry().Register(10, tabTwo)
	hub.Registry().Register(20, counterpart)

	hub.presence.SetTyping(store.Key(10, 20), 10)
	waitEvent(t, counterpart, EventUserTyping, time.Second)

	hub.HandleDisconnect(tabOne)

	assert.Empty(t, drainEvents(t, counterpart), "typing survives while another tab is connected")
	assert.True(t, hub.Registry().Online(10))
}

func TestCloseSendWithQueuedFramesStillCloses(t *testing.T) {
	p := newTestPeer(10)
	require.NoError(t, p.enqueue([]byte("queued")))

	p.closeSend()
	p.closeSend()

	// Buffered frames drain before the close is observed, so nothing queued
	// at shutdown is lost.
	frame, ok := <-p.send
	assert.True(t, ok)
	assert.Equal(t, []byte("queued"), frame)

	_, ok = <-p.send
	assert.False(t, ok, "send queue must be closed once the buffer drains")
}

func TestShutdownClosesEveryPeerQueue(t *testing.T) {
	hub := newTestHub(store.NewMemory(), 0)

	busy := newTestPeer(10)
	idle := newTestPeer(20)
	hub.Registry().Register(10, busy)
	hub.Registry().Register(20, idle)
	require.NoError(t, busy.enqueue([]byte("in flight")))

	hub.Shutdown()

	frame, ok := <-busy.send
	assert.True(t, ok)
	assert.Equal(t, []byte("in flight"), frame)
	_, ok = <-busy.send
	assert.False(t, ok)

	_, ok = <-idle.send
	assert.False(t, ok)

	assert.False(t, hub.Registry().Online(10))
	assert.False(t, hub.Registry().Online(20))
}

func TestDispatchMalformedFrames(t *testing.T) {
	hub := newTestHub(store.NewMemory(), 0)

	p := newTestPeer(10)
	hub.Registry().Register(10, p)

	hub.Dispatch(p, []byte("not json"))
	hub.Dispatch(p, []byte(`{"type":"no_such_event","payload":{}}`))
	hub.Dispatch(p, []byte(`{"type":"send_message","payload":"not an object"}`))

	assert.Empty(t, drainEvents(t, p), "malformed frames are dropped silently")
}

func TestDispatchSendRoundTrip(t *testing.T) {
	memory := store.NewMemory()
	hub := newTestHub(memory, 0)

	sender := newTestPeer(10)
	receiver := newTestPeer(20)
	hub.Registry().Register(10, sender)
	hub.Registry().Register(20, receiver)

	frame := []byte(`{"type":"send_message","payload":{"userId":10,"receiverId":20,"message":"via dispatch"}}`)
	hub.Dispatch(sender, frame)

	env := waitEvent(t, receiver, EventNewMessage, time.Second)
	var msg store.Message
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, "via dispatch", msg.Body)
}
