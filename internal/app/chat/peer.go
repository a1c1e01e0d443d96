/*
Package chat contains the realtime chat core.

This file defines the Peer struct, representing one active WebSocket
connection of a user. It manages the connection lifecycle and the
ReadPump/WritePump message loops.
*/
package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"foodshare/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 8192

	// sendQueueSize is the capacity of the per-peer outbound queue.
	sendQueueSize = 256
)

// Peer represents one live WebSocket connection of an authenticated user.
type Peer struct {
	// hub handles every inbound event for this peer.
	hub *Hub

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// userID is the connection owner, fixed at handshake time.
	userID int64

	// a buffered channel used to queue frames waiting to be sent to the client.
	send chan []byte

	// closeOnce guards the send channel close so shutdown paths cannot race.
	closeOnce sync.Once

	// structured logger with peer context.
	logger zerolog.Logger
}

// NewPeer constructs a Peer for an upgraded connection. The caller is expected
// to register the peer before starting the pumps, so that live delivery is
// armed before any event is processed.
func NewPeer(hub *Hub, wsConn *websocket.Conn, userID int64) *Peer {
	peerLogger := logx.Logger().With().
		Int64("user_id", userID).
		Logger()

	return &Peer{
		hub:    hub,
		conn:   wsConn,
		userID: userID,
		send:   make(chan []byte, sendQueueSize),
		logger: peerLogger,
	}
}

// UserID returns the connection owner's user ID.
func (p *Peer) UserID() int64 {
	return p.userID
}

// ReadPump reads frames from the WebSocket connection and dispatches them to
// the hub. It handles heartbeats (Pong) and performs cleanup on close.
func (p *Peer) ReadPump() {
	defer p.cleanupOnDisconnect()

	p.conn.SetReadLimit(maxMessageSize)

	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		p.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			break
		}

		p.hub.Dispatch(p, frame)
	}
}

// cleanupOnDisconnect runs when ReadPump terminates: the hub discards the
// peer's registration and typing state, then the connection is closed.
func (p *Peer) cleanupOnDisconnect() {
	p.logger.Info().Msg("Peer connection cleanup starting.")

	p.hub.HandleDisconnect(p)

	if err := p.conn.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("Peer connection close error")
	}
}

// WritePump writes queued frames to the WebSocket connection and keeps the
// heartbeat alive with periodic pings.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := p.conn.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("Peer connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-p.send:
			if !p.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !p.writePing() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one frame pulled from the send channel.
// Returns false if the WritePump loop should terminate.
func (p *Peer) writeQueuedFrame(frame []byte, ok bool) bool {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		p.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := p.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			p.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		p.logger.Error().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

// writePing sends a periodic WebSocket Ping to maintain the heartbeat.
// Returns false if the WritePump loop should terminate.
func (p *Peer) writePing() bool {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		p.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		p.logger.Debug().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// enqueue queues a frame for delivery to this peer without blocking the
// caller. Frames are dropped when the queue is full; a client that slow is
// about to miss its ping deadline anyway.
func (p *Peer) enqueue(frame []byte) error {
	select {
	case p.send <- frame:
		return nil
	default:
		p.logger.Warn().Int("queue_len", len(p.send)).Msg("Peer send queue full, dropping frame")
		return fmt.Errorf("peer send queue full")
	}
}

// sendEvent marshals and queues an outbound event for this peer.
func (p *Peer) sendEvent(t EventType, payload any) error {
	frame, err := marshalEvent(t, payload)
	if err != nil {
		p.logger.Error().Err(err).Str("event_type", string(t)).Msg("Error marshaling outbound event")
		return err
	}
	return p.enqueue(frame)
}

// closeSend closes the peer's outbound queue, which terminates WritePump once
// the already-buffered frames have drained. Safe to call more than once.
func (p *Peer) closeSend() {
	p.closeOnce.Do(func() {
		close(p.send)
	})
}
