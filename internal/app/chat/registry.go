/*
Package chat contains the realtime chat core.

This file defines the Registry, which binds a user ID to the set of live
WebSocket connections for that user. The registry is an injectable instance
so tests can run multiple isolated chat cores side by side.
*/
package chat

import (
	"sync"

	"github.com/rs/zerolog"

	"foodshare/internal/pkg/logx"
)

// Registry maps a user ID to its live peers. A user with multiple open tabs
// has multiple peers; an empty set means the user is offline, which is never
// an error.
type Registry struct {
	// mu protects concurrent access to the peers map.
	mu sync.RWMutex

	// peers stores the set of live connections per user ID.
	peers map[int64]map[*Peer]struct{}

	// structured logger with Registry context.
	logger zerolog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:  make(map[int64]map[*Peer]struct{}),
		logger: logx.Logger().With().Str("component", "Registry").Logger(),
	}
}

// Register adds the peer to the user's connection set. Registering the same
// peer twice is an idempotent no-op.
func (r *Registry) Register(userID int64, p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.peers[userID]
	if !ok {
		set = make(map[*Peer]struct{})
		r.peers[userID] = set
	}
	set[p] = struct{}{}

	r.logger.Info().
		Int64("user_id", userID).
		Int("connections", len(set)).
		Msg("Connection registered.")
}

// Unregister removes the peer from whatever user set it belongs to.
// No-op if the peer was already removed.
func (r *Registry) Unregister(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.peers[p.userID]
	if !ok {
		return
	}

	if _, ok := set[p]; !ok {
		return
	}

	delete(set, p)
	if len(set) == 0 {
		delete(r.peers, p.userID)
	}

	r.logger.Info().
		Int64("user_id", p.userID).
		Int("connections", len(set)).
		Msg("Connection unregistered.")
}

// PeersFor returns a snapshot of the user's live peers. An empty slice means
// the user is currently offline.
func (r *Registry) PeersFor(userID int64) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.peers[userID]
	out := make([]*Peer, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers[userID]) > 0
}
