package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory ChatStore. It backs development runs without a
// database and keeps protocol tests hermetic.
type Memory struct {
	mu     sync.RWMutex
	byKey  map[ConversationKey][]*Message
	byID   map[string]*Message
	lastAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey: make(map[ConversationKey][]*Message),
		byID:  make(map[string]*Message),
	}
}

// Append implements ChatStore.
func (s *Memory) Append(ctx context.Context, msg *Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// Timestamps from a coarse clock can collide within one conversation; nudge
	// forward so history order always matches append order.
	if !stored.CreatedAt.After(s.lastAt) {
		stored.CreatedAt = s.lastAt.Add(time.Microsecond)
	}
	s.lastAt = stored.CreatedAt

	key := stored.Conversation()
	s.byKey[key] = append(s.byKey[key], &stored)
	s.byID[stored.ID] = &stored

	return stored, nil
}

// History implements ChatStore.
func (s *Memory) History(ctx context.Context, key ConversationKey) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byKey[key]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

// MarkRead implements ChatStore.
func (s *Memory) MarkRead(ctx context.Context, messageID string, readerID int64) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return Message{}, false, ErrMessageNotFound
	}

	if m.ReceiverID != readerID || m.ReadAt != nil {
		return *m, false, nil
	}

	now := time.Now().UTC()
	m.ReadAt = &now
	return *m, true, nil
}

// ConversationsFor implements ChatStore.
func (s *Memory) ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ConversationSummary
	for key, msgs := range s.byKey {
		if !key.Includes(userID) || len(msgs) == 0 {
			continue
		}

		last := msgs[len(msgs)-1]
		out = append(out, ConversationSummary{
			OtherUserID: key.Other(userID),
			LastMessage: *last,
			FoodID:      last.FoodID,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})

	return out, nil
}
