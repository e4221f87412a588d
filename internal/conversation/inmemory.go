package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string]*Conversation)}
}

func (s *InMemoryStore) CreateConversation(_ context.Context, agentKind, seedTitle string) (Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		AgentKind: agentKind,
		Title:     DeriveTitle(seedTitle),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return clone(c), nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, conversationID string, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	msg = normalizeMessage(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	applyAppend(c, msg, time.Now().UTC())
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return clone(c), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, agentKind string) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.AgentKind != agentKind {
			continue
		}
		summary := *c
		summary.Messages = nil
		out = append(out, summary)
	}
	s.mu.RUnlock()

	sortByUpdatedDesc(out)
	return out, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func clone(c *Conversation) Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

func sortByUpdatedDesc(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
