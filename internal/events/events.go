// Package events publishes turn lifecycle notifications. Publishing is
// best-effort: a failed publish is logged by the caller and never fails a
// turn.
package events

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"
)

type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	AgentKind      string    `json:"agent_kind,omitempty"`
	Guest          bool      `json:"guest"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Persisted      bool      `json:"persisted"`
	HasThinking    bool      `json:"has_thinking"`
	AnswerRunes    int       `json:"answer_runes"`
	DurationMS     int64     `json:"duration_ms"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Subject maps an event type onto the turns.> subject space.
func (e Event) Subject() string {
	suffix := strings.TrimPrefix(e.Type, "turn.")
	if suffix == "" {
		suffix = "unknown"
	}
	return "turns." + suffix
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close()                               {}

// MemoryPublisher keeps published events in order. Useful for local runs and
// tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *MemoryPublisher) Close() {}
