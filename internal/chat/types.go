// Package chat drives one user turn end to end: quota gate, persistence of
// the user message, the streamed assistant reply and its persistence.
package chat

import (
	"errors"
	"fmt"

	"github.com/ent0n29/streamchat/internal/quota"
	"github.com/ent0n29/streamchat/internal/thinking"
)

// TurnState is the orchestrator's position in a turn.
type TurnState string

const (
	StateIdle                TurnState = "idle"
	StateQuotaCheck          TurnState = "quota_check"
	StatePersistingUser      TurnState = "persisting_user"
	StateStreaming           TurnState = "streaming"
	StatePersistingAssistant TurnState = "persisting_assistant"
	StateError               TurnState = "error"
)

type ErrorKind string

const (
	KindQuotaExceeded  ErrorKind = "quota_exceeded"
	KindTransport      ErrorKind = "transport"
	KindNotFound       ErrorKind = "not_found"
	KindPersistence    ErrorKind = "persistence"
	KindCancelled      ErrorKind = "cancelled"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindTurnInFlight   ErrorKind = "turn_in_flight"
)

var (
	ErrQuotaExceeded  = errors.New("guest quota exceeded")
	ErrTransport      = errors.New("upstream transport failed")
	ErrNotFound       = errors.New("conversation not found")
	ErrPersistence    = errors.New("conversation persistence failed")
	ErrCancelled      = errors.New("turn cancelled")
	ErrInvalidRequest = errors.New("invalid turn request")
	ErrTurnInFlight   = errors.New("a turn is already in flight for this conversation")
)

var kindSentinels = map[ErrorKind]error{
	KindQuotaExceeded:  ErrQuotaExceeded,
	KindTransport:      ErrTransport,
	KindNotFound:       ErrNotFound,
	KindPersistence:    ErrPersistence,
	KindCancelled:      ErrCancelled,
	KindInvalidRequest: ErrInvalidRequest,
	KindTurnInFlight:   ErrTurnInFlight,
}

// TurnError is the only error type SendTurn returns. errors.Is matches both
// the kind sentinel and the wrapped cause.
type TurnError struct {
	Kind  ErrorKind
	State TurnState
	// Persisted reports whether an assistant message describing the failure
	// was stored.
	Persisted bool
	Err       error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func (e *TurnError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of a SendTurn error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

type TurnRequest struct {
	// ConversationID continues a thread; empty starts a new one.
	ConversationID string `json:"conversation_id" validate:"omitempty,max=128"`
	AgentKind      string `json:"agent_kind" validate:"required_without=ConversationID,omitempty,max=64"`
	Identity       string `json:"-" validate:"required_if=Guest true"`
	Guest          bool   `json:"-"`
	Content        string `json:"content" validate:"required,max=32000"`
}

type TurnResult struct {
	ConversationID     string         `json:"conversation_id"`
	Created            bool           `json:"created"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"assistant_message_id,omitempty"`
	Content            string         `json:"content"`
	Split              thinking.Split `json:"split"`
	Quota              *quota.State   `json:"quota,omitempty"`
}

// Snapshot is the incremental view emitted after every text delta.
type Snapshot struct {
	Thinking         string `json:"thinking"`
	Answer           string `json:"answer"`
	HasThinking      bool   `json:"has_thinking"`
	ThinkingComplete bool   `json:"thinking_complete"`
}

func snapshotOf(s thinking.Split) Snapshot {
	return Snapshot{
		Thinking:         s.Thinking,
		Answer:           s.Answer,
		HasThinking:      s.HasThinking,
		ThinkingComplete: s.ThinkingComplete,
	}
}

type Observer interface {
	OnSnapshot(Snapshot)
}

// StateObserver is optionally implemented by observers that want state
// transitions as well.
type StateObserver interface {
	OnState(TurnState)
}

type ObserverFunc func(Snapshot)

func (f ObserverFunc) OnSnapshot(s Snapshot) { f(s) }
