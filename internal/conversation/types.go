package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound    = errors.New("conversation not found")
	ErrInvalidRole = errors.New("invalid message role")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one entry of a conversation. Assistant content may embed a
// thinking segment; see package thinking.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered, append-only thread owned by one agent kind.
type Conversation struct {
	ID        string    `json:"id"`
	AgentKind string    `json:"agent_kind"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// MessageCount is always set; Messages is empty in list results.
	MessageCount int       `json:"message_count"`
	Messages     []Message `json:"messages,omitempty"`
}

// Store persists conversations and their messages.
type Store interface {
	CreateConversation(ctx context.Context, agentKind, seedTitle string) (Conversation, error)
	// AppendMessage is idempotent on msg.ID.
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, agentKind string) ([]Conversation, error)
	// DeleteConversation succeeds when the conversation is already gone.
	DeleteConversation(ctx context.Context, id string) error
	Close() error
}

const (
	TitleMaxRunes = 50
	DefaultTitle  = "New conversation"
)

// DeriveTitle builds a short title from free text, cutting at a word boundary.
func DeriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:TitleMaxRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:-") + "…"
}

func validateMessage(msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return errors.New("message id is required")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	return nil
}

// laterOf keeps UpdatedAt monotonically non-decreasing.
func laterOf(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

func normalizeMessage(msg Message) Message {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

// applyAppend mutates c with msg following the store contract and reports
// whether anything changed. Shared by the memory and KV backends.
func applyAppend(c *Conversation, msg Message, now time.Time) bool {
	for _, m := range c.Messages {
		if m.ID == msg.ID {
			return false
		}
	}
	if c.Title == "" && msg.Role == RoleUser {
		c.Title = DeriveTitle(msg.Content)
	}
	c.Messages = append(c.Messages, msg)
	c.MessageCount = len(c.Messages)
	c.UpdatedAt = laterOf(c.UpdatedAt, now)
	return true
}
