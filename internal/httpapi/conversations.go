package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/conversation"
	"github.com/ent0n29/streamchat/internal/thinking"
)

const defaultAgentKind = "general"

type createConversationRequest struct {
	AgentKind string `json:"agent_kind"`
	Title     string `json:"title"`
}

// messageView is a stored message plus, for assistant messages, the
// reasoning/answer split recomputed from its content.
type messageView struct {
	conversation.Message
	Split *thinking.Split `json:"split,omitempty"`
}

type conversationView struct {
	ID           string        `json:"id"`
	AgentKind    string        `json:"agent_kind"`
	Title        string        `json:"title"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	MessageCount int           `json:"message_count"`
	Messages     []messageView `json:"messages,omitempty"`
}

func viewOf(c conversation.Conversation) conversationView {
	title := c.Title
	if title == "" {
		title = conversation.DefaultTitle
	}
	v := conversationView{
		ID:           c.ID,
		AgentKind:    c.AgentKind,
		Title:        title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: c.MessageCount,
		Messages:     make([]messageView, 0, len(c.Messages)),
	}
	for _, m := range c.Messages {
		mv := messageView{Message: m}
		if m.Role == conversation.RoleAssistant {
			split := thinking.Classify(m.Content)
			mv.Split = &split
		}
		v.Messages = append(v.Messages, mv)
	}
	return v
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind := strings.TrimSpace(req.AgentKind)
	if kind == "" {
		kind = defaultAgentKind
	}
	c, err := s.store.CreateConversation(r.Context(), kind, req.Title)
	if err != nil {
		s.storeFailure(w, "create", err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(c))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimSpace(r.URL.Query().Get("agent_kind"))
	if kind == "" {
		kind = defaultAgentKind
	}
	list, err := s.store.ListConversations(r.Context(), kind)
	if err != nil {
		s.storeFailure(w, "list", err)
		return
	}
	out := make([]conversationView, 0, len(list))
	for _, c := range list {
		v := viewOf(c)
		v.Messages = nil
		out = append(out, v)
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	c, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, conversation.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	if err != nil {
		s.storeFailure(w, "get", err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(c))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		s.storeFailure(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeFailure(w http.ResponseWriter, op string, err error) {
	if s.metrics != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	s.logger.Error("conversation store failed", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusInternalServerError, "store_error", "conversation store unavailable")
}
