package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/chat"
)

const (
	eventSnapshot = "snapshot"
	eventDone     = "done"
	eventError    = "error"
)

type turnErrorBody struct {
	Code           string `json:"code"`
	Error          string `json:"error"`
	Persisted      bool   `json:"persisted"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func errorBody(err error, result chat.TurnResult) turnErrorBody {
	body := turnErrorBody{Code: "internal", Error: err.Error(), ConversationID: result.ConversationID}
	var te *chat.TurnError
	if errors.As(err, &te) {
		body.Code = string(te.Kind)
		body.Persisted = te.Persisted
	}
	return body
}

func statusForKind(kind chat.ErrorKind) int {
	switch kind {
	case chat.KindInvalidRequest:
		return http.StatusBadRequest
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindTurnInFlight:
		return http.StatusConflict
	case chat.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case chat.KindTransport:
		return http.StatusBadGateway
	case chat.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// turnRequestFrom fills caller identity into a decoded turn request.
func (s *Server) turnRequestFrom(r *http.Request, req chat.TurnRequest) chat.TurnRequest {
	req.Identity = clientIdentity(r)
	req.Guest = !s.cfg.TrustUserHeader || strings.TrimSpace(r.Header.Get(UserHeader)) == ""
	return req
}

// sseWriter defers the event-stream headers until the first event so errors
// raised before any output can still use a plain JSON status response.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	err     error
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(name string, v any) {
	if s.err != nil {
		return
	}
	s.start()
	raw, err := json.Marshal(v)
	if err != nil {
		s.err = err
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, raw); err != nil {
		s.err = err
		return
	}
	s.err = s.rc.Flush()
}

func (s *Server) handleTurnSSE(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	var req chat.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req = s.turnRequestFrom(r, req)

	out := &sseWriter{w: w, rc: http.NewResponseController(w)}
	result, err := s.turns.SendTurn(r.Context(), req, chat.ObserverFunc(func(snap chat.Snapshot) {
		out.event(eventSnapshot, snap)
	}))
	if err != nil {
		body := errorBody(err, result)
		if !out.started {
			respondJSON(w, statusForKind(chat.ErrorKind(body.Code)), body)
			return
		}
		out.event(eventError, body)
		return
	}
	out.event(eventDone, result)
	if out.err != nil {
		s.logger.Debug("sse client went away", zap.Error(out.err))
	}
}

type wsMessage struct {
	Type     string           `json:"type"`
	Snapshot *chat.Snapshot   `json:"snapshot,omitempty"`
	Result   *chat.TurnResult `json:"result,omitempty"`
	Error    *turnErrorBody   `json:"error,omitempty"`
}

// handleTurnWS serves turns over one websocket. The client sends turn
// requests as JSON text messages; turns run one at a time and every write
// happens on the handler goroutine.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat not configured")
		return
	}
	base := s.turnRequestFrom(r, chat.TurnRequest{})

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, 8)
	go func() {
		defer cancel()
		defer close(inbound)
		conn.SetReadLimit(1 << 20)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	write := func(msg wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	for data := range inbound {
		var req chat.TurnRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if werr := write(wsMessage{Type: eventError, Error: &turnErrorBody{Code: string(chat.KindInvalidRequest), Error: err.Error()}}); werr != nil {
				return
			}
			continue
		}
		req.Identity, req.Guest = base.Identity, base.Guest

		var writeErr error
		result, err := s.turns.SendTurn(ctx, req, chat.ObserverFunc(func(snap chat.Snapshot) {
			if writeErr != nil {
				return
			}
			if writeErr = write(wsMessage{Type: eventSnapshot, Snapshot: &snap}); writeErr != nil {
				cancel()
			}
		}))
		if writeErr != nil {
			return
		}
		if err != nil {
			body := errorBody(err, result)
			if werr := write(wsMessage{Type: eventError, Error: &body}); werr != nil {
				return
			}
			continue
		}
		if werr := write(wsMessage{Type: eventDone, Result: &result}); werr != nil {
			return
		}
	}
}
