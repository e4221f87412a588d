package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/chat"
	"github.com/ent0n29/streamchat/internal/config"
	"github.com/ent0n29/streamchat/internal/conversation"
	"github.com/ent0n29/streamchat/internal/observability"
	"github.com/ent0n29/streamchat/internal/quota"
)

// UserHeader carries an account id set by an authenticating proxy in front of
// the service. It is honored only when config.TrustUserHeader is set, and the
// proxy must strip it from client requests; otherwise any caller could skip
// the guest quota. Requests without a trusted header are guests.
const UserHeader = "X-User-ID"

type TurnSender interface {
	SendTurn(ctx context.Context, req chat.TurnRequest, obs chat.Observer) (chat.TurnResult, error)
}

type QuotaReader interface {
	Refresh(ctx context.Context, identity string) error
	Check(ctx context.Context, identity string) quota.Status
}

type Server struct {
	cfg      config.Config
	turns    TurnSender
	store    conversation.Store
	quota    QuotaReader
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, turns TurnSender, store conversation.Store, q QuotaReader, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		turns:   turns,
		store:   store,
		quota:   q,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/turn-stages", s.handleTurnStages)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)

		r.Post("/turns", s.handleTurnSSE)
		r.Get("/turns/ws", s.handleTurnWS)

		r.Get("/quota", s.handleQuota)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil || s.turns == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"store_backend":  storeBackend(s.store),
		"upstream_mode":  s.cfg.UpstreamMode,
		"quota_remote":   s.cfg.QuotaRemote,
		"quota_limit":    s.cfg.QuotaLimit,
		"stall_timeout":  s.cfg.StallTimeout.String(),
		"events_enabled": s.cfg.NATSURL != "",
	})
}

func (s *Server) handleTurnStages(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.TurnStageSnapshot{Stages: []observability.TurnStageStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.TurnStages())
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "quota not configured")
		return
	}
	identity := clientIdentity(r)
	_ = s.quota.Refresh(r.Context(), identity)
	st := s.quota.Check(r.Context(), identity)
	respondJSON(w, http.StatusOK, quota.State{Remaining: st.Remaining, Limit: st.Limit, ResetAt: st.ResetAt})
}

// clientIdentity is the anonymous identity of a caller: its address as
// resolved by middleware.RealIP, without the port.
func clientIdentity(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func storeBackend(s conversation.Store) string {
	switch s.(type) {
	case *conversation.PostgresStore:
		return conversation.BackendPostgres
	case *conversation.BadgerStore:
		return conversation.BackendBadger
	case *conversation.InMemoryStore:
		return conversation.BackendMemory
	default:
		return "custom"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
