package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/streamchat/internal/conversation"
	"github.com/ent0n29/streamchat/internal/events"
	"github.com/ent0n29/streamchat/internal/observability"
	"github.com/ent0n29/streamchat/internal/quota"
	"github.com/ent0n29/streamchat/internal/reliability"
	"github.com/ent0n29/streamchat/internal/thinking"
	"github.com/ent0n29/streamchat/internal/upstream"
)

const (
	DefaultStallTimeout = 60 * time.Second
	DefaultTurnTimeout  = 5 * time.Minute
	DefaultHistoryLimit = 40

	persistAttempts  = 2
	persistBackoff   = 50 * time.Millisecond
	publishTimeout   = 2 * time.Second
	readBufferSize   = 4 << 10
	interruptedLabel = "Response interrupted"
)

// errEmptyReply marks a stream that finished without any text.
var errEmptyReply = errors.New("upstream finished without content")

// QuotaGate is the slice of the guest quota manager a turn needs.
type QuotaGate interface {
	Refresh(ctx context.Context, identity string) error
	Check(ctx context.Context, identity string) quota.Status
	Consume(ctx context.Context, identity string) quota.State
}

type Options struct {
	StallTimeout time.Duration
	TurnTimeout  time.Duration
	HistoryLimit int
	Model        string
}

type Orchestrator struct {
	store     conversation.Store
	upstream  upstream.Client
	quota     QuotaGate
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	validate  *validator.Validate
	opts      Options

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(
	store conversation.Store,
	client upstream.Client,
	gate QuotaGate,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		upstream:  client,
		quota:     gate,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "chat")),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		opts:      opts,
		inFlight:  make(map[string]struct{}),
	}
}

// turn is the per-call state of SendTurn.
type turn struct {
	req       TurnRequest
	observer  Observer
	state     TurnState
	startedAt time.Time
	logger    *zap.Logger
}

func (t *turn) enter(state TurnState) {
	t.state = state
	t.logger.Debug("turn state", zap.String("state", string(state)))
	if so, ok := t.observer.(StateObserver); ok {
		so.OnState(state)
	}
}

func (t *turn) fail(kind ErrorKind, persisted bool, err error) *TurnError {
	te := &TurnError{Kind: kind, State: t.state, Persisted: persisted, Err: err}
	t.enter(StateError)
	return te
}

// SendTurn runs one turn. Snapshots are delivered to obs (which may be nil)
// from the calling goroutine, in arrival order. Every error is a *TurnError.
func (o *Orchestrator) SendTurn(ctx context.Context, req TurnRequest, obs Observer) (result TurnResult, err error) {
	req.Content = strings.TrimSpace(req.Content)
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.AgentKind = strings.TrimSpace(req.AgentKind)
	if obs == nil {
		obs = ObserverFunc(func(Snapshot) {})
	}

	t := &turn{
		req:       req,
		observer:  obs,
		state:     StateIdle,
		startedAt: time.Now(),
		logger: o.logger.With(
			zap.String("conversation_id", req.ConversationID),
			zap.Bool("guest", req.Guest),
		),
	}
	defer func() {
		o.finishTurn(t, result, err)
	}()

	if verr := o.validate.Struct(req); verr != nil {
		return TurnResult{}, t.fail(KindInvalidRequest, false, verr)
	}
	if req.ConversationID != "" {
		if !o.acquire(req.ConversationID) {
			o.metrics.ObserveIndicator(string(KindTurnInFlight))
			return TurnResult{}, t.fail(KindTurnInFlight, false, fmt.Errorf("conversation %s", req.ConversationID))
		}
		defer o.release(req.ConversationID)
	}

	if req.Guest && o.quota != nil {
		t.enter(StateQuotaCheck)
		checkStart := time.Now()
		_ = o.quota.Refresh(ctx, req.Identity)
		status := o.quota.Check(ctx, req.Identity)
		o.metrics.ObserveStage(observability.StageQuotaCheck, time.Since(checkStart))
		if !status.Allowed {
			o.countQuota("denied")
			return TurnResult{}, t.fail(KindQuotaExceeded, false,
				fmt.Errorf("no turns left until %s", status.ResetAt.Format(time.RFC3339)))
		}
		o.countQuota("allowed")
	}

	conv, created, terr := o.openConversation(ctx, t)
	if terr != nil {
		return TurnResult{}, terr
	}
	if created {
		if !o.acquire(conv.ID) {
			return TurnResult{}, t.fail(KindTurnInFlight, false, fmt.Errorf("conversation %s", conv.ID))
		}
		defer o.release(conv.ID)
		t.logger = t.logger.With(zap.String("conversation_id", conv.ID))
	}
	result = TurnResult{ConversationID: conv.ID, Created: created}

	t.enter(StatePersistingUser)
	userMsg := conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now().UTC(),
	}
	if ctx.Err() != nil {
		return result, t.fail(KindCancelled, false, errors.Join(ErrCancelled, ctx.Err()))
	}
	persistStart := time.Now()
	if perr := o.append(ctx, conv.ID, userMsg); perr != nil {
		return result, o.persistFailure(ctx, t, perr)
	}
	o.metrics.ObserveStage(observability.StagePersistUser, time.Since(persistStart))
	result.UserMessageID = userMsg.ID

	t.enter(StateStreaming)
	out := o.stream(ctx, t, o.buildRequest(conv, userMsg))
	if out.cancelled || ctx.Err() != nil {
		return result, t.fail(KindCancelled, false, errors.Join(ErrCancelled, ctx.Err()))
	}
	if out.err == nil && strings.TrimSpace(out.raw) == "" {
		out.err = errEmptyReply
	}

	t.enter(StatePersistingAssistant)
	assistantMsg := conversation.Message{
		ID:        uuid.NewString(),
		Role:      conversation.RoleAssistant,
		Content:   out.raw,
		CreatedAt: time.Now().UTC(),
	}
	if out.err != nil {
		o.logger.Error("upstream stream failed",
			zap.String("conversation_id", conv.ID),
			zap.Int64("bytes_received", out.received),
			zap.Error(out.err),
		)
		if out.received == 0 {
			return result, t.fail(KindTransport, false, out.err)
		}
		assistantMsg.Content = withErrorNotice(out.raw, out.err)
		if perr := o.append(ctx, conv.ID, assistantMsg); perr != nil {
			return result, o.persistFailure(ctx, t, errors.Join(out.err, perr))
		}
		result.AssistantMessageID = assistantMsg.ID
		result.Content = assistantMsg.Content
		result.Split = thinking.Classify(assistantMsg.Content)
		return result, t.fail(KindTransport, true, out.err)
	}

	persistStart = time.Now()
	if perr := o.append(ctx, conv.ID, assistantMsg); perr != nil {
		return result, o.persistFailure(ctx, t, perr)
	}
	o.metrics.ObserveStage(observability.StagePersistAssistant, time.Since(persistStart))
	result.AssistantMessageID = assistantMsg.ID
	result.Content = assistantMsg.Content
	result.Split = thinking.Classify(assistantMsg.Content)

	if req.Guest && o.quota != nil {
		st := o.quota.Consume(ctx, req.Identity)
		result.Quota = &st
	}
	t.enter(StateIdle)
	return result, nil
}

// openConversation resolves the target thread, creating it for a new one.
func (o *Orchestrator) openConversation(ctx context.Context, t *turn) (conversation.Conversation, bool, *TurnError) {
	if t.req.ConversationID == "" {
		conv, err := o.store.CreateConversation(ctx, t.req.AgentKind, t.req.Content)
		if err != nil {
			o.countStoreError("create")
			return conversation.Conversation{}, false, o.classifyStoreError(ctx, t, err)
		}
		return conv, true, nil
	}
	conv, err := o.store.GetConversation(ctx, t.req.ConversationID)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotFound) {
			o.countStoreError("get")
		}
		return conversation.Conversation{}, false, o.classifyStoreError(ctx, t, err)
	}
	return conv, false, nil
}

func (o *Orchestrator) classifyStoreError(ctx context.Context, t *turn, err error) *TurnError {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return t.fail(KindNotFound, false, err)
	case ctx.Err() != nil:
		return t.fail(KindCancelled, false, errors.Join(ErrCancelled, err))
	default:
		return t.fail(KindPersistence, false, err)
	}
}

func (o *Orchestrator) persistFailure(ctx context.Context, t *turn, err error) *TurnError {
	if ctx.Err() == nil {
		o.countStoreError("append")
	}
	return o.classifyStoreError(ctx, t, err)
}

// append stores msg, retrying once with the same id. Not-found and invalid
// messages are permanent.
func (o *Orchestrator) append(ctx context.Context, conversationID string, msg conversation.Message) error {
	return reliability.Do(ctx, reliability.Policy{
		Attempts: persistAttempts,
		Base:     persistBackoff,
		Cap:      persistBackoff * 4,
		Retryable: func(err error) bool {
			return !errors.Is(err, conversation.ErrNotFound) && !errors.Is(err, conversation.ErrInvalidRole)
		},
	}, func(ctx context.Context) error {
		return o.store.AppendMessage(ctx, conversationID, msg)
	})
}

func (o *Orchestrator) buildRequest(conv conversation.Conversation, user conversation.Message) upstream.Request {
	history := conv.Messages
	if n := len(history); n > o.opts.HistoryLimit {
		history = history[n-o.opts.HistoryLimit:]
	}
	msgs := make([]upstream.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, upstream.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, upstream.Message{Role: string(user.Role), Content: user.Content})
	return upstream.Request{Model: o.opts.Model, AgentKind: conv.AgentKind, Messages: msgs}
}

func (o *Orchestrator) acquire(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[conversationID]; busy {
		return false
	}
	o.inFlight[conversationID] = struct{}{}
	return true
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	delete(o.inFlight, conversationID)
	o.mu.Unlock()
}

func (o *Orchestrator) finishTurn(t *turn, result TurnResult, err error) {
	outcome := "completed"
	eventType := events.TypeTurnCompleted
	var te *TurnError
	if errors.As(err, &te) {
		outcome = string(te.Kind)
		eventType = events.TypeTurnFailed
	}
	if o.metrics != nil {
		o.metrics.Turns.WithLabelValues(outcome).Inc()
	}
	duration := time.Since(t.startedAt)
	o.metrics.ObserveStage(observability.StageTurnTotal, duration)

	if te != nil && (te.Kind == KindInvalidRequest || te.Kind == KindTurnInFlight) {
		return
	}

	ev := events.Event{
		Type:           eventType,
		ConversationID: result.ConversationID,
		MessageID:      result.AssistantMessageID,
		AgentKind:      t.req.AgentKind,
		Guest:          t.req.Guest,
		HasThinking:    result.Split.HasThinking,
		AnswerRunes:    len([]rune(result.Split.Answer)),
		DurationMS:     duration.Milliseconds(),
		OccurredAt:     time.Now().UTC(),
	}
	if te != nil {
		ev.ErrorKind = string(te.Kind)
		ev.Persisted = te.Persisted
	}
	pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if perr := o.publisher.Publish(pubCtx, ev); perr != nil {
		o.logger.Warn("publish turn event failed", zap.String("type", ev.Type), zap.Error(perr))
	}
}

func (o *Orchestrator) countQuota(decision string) {
	if o.metrics != nil {
		o.metrics.QuotaDecisions.WithLabelValues(decision).Inc()
	}
}

func (o *Orchestrator) countStoreError(op string) {
	if o.metrics != nil {
		o.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

// withErrorNotice appends a visible failure notice to partial output. An
// unclosed reasoning block is closed first so the notice lands in the answer.
func withErrorNotice(raw string, cause error) string {
	reason := strings.TrimSpace(cause.Error())
	var b strings.Builder
	b.WriteString(raw)
	split := thinking.Classify(raw)
	if split.HasThinking && !split.ThinkingComplete {
		b.WriteString(thinking.EndTag)
	}
	if strings.TrimSpace(raw) != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "[%s: %s]", interruptedLabel, reason)
	return b.String()
}
