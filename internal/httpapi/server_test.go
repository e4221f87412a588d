package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/streamchat/internal/chat"
	"github.com/ent0n29/streamchat/internal/config"
	"github.com/ent0n29/streamchat/internal/conversation"
	"github.com/ent0n29/streamchat/internal/events"
	"github.com/ent0n29/streamchat/internal/observability"
	"github.com/ent0n29/streamchat/internal/quota"
	"github.com/ent0n29/streamchat/internal/upstream"
)

type testServer struct {
	*httptest.Server
	store conversation.Store
	quota *quota.Manager
}

func newTestServer(t *testing.T, script func(upstream.Request) [][]byte, limit int, opts ...func(*config.Config)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := conversation.NewInMemoryStore()
	q := quota.NewManager(quota.Config{Limit: limit}, nil, logger)
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	client := &upstream.ScriptedClient{Script: script}
	orch := chat.New(store, client, q, events.NopPublisher{}, metrics, logger, chat.Options{StallTimeout: 2 * time.Second})

	cfg := config.Config{UpstreamMode: config.UpstreamMock, QuotaRemote: config.QuotaRemoteNone, QuotaLimit: limit}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg, orch, store, q, metrics, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, store: store, quota: q}
}

func postJSON(t *testing.T, url string, body any, header http.Header) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, res *http.Response) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestConversationCRUD(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 5)

	res := postJSON(t, ts.URL+"/v1/conversations", map[string]string{"agent_kind": "coder"}, nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created conversationView
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.ID == "" || created.AgentKind != "coder" || created.Title != conversation.DefaultTitle {
		t.Fatalf("created = %+v", created)
	}

	listRes, err := http.Get(ts.URL + "/v1/conversations?agent_kind=coder")
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	defer listRes.Body.Close()
	var list struct {
		Conversations []conversationView `json:"conversations"`
	}
	if err := json.NewDecoder(listRes.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != created.ID {
		t.Fatalf("list = %+v", list.Conversations)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/conversations/"+created.ID, nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	delRes.Body.Close()
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want %d", delRes.StatusCode, http.StatusNoContent)
	}

	getRes, err := http.Get(ts.URL + "/v1/conversations/" + created.ID)
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	getRes.Body.Close()
	if getRes.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", getRes.StatusCode, http.StatusNotFound)
	}
}

func TestTurnOverSSE(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 5)

	res := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "hello there"}, nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	evs := readSSE(t, res)
	if len(evs) < 2 {
		t.Fatalf("events = %+v, want snapshots and done", evs)
	}
	last := evs[len(evs)-1]
	if last.name != eventDone {
		t.Fatalf("last event = %q, want done", last.name)
	}
	for _, ev := range evs[:len(evs)-1] {
		if ev.name != eventSnapshot {
			t.Fatalf("unexpected event %q before done", ev.name)
		}
	}

	var result chat.TurnResult
	if err := json.Unmarshal([]byte(last.data), &result); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if result.Split.Answer != "You said: hello there" || !result.Split.ThinkingComplete {
		t.Fatalf("split = %+v", result.Split)
	}
	if result.Quota == nil || result.Quota.Remaining != 4 {
		t.Fatalf("quota = %+v, want remaining 4", result.Quota)
	}

	getRes, err := http.Get(ts.URL + "/v1/conversations/" + result.ConversationID)
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	defer getRes.Body.Close()
	var view conversationView
	if err := json.NewDecoder(getRes.Body).Decode(&view); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(view.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(view.Messages))
	}
	if view.Messages[0].Split != nil {
		t.Fatalf("user message carries a split")
	}
	if s := view.Messages[1].Split; s == nil || !s.HasThinking || s.Answer != "You said: hello there" {
		t.Fatalf("assistant split = %+v", s)
	}
}

func TestTurnQuotaExhaustedReturns429(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 1)

	first := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "one"}, nil)
	readSSE(t, first)
	first.Body.Close()

	second := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "two"}, nil)
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", second.StatusCode)
	}
	var body turnErrorBody
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != string(chat.KindQuotaExceeded) {
		t.Fatalf("code = %q", body.Code)
	}

	qRes, err := http.Get(ts.URL + "/v1/quota")
	if err != nil {
		t.Fatalf("quota error = %v", err)
	}
	defer qRes.Body.Close()
	var st quota.State
	if err := json.NewDecoder(qRes.Body).Decode(&st); err != nil {
		t.Fatalf("decode quota: %v", err)
	}
	if st.Remaining != 0 || st.Limit != 1 {
		t.Fatalf("quota = %+v", st)
	}
}

func TestAccountTurnSkipsQuota(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 1, func(c *config.Config) { c.TrustUserHeader = true })
	header := http.Header{UserHeader: []string{"acct-7"}}

	for i := 0; i < 3; i++ {
		res := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "hi"}, header)
		evs := readSSE(t, res)
		res.Body.Close()
		if len(evs) == 0 || evs[len(evs)-1].name != eventDone {
			t.Fatalf("turn %d events = %+v", i, evs)
		}
	}
}

func TestTurnMidStreamFailureEmitsErrorEvent(t *testing.T) {
	ts := newTestServer(t, upstream.Chunks(upstream.TextFrame("partial answer"), `data: {"error":{"message":"overloaded"}}`+"\n\n"), 5)

	res := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "hi"}, nil)
	defer res.Body.Close()
	evs := readSSE(t, res)
	if len(evs) == 0 {
		t.Fatalf("no events")
	}
	last := evs[len(evs)-1]
	if last.name != eventError {
		t.Fatalf("last event = %q, want error", last.name)
	}
	var body turnErrorBody
	if err := json.Unmarshal([]byte(last.data), &body); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if body.Code != string(chat.KindTransport) || !body.Persisted || body.ConversationID == "" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestInvalidTurnRequest(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 5)

	res := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general"}, nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}

	missing := postJSON(t, ts.URL+"/v1/turns", map[string]string{"conversation_id": "nope", "content": "hi"}, nil)
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d, want 404", missing.StatusCode)
	}
}

func TestTurnOverWebSocket(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 5)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/turns/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"agent_kind": "general", "content": "ping pong"}); err != nil {
		t.Fatalf("write turn: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	snapshots := 0
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read message: %v", err)
		}
		if msg.Type == eventSnapshot {
			snapshots++
			continue
		}
		if msg.Type != eventDone {
			t.Fatalf("terminal message = %+v", msg)
		}
		if msg.Result == nil || msg.Result.Split.Answer != "You said: ping pong" {
			t.Fatalf("result = %+v", msg.Result)
		}
		break
	}
	if snapshots == 0 {
		t.Fatalf("no snapshots before done")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error message: %v", err)
	}
	if msg.Type != eventError || msg.Error == nil || msg.Error.Code != string(chat.KindInvalidRequest) {
		t.Fatalf("message = %+v", msg)
	}
}

func TestHealthReadyAndStages(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 5)

	for _, path := range []string{"/healthz", "/readyz", "/debug/turn-stages", "/metrics"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}
}

func TestUserHeaderIgnoredUnlessTrusted(t *testing.T) {
	ts := newTestServer(t, upstream.EchoScript, 1)
	header := http.Header{UserHeader: []string{"acct-7"}}

	first := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "hi"}, header)
	readSSE(t, first)
	first.Body.Close()

	second := postJSON(t, ts.URL+"/v1/turns", map[string]string{"agent_kind": "general", "content": "hi"}, header)
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 for an untrusted user header", second.StatusCode)
	}
}
