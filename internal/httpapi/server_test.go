package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agentchat/internal/agent"
	"github.com/ent0n29/agentchat/internal/chat"
	"github.com/ent0n29/agentchat/internal/config"
	"github.com/ent0n29/agentchat/internal/memory"
	"github.com/ent0n29/agentchat/internal/observability"
	"github.com/ent0n29/agentchat/internal/plugins"
	"github.com/ent0n29/agentchat/internal/protocol"
	"github.com/ent0n29/agentchat/internal/tooltrack"
)

type stubChat struct {
	ready bool
	ask   func(ctx context.Context, req chat.Request, on agent.FragmentHandler) (chat.Response, error)
}

func (s stubChat) Ready() bool { return s.ready }

func (s stubChat) Ask(ctx context.Context, req chat.Request, on agent.FragmentHandler) (chat.Response, error) {
	return s.ask(ctx, req, on)
}

type testEnv struct {
	ts    *httptest.Server
	docs  *memory.InMemoryStore
	store *memory.ConversationStore
}

func newMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	return observability.NewMetricsWithRegistry(prometheus.NewRegistry(), "test_httpapi", observability.LatencyOptions{})
}

func newTestEnv(t *testing.T, cfg config.Config) testEnv {
	t.Helper()
	docs := memory.NewInMemoryStore()
	store := memory.NewConversationStore(docs, memory.Options{WindowSize: 5})
	metrics := newMetrics(t)
	tools := tooltrack.InstallWrappers([]tooltrack.Plugin{plugins.NewWeather()})
	svc := chat.NewService(store, agent.NewMockAdapter(), chat.Options{Tools: tools, Metrics: metrics})

	ts := httptest.NewServer(New(cfg, svc, store, metrics, nil).Router())
	t.Cleanup(ts.Close)
	return testEnv{ts: ts, docs: docs, store: store}
}

func newStubServer(t *testing.T, svc ChatService) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(config.Config{}, svc, nil, newMetrics(t), nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postChat(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url+"/chat", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer res.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	return res, payload
}

func TestChatEndpointPersistsTurn(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, payload := postChat(t, env.ts.URL, map[string]string{
		"sessionId": "s1",
		"chatInput": "What's the weather in Rome?",
		"userName":  "Ada",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "s1", payload["sessionId"])
	assert.Contains(t, payload["answer"], "The weather in Rome is")
	assert.Equal(t, []any{"Weather:get_weather_for_city"}, payload["usedTools"])
	assert.Contains(t, payload, "tokenUsage")
	assert.True(t, strings.HasSuffix(res.Header.Get("X-Process-Time"), " sec"))
	assert.Equal(t, 2, env.docs.Len("s1"))

	hist, err := http.Get(env.ts.URL + "/v1/sessions/s1/history?limit=10")
	require.NoError(t, err)
	defer hist.Body.Close()
	require.Equal(t, http.StatusOK, hist.StatusCode)
	var histPayload struct {
		SessionID string           `json:"sessionId"`
		Messages  []memory.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(hist.Body).Decode(&histPayload))
	require.Len(t, histPayload.Messages, 2)
	assert.Equal(t, memory.RoleUser, histPayload.Messages[0].Role)
	assert.Equal(t, "Ada", histPayload.Messages[0].Name)
	assert.Equal(t, []string{"Weather:get_weather_for_city"}, histPayload.Messages[1].UsedTools)
}

func TestChatEndpointEmptyInputShortCircuits(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, payload := postChat(t, env.ts.URL, map[string]string{"sessionId": "s1", "chatInput": "   "})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "", payload["answer"])
	assert.Equal(t, []any{}, payload["usedTools"])
	assert.NotContains(t, payload, "tokenUsage")
	assert.Equal(t, 0, env.docs.Len("s1"))
}

func TestChatEndpointRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	res, payload := postChat(t, env.ts.URL, map[string]string{"chatInput": "hi"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_request", payload["code"])

	empty, err := http.Post(env.ts.URL+"/v1/chat", "application/json", nil)
	require.NoError(t, err)
	defer empty.Body.Close()
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)

	bad, err := http.Post(env.ts.URL+"/v1/chat", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestChatEndpointMapsErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "classified agent failure",
			err:        &chat.InvocationError{Status: 429, Code: "RateLimited", Message: "slow down", Err: errors.New("raw payload")},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "RateLimited",
			wantMsg:    "slow down",
		},
		{
			name:       "persistence failure",
			err:        &memory.PersistenceError{SessionID: "s", MessageID: "m", Err: errors.New("disk full")},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "persistence_failure",
			wantMsg:    "failed to store conversation turn",
		},
		{
			name:       "unexpected",
			err:        errors.New("secret internals"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
			wantMsg:    "internal server error",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newStubServer(t, stubChat{ready: true, ask: func(context.Context, chat.Request, agent.FragmentHandler) (chat.Response, error) {
				return chat.Response{}, tc.err
			}})
			res, payload := postChat(t, ts.URL, map[string]string{"sessionId": "s", "chatInput": "hi"})
			assert.Equal(t, tc.wantStatus, res.StatusCode)
			assert.Equal(t, tc.wantCode, payload["code"])
			assert.Equal(t, tc.wantMsg, payload["error"])
		})
	}
}

func TestChatEndpointAgentNotReady(t *testing.T) {
	ts := newStubServer(t, stubChat{ready: false})
	res, payload := postChat(t, ts.URL, map[string]string{"sessionId": "s", "chatInput": "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "agent_unavailable", payload["code"])

	ready, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
}

func TestPanicIsReportedAsJSON(t *testing.T) {
	ts := newStubServer(t, stubChat{ready: true, ask: func(context.Context, chat.Request, agent.FragmentHandler) (chat.Response, error) {
		panic("kaboom")
	}})
	res, payload := postChat(t, ts.URL, map[string]string{"sessionId": "s", "chatInput": "hi"})
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "kaboom", payload["reason"])
	assert.Equal(t, map[string]any{"url": "/chat", "method": "POST"}, payload["source"])
}

func TestServiceRoutes(t *testing.T) {
	env := newTestEnv(t, config.Config{})

	ping, err := http.Get(env.ts.URL + "/ping")
	require.NoError(t, err)
	defer ping.Body.Close()
	var pong map[string]string
	require.NoError(t, json.NewDecoder(ping.Body).Decode(&pong))
	assert.Equal(t, map[string]string{"status": "healthy"}, pong)

	root, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer root.Body.Close()
	body, _ := io.ReadAll(root.Body)
	assert.Contains(t, root.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "agentchat backend is running (memory=memory window=5")

	ready, err := http.Get(env.ts.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)

	_, _ = postChat(t, env.ts.URL, map[string]string{"sessionId": "m", "chatInput": "hello"})
	metrics, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	raw, _ := io.ReadAll(metrics.Body)
	assert.Contains(t, string(raw), `test_httpapi_chat_requests_total{outcome="ok"} 1`)

	perf, err := http.Get(env.ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	defer perf.Body.Close()
	var snap observability.LatencySnapshot
	require.NoError(t, json.NewDecoder(perf.Body).Decode(&snap))
	assert.NotEmpty(t, snap.Stages)
	assert.Equal(t, []observability.OutcomeRate{{Outcome: "ok", Count: 1, Rate: 1}}, snap.Outcomes)

	badLimit, err := http.Get(env.ts.URL + "/v1/sessions/m/history?limit=zero")
	require.NoError(t, err)
	defer badLimit.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badLimit.StatusCode)
}

func dialWS(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestChatWebSocketStreamsTurn(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dialWS(t, env.ts, nil)

	hello := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeSystemEvent), hello["type"])

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{
		Type:      protocol.TypeChatRequest,
		RequestID: "r1",
		SessionID: "ws-1",
		ChatInput: "hello there",
	}))

	fragment := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeChatFragment), fragment["type"])
	assert.Equal(t, "r1", fragment["request_id"])
	assert.Equal(t, "I heard you: hello there", fragment["text"])

	final := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeChatResponse), final["type"])
	assert.Equal(t, "I heard you: hello there", final["answer"])
	assert.Equal(t, []any{}, final["used_tools"])

	require.Eventually(t, func() bool { return env.docs.Len("ws-1") == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestChatWebSocketRejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	conn := dialWS(t, env.ts, nil)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_request","chat_input":"no session"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorEvent), frame["type"])
	assert.Equal(t, "invalid_client_message", frame["code"])
}

func TestChatWebSocketReportsClassifiedErrors(t *testing.T) {
	ts := newStubServer(t, stubChat{ready: true, ask: func(context.Context, chat.Request, agent.FragmentHandler) (chat.Response, error) {
		return chat.Response{}, &chat.InvocationError{Status: 503, Code: "ServiceUnavailable", Message: "try later"}
	}})
	conn := dialWS(t, ts, nil)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, SessionID: "s", ChatInput: "hi"}))
	frame := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorEvent), frame["type"])
	assert.Equal(t, "ServiceUnavailable", frame["code"])
	assert.EqualValues(t, 503, frame["status"])
	assert.Equal(t, true, frame["retryable"])
	assert.Equal(t, "try later", frame["detail"])
	assert.NotEmpty(t, frame["request_id"])
}

func TestChatWebSocketOneTurnAtATimeAndCancel(t *testing.T) {
	started := make(chan string, 2)
	ts := newStubServer(t, stubChat{ready: true, ask: func(ctx context.Context, req chat.Request, _ agent.FragmentHandler) (chat.Response, error) {
		started <- req.ChatInput
		<-ctx.Done()
		return chat.Response{}, ctx.Err()
	}})
	conn := dialWS(t, ts, nil)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, RequestID: "r1", SessionID: "s", ChatInput: "first"}))
	select {
	case input := <-started:
		assert.Equal(t, "first", input)
	case <-time.After(5 * time.Second):
		require.Fail(t, "first turn never reached the chat service")
	}

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, RequestID: "r2", SessionID: "s", ChatInput: "second"}))
	busy := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorEvent), busy["type"])
	assert.Equal(t, "r2", busy["request_id"])
	assert.Equal(t, "turn_in_progress", busy["code"])
	assert.EqualValues(t, http.StatusConflict, busy["status"])

	require.NoError(t, conn.WriteJSON(protocol.ChatCancel{Type: protocol.TypeChatCancel, RequestID: "r1"}))
	canceled := readFrame(t, conn)
	assert.Equal(t, string(protocol.TypeErrorEvent), canceled["type"])
	assert.Equal(t, "r1", canceled["request_id"])
	assert.Equal(t, "turn_canceled", canceled["code"])
	assert.EqualValues(t, statusClientClosedRequest, canceled["status"])
	assert.Equal(t, false, canceled["retryable"])
	assert.Contains(t, canceled["detail"], "context canceled")
	assert.Empty(t, started, "second turn must not reach the chat service")
}

func TestChatWebSocketTimeoutStaysRetryable(t *testing.T) {
	svc := stubChat{ready: true, ask: func(ctx context.Context, _ chat.Request, _ agent.FragmentHandler) (chat.Response, error) {
		<-ctx.Done()
		return chat.Response{}, &chat.InvocationError{Status: 504, Code: "GatewayTimeout", Message: ctx.Err().Error(), Err: ctx.Err()}
	}}
	ts := httptest.NewServer(New(config.Config{RequestTimeout: 50 * time.Millisecond}, svc, nil, newMetrics(t), nil).Router())
	t.Cleanup(ts.Close)
	conn := dialWS(t, ts, nil)
	_ = readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.ChatRequest{Type: protocol.TypeChatRequest, RequestID: "slow", SessionID: "s", ChatInput: "hi"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "slow", frame["request_id"])
	assert.Equal(t, "GatewayTimeout", frame["code"])
	assert.Equal(t, true, frame["retryable"])
	assert.Equal(t, "context deadline exceeded", frame["detail"])
}

func TestChatWebSocketOriginCheck(t *testing.T) {
	env := newTestEnv(t, config.Config{})
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/chat/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	open := newTestEnv(t, config.Config{AllowAnyOrigin: true})
	conn := dialWS(t, open.ts, header)
	assert.Equal(t, string(protocol.TypeSystemEvent), readFrame(t, conn)["type"])
}
