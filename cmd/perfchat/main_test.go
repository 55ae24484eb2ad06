package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agentchat/internal/protocol"
)

func TestParseFlagsDefaultsAndTexts(t *testing.T) {
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9000/", "-texts", " a | |b ", "-turn-timeout-ms", "10"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.baseURL)
	assert.Equal(t, []string{"a", "b"}, cfg.texts)
	assert.Equal(t, time.Second, cfg.turnTimeout, "turn timeout has a 1s floor")
	assert.True(t, strings.HasPrefix(cfg.sessionID, "perf-"), "session id %q", cfg.sessionID)

	_, err = parseFlags([]string{"-turns", "0"})
	assert.Error(t, err)
	_, err = parseFlags([]string{"-texts", " | "})
	assert.Error(t, err)
}

func TestChatWSURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:8000", want: "ws://127.0.0.1:8000/v1/chat/ws"},
		{in: "https://chat.example.com/base/", want: "wss://chat.example.com/base/v1/chat/ws"},
		{in: "ftp://x", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := chatWSURL(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}

func TestSummarize(t *testing.T) {
	got := summarize([]turnResult{
		{Total: 10 * time.Millisecond, FirstFragment: 4 * time.Millisecond, Fragments: 1},
		{Total: 30 * time.Millisecond, FirstFragment: 6 * time.Millisecond, Fragments: 2},
		{ErrorCode: "RateLimited"},
	})
	want := "perfchat: turns=3 failed=1 total_p50_ms=10.00 total_p95_ms=10.00 first_fragment_p50_ms=4.00 first_fragment_p95_ms=4.00"
	assert.Equal(t, want, got)
	assert.Zero(t, quantile(nil, 0.5))
}

func TestRunReplaysTurnsOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"})
		for {
			var req protocol.ChatRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if strings.Contains(req.ChatInput, "fail") {
				_ = conn.WriteJSON(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, RequestID: req.RequestID, Code: "RateLimited", Status: 429})
				continue
			}
			_ = conn.WriteJSON(protocol.ChatFragment{Type: protocol.TypeChatFragment, RequestID: req.RequestID, Seq: 1, Text: "hi"})
			_ = conn.WriteJSON(protocol.ChatResponse{
				Type:      protocol.TypeChatResponse,
				SessionID: req.SessionID,
				RequestID: req.RequestID,
				Answer:    "hi",
				UsedTools: []string{"Weather:get_weather_for_city"},
			})
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	cfg := options{
		baseURL:     srv.URL,
		sessionID:   "s1",
		turns:       3,
		turnTimeout: 5 * time.Second,
		texts:       []string{"hello", "please fail"},
		verbose:     true,
	}
	require.NoError(t, run(context.Background(), cfg, &out))
	got := out.String()
	assert.Contains(t, got, "tools=[Weather:get_weather_for_city]")
	assert.Contains(t, got, "error=RateLimited")
	assert.Contains(t, got, "turns=3 failed=1")
}
