package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agentchat/internal/chat"
	"github.com/ent0n29/agentchat/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MetricsNamespace: "test_app",
		MemoryBackend:    "sqlite",
		SQLitePath:       filepath.Join(t.TempDir(), "chat.db"),
		MemoryWindowSize: 3,
		MemoryContainer:  "conversations",

		MemoryCreateIfNotExists: true,
		AgentMode:               "mock",
	}
}

func TestBuildServesChatAndPersists(t *testing.T) {
	var logs bytes.Buffer
	cfg := testConfig(t)
	built, err := Build(context.Background(), cfg, NewLogger(config.Config{LogLevel: "debug", LogFormat: "json"}, &logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = built.Cleanup() })

	assert.Equal(t, "sqlite", built.Conversations.Backend())
	assert.Equal(t, 3, built.Conversations.WindowSize())
	require.Len(t, built.Tools, 1)

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	body := `{"sessionId":"s1","chatInput":"weather in Berlin?"}`
	res, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp chat.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.Equal(t, []string{"Weather:get_weather_for_city"}, resp.UsedTools)

	history, err := built.Conversations.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, resp.Answer, history[1].Content)

	assert.Contains(t, logs.String(), `"component":"tooltrack"`)
	assert.Contains(t, logs.String(), `"msg":"tool call"`)
}

func TestBuildRejectsBadAgentConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentMode = "http"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent adapter init failed")
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryBackend = "cosmos"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory store init failed")
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.Config{LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "detail", "token Bearer abc123")
	assert.NotContains(t, buf.String(), "hidden")
	assert.NotContains(t, buf.String(), "abc123")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "service=agentchat")
}
