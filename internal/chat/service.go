// Package chat sequences one chat turn: memory load, agent invocation with
// request-scoped tool tracking, error classification and persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/agentchat/internal/agent"
	"github.com/ent0n29/agentchat/internal/memory"
	"github.com/ent0n29/agentchat/internal/observability"
	"github.com/ent0n29/agentchat/internal/reliability"
	"github.com/ent0n29/agentchat/internal/tooltrack"
)

var (
	ErrSessionRequired  = errors.New("sessionId is required")
	ErrAgentUnavailable = errors.New("agent not ready")
)

// Request is the chat request body.
type Request struct {
	SessionID string `json:"sessionId"`
	ChatInput string `json:"chatInput"`
	UserName  string `json:"userName,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is returned for a completed chat turn.
type Response struct {
	SessionID  string      `json:"sessionId"`
	Answer     string      `json:"answer"`
	UsedTools  []string    `json:"usedTools"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
}

// InvocationError is a classified agent failure. Message is the only part of
// the underlying failure that is safe to show to clients.
type InvocationError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent invocation failed (code=%s status=%d): %s", e.Code, e.Status, e.Message)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// MemoryOpener resolves the conversation memory for a session.
type MemoryOpener interface {
	Open(ctx context.Context, sessionID string, maxItems int) *memory.ConversationMemory
}

type Options struct {
	// WindowSize overrides the store default when > 0.
	WindowSize int
	Tools      []tooltrack.Plugin
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

type Service struct {
	memories   MemoryOpener
	adapter    agent.Adapter
	tools      []tooltrack.Plugin
	windowSize int
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewService(memories MemoryOpener, adapter agent.Adapter, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		memories:   memories,
		adapter:    adapter,
		tools:      opts.Tools,
		windowSize: opts.WindowSize,
		logger:     logger.With("component", "chat"),
		metrics:    opts.Metrics,
	}
}

// Ready reports whether an agent adapter is configured.
func (s *Service) Ready() bool {
	return s != nil && s.adapter != nil
}

// Ask runs one chat turn. Fragments are forwarded to onFragment as they
// arrive; a non-nil error from onFragment aborts the turn. Agent failures are
// returned as *InvocationError; persistence failures match memory.ErrPersistence.
func (s *Service) Ask(ctx context.Context, req Request, onFragment agent.FragmentHandler) (Response, error) {
	start := time.Now()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		s.metrics.ObserveChat("invalid")
		return Response{}, ErrSessionRequired
	}
	if !s.Ready() {
		s.metrics.ObserveChat("unavailable")
		return Response{}, ErrAgentUnavailable
	}

	question := strings.TrimSpace(req.ChatInput)
	if question == "" {
		s.metrics.ObserveChat("empty")
		return Response{SessionID: sessionID, Answer: "", UsedTools: []string{}}, nil
	}

	loadStart := time.Now()
	mem := s.memories.Open(ctx, sessionID, s.windowSize)
	s.metrics.ObserveStage(observability.StageMemoryLoad, time.Since(loadStart))

	tracker := tooltrack.New()
	turnCtx := tooltrack.WithTracker(ctx, tracker)

	var (
		parts []string
		usage *agent.Usage
	)
	agentStart := time.Now()
	res, err := s.adapter.StreamResponse(turnCtx, agent.Request{
		SessionID: sessionID,
		UserName:  strings.TrimSpace(req.UserName),
		History:   mem.Messages(),
		Input:     question,
		Tools:     s.tools,
	}, func(f agent.Fragment) error {
		if usage == nil && f.Usage != nil {
			usage = f.Usage
		}
		if text := strings.TrimSpace(f.String()); text != "" {
			parts = append(parts, text)
		}
		if onFragment != nil {
			return onFragment(f)
		}
		return nil
	})
	s.metrics.ObserveStage(observability.StageAgent, time.Since(agentStart))
	if err != nil {
		return Response{}, s.classify(sessionID, err)
	}
	if usage == nil {
		usage = res.Usage
	}

	answer := strings.TrimSpace(res.Text)
	if answer == "" {
		answer = strings.Join(parts, "\n")
	}
	usedTools := tracker.Entries()

	persistStart := time.Now()
	if err := s.persist(ctx, mem, question, answer, req.UserName, usedTools, usage); err != nil {
		s.metrics.ObserveStoreError("append")
		s.metrics.ObserveChat("persistence_failure")
		s.logger.Error("failed storing chat turn",
			"session_id", sessionID,
			"error", err)
		return Response{}, err
	}
	s.metrics.ObserveStage(observability.StagePersist, time.Since(persistStart))
	s.metrics.ObserveStage(observability.StageTotal, time.Since(start))
	s.metrics.ObserveChat("ok")
	s.logger.Debug("chat turn completed",
		"session_id", sessionID,
		"input_preview", preview(question, 80),
		"used_tools", len(usedTools),
		"duration_ms", time.Since(start).Milliseconds())

	out := Response{
		SessionID: sessionID,
		Answer:    answer,
		UsedTools: usedTools,
	}
	if usage != nil {
		out.TokenUsage = &TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.Total(),
		}
	}
	return out, nil
}

func (s *Service) persist(
	ctx context.Context,
	mem *memory.ConversationMemory,
	question, answer, userName string,
	usedTools []string,
	usage *agent.Usage,
) error {
	var userOpts []memory.MessageOption
	if name := strings.TrimSpace(userName); name != "" {
		userOpts = append(userOpts, memory.WithName(name))
	}
	if _, err := mem.AddUserMessage(ctx, question, userOpts...); err != nil {
		return err
	}

	var assistantOpts []memory.MessageOption
	if usage != nil {
		assistantOpts = append(assistantOpts, memory.WithMetadata(map[string]any{
			"promptTokens":     usage.PromptTokens,
			"completionTokens": usage.CompletionTokens,
			"totalTokens":      usage.Total(),
		}))
	}
	_, err := mem.AddAssistantMessage(ctx, answer, usedTools, assistantOpts...)
	return err
}

func (s *Service) classify(sessionID string, err error) *InvocationError {
	c := reliability.Classify(reliability.FailureFrom(err))
	s.metrics.ObserveAgentError(c.Code, c.Status)
	s.metrics.ObserveChat("agent_error")
	s.logger.Error("agent invocation failed",
		"session_id", sessionID,
		"code", c.Code,
		"status", c.Status,
		"error", err)
	return &InvocationError{
		Status:  c.Status,
		Code:    c.Code,
		Message: c.Message,
		Err:     err,
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
