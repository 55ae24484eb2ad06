package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/agentchat/internal/memory"
	"github.com/ent0n29/agentchat/internal/tooltrack"
)

// Request is the normalized request sent to the agent orchestrator.
type Request struct {
	SessionID string
	UserName  string
	History   []memory.Message
	Input     string
	Tools     []tooltrack.Plugin
}

// Usage is token accounting reported by the agent.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Fragment is one partial result streamed back by the agent. Content holds
// non-text payloads the agent sent instead of Text.
type Fragment struct {
	Text    string
	Content any
	Usage   *Usage
}

// String renders the fragment as text. Fragments without text fall back to a
// JSON (or %v) rendering of Content so a malformed fragment never aborts a stream.
func (f Fragment) String() string {
	if f.Text != "" || f.Content == nil {
		return f.Text
	}
	if s, ok := f.Content.(string); ok {
		return s
	}
	if raw, err := json.Marshal(f.Content); err == nil {
		return string(raw)
	}
	return fmt.Sprintf("%v", f.Content)
}

// Response is the final result after streaming fragments.
type Response struct {
	Text  string
	Usage *Usage
}

// FragmentHandler receives streaming fragments.
type FragmentHandler func(Fragment) error

// Adapter bridges the chat service with an agent orchestrator.
type Adapter interface {
	StreamResponse(ctx context.Context, req Request, onFragment FragmentHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode       string
	HTTPURL    string
	APIKey     string
	MaxRetries int
	Timeout    time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg), nil
		}
		return NewMockAdapter(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported agent adapter mode %q", cfg.Mode)
	}
}
