package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/agentchat/internal/reliability"
	"github.com/ent0n29/agentchat/internal/tooltrack"
)

const (
	retryBase = 200 * time.Millisecond
	retryCap  = 2 * time.Second
)

// StatusError is returned when the agent endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("agent http status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent http status %d: %s", e.StatusCode, body)
}

// FailureArgs normalizes the response into a single classifier payload. A
// structured code in the body wins; a body error without one gets the HTTP
// status as its code, and a body with no error object is replaced by one.
func (e *StatusError) FailureArgs() []any {
	status := strconv.Itoa(e.StatusCode)

	var body map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(e.Body)), &body); err == nil && body != nil {
		switch errVal := body["error"].(type) {
		case map[string]any:
			if reliability.ErrorCode(errVal) == "" {
				errVal["code"] = status
			}
			return []any{body}
		case string:
			body["error"] = map[string]any{"code": status, "message": errVal}
			return []any{body}
		}
	}

	errObj := map[string]any{"code": status}
	if text := strings.TrimSpace(e.Body); text != "" {
		errObj["message"] = text
	}
	return []any{map[string]any{"error": errObj}}
}

// HTTPAdapter forwards requests to an agent HTTP endpoint. Responses may be a
// single JSON object, server-sent events, or newline-delimited JSON.
type HTTPAdapter struct {
	url        string
	apiKey     string
	maxRetries int
	client     *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewHTTPAdapter(cfg Config) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPAdapter{
		url:        strings.TrimSpace(cfg.HTTPURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		maxRetries: retries,
		client:     &http.Client{Timeout: timeout},
		sleep:      sleepContext,
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireTool struct {
	Plugin string   `json:"plugin"`
	Tools  []string `json:"tools,omitempty"`
}

type wireRequest struct {
	SessionID string        `json:"sessionId"`
	UserName  string        `json:"userName,omitempty"`
	History   []wireMessage `json:"history"`
	Input     string        `json:"input"`
	Tools     []wireTool    `json:"tools,omitempty"`
}

func encodeRequest(req Request) ([]byte, error) {
	wire := wireRequest{
		SessionID: req.SessionID,
		UserName:  req.UserName,
		History:   make([]wireMessage, 0, len(req.History)),
		Input:     req.Input,
	}
	for _, m := range req.History {
		wire.History = append(wire.History, wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	for _, p := range req.Tools {
		if p != nil {
			wire.Tools = append(wire.Tools, wireTool{Plugin: p.Name(), Tools: tooltrack.Tools(p)})
		}
	}
	return json.Marshal(wire)
}

func (a *HTTPAdapter) StreamResponse(ctx context.Context, req Request, onFragment FragmentHandler) (Response, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := a.send(ctx, payload)
		if err != nil {
			return Response{}, err
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			defer res.Body.Close()
			return a.consume(res, onFragment)
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		statusErr := &StatusError{StatusCode: res.StatusCode, Body: string(body)}
		if attempt >= a.maxRetries || !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Response{}, statusErr
		}
		if err := a.sleep(ctx, reliability.ExponentialBackoff(attempt, retryBase, retryCap)); err != nil {
			return Response{}, err
		}
	}
}

func (a *HTTPAdapter) send(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream, application/x-ndjson")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return res, nil
}

func (a *HTTPAdapter) consume(res *http.Response, onFragment FragmentHandler) (Response, error) {
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(res.Body, onFragment)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Response{}, nil
		}
		if err := emit(onFragment, Fragment{Text: text}); err != nil {
			return Response{}, err
		}
		return Response{Text: text}, nil
	}

	frag := fragmentFromObject(obj)
	if frag.String() != "" || frag.Usage != nil {
		if err := emit(onFragment, frag); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: frag.String(), Usage: frag.Usage}, nil
}

// consumeStream reads SSE "data:" lines or NDJSON lines until EOF or [DONE].
func consumeStream(body io.Reader, onFragment FragmentHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out   strings.Builder
		usage *Usage
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		frag := Fragment{Text: line}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			frag = fragmentFromObject(obj)
		}
		if usage == nil && frag.Usage != nil {
			usage = frag.Usage
		}
		if frag.String() == "" && frag.Usage == nil {
			continue
		}
		out.WriteString(frag.String())
		if err := emit(onFragment, frag); err != nil {
			return Response{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("stream read: %w", err)
	}

	return Response{Text: out.String(), Usage: usage}, nil
}

func emit(onFragment FragmentHandler, f Fragment) error {
	if onFragment == nil {
		return nil
	}
	return onFragment(f)
}

func fragmentFromObject(obj map[string]any) Fragment {
	frag := Fragment{Usage: parseUsage(obj["usage"])}
	for _, k := range []string{"text", "delta", "output", "message", "answer"} {
		if s, ok := obj[k].(string); ok {
			frag.Text = s
			return frag
		}
	}
	if c, ok := obj["content"]; ok {
		if s, ok := c.(string); ok {
			frag.Text = s
		} else {
			frag.Content = c
		}
	}
	return frag
}

func parseUsage(v any) *Usage {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	u := Usage{
		PromptTokens:     intField(m, "promptTokens", "prompt_tokens"),
		CompletionTokens: intField(m, "completionTokens", "completion_tokens"),
	}
	return &u
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f)
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
