package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ent0n29/agentchat/internal/tooltrack"
)

const (
	weatherPlugin = "Weather"
	weatherTool   = "get_weather_for_city"
)

var weatherQuestion = regexp.MustCompile(`(?i)\bweather\b.*?\b(?:in|for|at)\s+([\p{L}][\p{L} .'-]*)`)

// MockAdapter provides deterministic local replies when no agent endpoint is configured.
// Questions about the weather in a city are answered through the Weather tool
// so tool tracking works without a remote agent.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req Request,
	onFragment FragmentHandler,
) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if city := weatherCity(req.Input); city != "" {
		if tool := findInvoker(req.Tools, weatherPlugin); tool != nil {
			res, err := tool.CallTool(ctx, weatherTool, map[string]any{"city": city})
			if err != nil {
				return Response{}, fmt.Errorf("weather tool: %w", err)
			}
			text = describeWeather(city, res)
		}
	}

	usage := &Usage{
		PromptTokens:     countWords(req.Input) + historyWords(req),
		CompletionTokens: countWords(text),
	}
	if err := emit(onFragment, Fragment{Text: text, Usage: usage}); err != nil {
		return Response{}, err
	}
	return Response{Text: text, Usage: usage}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Input)
	if base == "" {
		base = "I am listening."
	}

	if len(req.History) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}

	last := strings.TrimSpace(req.History[len(req.History)-1].Content)
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}

	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
}

func weatherCity(input string) string {
	m := weatherQuestion.FindStringSubmatch(input)
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(m[1]), ".'-")
}

func findInvoker(tools []tooltrack.Plugin, name string) tooltrack.Invoker {
	for _, p := range tools {
		if p == nil || !strings.EqualFold(p.Name(), name) {
			continue
		}
		if inv, ok := p.(tooltrack.Invoker); ok {
			return inv
		}
	}
	return nil
}

func describeWeather(city string, res *tooltrack.Result) string {
	if res == nil {
		return fmt.Sprintf("I could not get the weather for %s.", city)
	}
	if temp, ok := res.Data["temperature"].(string); ok && temp != "" {
		return fmt.Sprintf("The weather in %s is %s.", city, temp)
	}
	if strings.TrimSpace(res.Text) != "" {
		return res.Text
	}
	return fmt.Sprintf("I could not get the weather for %s.", city)
}

func historyWords(req Request) int {
	n := 0
	for _, m := range req.History {
		n += countWords(m.Content)
	}
	return n
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
