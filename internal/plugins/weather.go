// Package plugins holds in-process tool plugins exposed to the agent.
package plugins

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/agentchat/internal/tooltrack"
)

const (
	WeatherName    = "Weather"
	ToolCityReport = "get_weather_for_city"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrMissingCity = errors.New("city is required")
)

// Weather is a mock weather service returning a random temperature per city.
// It exposes both the plugin-level and the session-level entry points.
type Weather struct {
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

type WeatherOption func(*Weather)

// WithSource fixes the random source, for deterministic readings.
func WithSource(src rand.Source) WeatherOption {
	return func(w *Weather) { w.rng = rand.New(src) }
}

func WithClock(now func() time.Time) WeatherOption {
	return func(w *Weather) { w.now = now }
}

func NewWeather(opts ...WeatherOption) *Weather {
	w := &Weather{
		now: time.Now,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Weather) Name() string { return WeatherName }

// Tools lists the tool names this plugin serves.
func (w *Weather) Tools() []string { return []string{ToolCityReport} }

func (w *Weather) CallTool(ctx context.Context, target any, args map[string]any) (*tooltrack.Result, error) {
	return w.call(ctx, tooltrack.ToolName(target), args)
}

func (w *Weather) CallSessionTool(ctx context.Context, tool any, args map[string]any) (*tooltrack.Result, error) {
	return w.call(ctx, tooltrack.ToolName(tool), args)
}

func (w *Weather) call(ctx context.Context, tool string, args map[string]any) (*tooltrack.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tool != ToolCityReport {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	city, _ := args["city"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, ErrMissingCity
	}

	w.mu.Lock()
	temp := w.rng.IntN(51) - 10
	w.mu.Unlock()

	text := fmt.Sprintf("%d °C", temp)
	return &tooltrack.Result{
		Text: fmt.Sprintf("%s: %s", city, text),
		Data: map[string]any{
			"city":        city,
			"temperature": text,
			"units":       "C",
			"timestamp":   w.now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
