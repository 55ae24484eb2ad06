// Package tooltrack records which tool plugins a single chat request invoked.
//
// A Tracker is installed on the request context with WithTracker and read back
// with Current. Plugins wrapped by Wrap append a label to the tracker found on
// the context of each call, so two concurrent requests never share entries:
//
//	tracker := tooltrack.New()
//	ctx = tooltrack.WithTracker(ctx, tracker)
//	_, _ = wrapped.(tooltrack.Invoker).CallTool(ctx, "get_weather_for_city", args)
//	tracker.Entries() // ["Weather:get_weather_for_city"]
package tooltrack

import (
	"context"
	"sync"
)

// Tracker is the ordered list of tool invocation labels for one request.
// It is safe for concurrent tool calls issued by the same request.
type Tracker struct {
	mu      sync.Mutex
	entries []string
}

func New() *Tracker {
	return &Tracker{}
}

// Record appends a label.
func (t *Tracker) Record(label string) {
	t.mu.Lock()
	t.entries = append(t.entries, label)
	t.mu.Unlock()
}

// Entries returns a copy of the recorded labels, never nil.
func (t *Tracker) Entries() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

type trackerKey struct{}

// WithTracker installs t as the active tracker for ctx. A nil t clears it.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// Current returns the tracker installed on ctx, or a fresh detached tracker
// when none is installed.
func Current(ctx context.Context) *Tracker {
	if ctx != nil {
		if t, ok := ctx.Value(trackerKey{}).(*Tracker); ok && t != nil {
			return t
		}
	}
	return New()
}
