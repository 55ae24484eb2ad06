package tooltrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrNilPlugin = errors.New("nil tool plugin")

// Plugin is a tool plugin handle. What it can do is expressed through the
// optional Invoker and SessionInvoker interfaces.
type Plugin interface {
	Name() string
}

// Result is the outcome of a tool invocation.
type Result struct {
	Text    string         `json:"text,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Invoker is the primary "call a named tool" entry point. target is either the
// tool name or a structured request exposing Method, ToolName or Name.
type Invoker interface {
	Plugin
	CallTool(ctx context.Context, target any, args map[string]any) (*Result, error)
}

// SessionInvoker is the lower-level session entry point some plugins expose.
type SessionInvoker interface {
	Plugin
	CallSessionTool(ctx context.Context, tool any, args map[string]any) (*Result, error)
}

// Lister is implemented by plugins that can enumerate the tools they serve.
type Lister interface {
	Tools() []string
}

// Tools returns the tool names p serves, looking through tracking wrappers.
// Plugins that do not implement Lister report none.
func Tools(p Plugin) []string {
	for p != nil {
		if l, ok := p.(Lister); ok {
			return append([]string(nil), l.Tools()...)
		}
		u, ok := p.(interface{ Unwrap() Plugin })
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	return nil
}

// Level says which entry point a tracked call went through.
type Level string

const (
	LevelPlugin  Level = "plugin"
	LevelSession Level = "session"
)

// Call describes one tracked invocation, reported to an Observer after it returns.
type Call struct {
	Plugin   string
	Tool     string
	Level    Level
	Duration time.Duration
	Err      error
}

type Observer func(Call)

type options struct {
	observer Observer
	logger   *slog.Logger
}

type Option func(*options)

// WithObserver registers a hook that sees every tracked call.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// Wrap returns a handle that records each invocation on the tracker carried
// by the call's context. Only the entry points p implements are wrapped; a
// plugin with neither is returned unchanged.
func Wrap(p Plugin, opts ...Option) (Plugin, error) {
	if p == nil {
		return nil, ErrNilPlugin
	}
	if _, ok := p.(interface{ Unwrap() Plugin }); ok {
		return p, nil
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	inv, hasInv := p.(Invoker)
	sess, hasSess := p.(SessionInvoker)
	base := &trackedPlugin{
		Plugin: p,
		name:   pluginName(p),
		opts:   o,
	}

	switch {
	case hasInv && hasSess:
		return &trackedFull{trackedPlugin: base, inv: inv, sess: sess}, nil
	case hasInv:
		return &trackedInvoker{trackedPlugin: base, inner: inv}, nil
	case hasSess:
		return &trackedSessionInvoker{trackedPlugin: base, inner: sess}, nil
	default:
		return p, nil
	}
}

// InstallWrappers wraps each plugin in order. A plugin that cannot be wrapped
// is logged and skipped without affecting the rest.
func InstallWrappers(plugins []Plugin, opts ...Option) []Plugin {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	out := make([]Plugin, 0, len(plugins))
	for i, p := range plugins {
		wrapped, err := safeWrap(p, opts...)
		if err != nil {
			logger.Warn("tool plugin wrap failed", "index", i, "error", err)
			if p != nil {
				out = append(out, p)
			}
			continue
		}
		out = append(out, wrapped)
	}
	return out
}

func safeWrap(p Plugin, opts ...Option) (wrapped Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			wrapped, err = nil, fmt.Errorf("wrap panicked: %v", r)
		}
	}()
	return Wrap(p, opts...)
}

type trackedPlugin struct {
	Plugin
	name string
	opts options
}

// Unwrap returns the original plugin handle.
func (t *trackedPlugin) Unwrap() Plugin { return t.Plugin }

func (t *trackedPlugin) invoke(ctx context.Context, inner Invoker, target any, args map[string]any) (*Result, error) {
	tracker := Current(ctx)
	tool := ToolName(target)
	tracker.Record(t.name + ":" + tool)

	start := time.Now()
	res, err := inner.CallTool(ctx, target, args)
	if err != nil {
		tracker.Record(t.name + ":call_failed")
	}
	t.report(Call{Plugin: t.name, Tool: tool, Level: LevelPlugin, Duration: time.Since(start), Err: err})
	return res, err
}

func (t *trackedPlugin) invokeSession(ctx context.Context, inner SessionInvoker, tool any, args map[string]any) (*Result, error) {
	tracker := Current(ctx)
	name := ToolName(tool)
	tracker.Record(t.name + "." + name + "." + SummarizeArgs(args))

	start := time.Now()
	res, err := inner.CallSessionTool(ctx, tool, args)
	if err != nil {
		tracker.Record(t.name + ":call_failed")
	}
	t.report(Call{Plugin: t.name, Tool: name, Level: LevelSession, Duration: time.Since(start), Err: err})
	return res, err
}

func (t *trackedPlugin) report(c Call) {
	if c.Err != nil {
		t.opts.logger.Warn("tool call failed",
			"plugin", c.Plugin,
			"tool", c.Tool,
			"level", c.Level,
			"error", c.Err)
	} else {
		t.opts.logger.Debug("tool call",
			"plugin", c.Plugin,
			"tool", c.Tool,
			"level", c.Level,
			"duration_ms", c.Duration.Milliseconds())
	}
	if t.opts.observer != nil {
		t.opts.observer(c)
	}
}

type trackedInvoker struct {
	*trackedPlugin
	inner Invoker
}

func (w *trackedInvoker) CallTool(ctx context.Context, target any, args map[string]any) (*Result, error) {
	return w.invoke(ctx, w.inner, target, args)
}

type trackedSessionInvoker struct {
	*trackedPlugin
	inner SessionInvoker
}

func (w *trackedSessionInvoker) CallSessionTool(ctx context.Context, tool any, args map[string]any) (*Result, error) {
	return w.invokeSession(ctx, w.inner, tool, args)
}

type trackedFull struct {
	*trackedPlugin
	inv  Invoker
	sess SessionInvoker
}

func (w *trackedFull) CallTool(ctx context.Context, target any, args map[string]any) (*Result, error) {
	return w.invoke(ctx, w.inv, target, args)
}

func (w *trackedFull) CallSessionTool(ctx context.Context, tool any, args map[string]any) (*Result, error) {
	return w.invokeSession(ctx, w.sess, tool, args)
}

func pluginName(p Plugin) string {
	if name := strings.TrimSpace(p.Name()); name != "" {
		return name
	}
	return fmt.Sprintf("%T", p)
}

// ToolName derives a tool name from an invocation target: a string is used
// as is, otherwise a Method, ToolName or Name accessor (or map key) is
// consulted, falling back to a generic representation.
func ToolName(target any) string {
	switch v := target.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"method", "tool", "name"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		return formatValue(v)
	}
	if v, ok := target.(interface{ Method() string }); ok {
		if s := v.Method(); s != "" {
			return s
		}
	}
	if v, ok := target.(interface{ ToolName() string }); ok {
		if s := v.ToolName(); s != "" {
			return s
		}
	}
	if v, ok := target.(interface{ Name() string }); ok {
		if s := v.Name(); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%v", target)
}

// SummarizeArgs renders arguments as "key: value" pairs sorted by key.
func SummarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+formatValue(args[k]))
	}
	return strings.Join(parts, ",")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case nil:
		return "null"
	}
	if raw, err := json.Marshal(v); err == nil {
		return string(raw)
	}
	return fmt.Sprintf("%v", v)
}
