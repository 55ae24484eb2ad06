package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ent0n29/agentchat/internal/config"
	"github.com/ent0n29/agentchat/internal/policy"
)

// NewLogger builds the process logger from APP_LOG_LEVEL and APP_LOG_FORMAT.
// Attribute values are passed through the policy redactor.
func NewLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.LogLevel),
		ReplaceAttr: policy.ReplaceAttr,
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", "agentchat")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
