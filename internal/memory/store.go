package memory

import (
	"context"
	"log/slog"
)

// Options configures a ConversationStore.
type Options struct {
	// WindowSize is the default number of messages a memory keeps; <= 0 means DefaultWindowSize.
	WindowSize int
	Logger     *slog.Logger
	// OnLoadFailure is invoked after a window load fails and has been absorbed.
	OnLoadFailure func(sessionID string, err error)
}

// ConversationStore binds session ids to ConversationMemory instances over a
// shared DocumentStore.
type ConversationStore struct {
	docs          DocumentStore
	windowSize    int
	logger        *slog.Logger
	onLoadFailure func(string, error)
}

func NewConversationStore(docs DocumentStore, opts Options) *ConversationStore {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ConversationStore{
		docs:          docs,
		windowSize:    opts.WindowSize,
		logger:        opts.Logger.With("component", "memory"),
		onLoadFailure: opts.OnLoadFailure,
	}
}

func (s *ConversationStore) WindowSize() int { return s.windowSize }

// Backend reports the underlying document store kind.
func (s *ConversationStore) Backend() string { return BackendName(s.docs) }

// Open returns a memory for sessionID with its window loaded. maxItems <= 0
// uses the store default. A failed load is logged and yields an empty window;
// it never fails the caller.
func (s *ConversationStore) Open(ctx context.Context, sessionID string, maxItems int) *ConversationMemory {
	if maxItems <= 0 {
		maxItems = s.windowSize
	}
	mem := newConversationMemory(s.docs, sessionID, maxItems, s.logger)
	if err := mem.LoadWindow(ctx); err != nil {
		s.logger.Warn("failed to load conversation window",
			"session_id", sessionID,
			"error", err)
		if s.onLoadFailure != nil {
			s.onLoadFailure(sessionID, err)
		}
	}
	return mem
}

// History returns up to limit of the most recent durable messages for a
// session, oldest first. Unlike Open, read failures are returned.
func (s *ConversationStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.windowSize
	}
	mem := newConversationMemory(s.docs, sessionID, limit, s.logger)
	if err := mem.LoadWindow(ctx); err != nil {
		return nil, err
	}
	return mem.Messages(), nil
}

func (s *ConversationStore) Close() error {
	return s.docs.Close()
}
