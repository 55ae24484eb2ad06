package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timestampResolution matches the coarsest backend (Postgres TIMESTAMPTZ).
const timestampResolution = time.Microsecond

// ConversationMemory holds the chronological window of one session and
// appends new turns durably.
type ConversationMemory struct {
	store     DocumentStore
	sessionID string
	maxItems  int
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	window []Message
}

func newConversationMemory(store DocumentStore, sessionID string, maxItems int, logger *slog.Logger) *ConversationMemory {
	if maxItems <= 0 {
		maxItems = DefaultWindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationMemory{
		store:     store,
		sessionID: sessionID,
		maxItems:  maxItems,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *ConversationMemory) SessionID() string { return m.sessionID }

func (m *ConversationMemory) MaxItems() int { return m.maxItems }

// LoadWindow replaces the window with the most recent MaxItems durable
// messages in chronological order. On failure the window is left empty and
// the returned error matches ErrStoreUnavailable.
func (m *ConversationMemory) LoadWindow(ctx context.Context) error {
	docs, err := m.store.QueryItems(ctx, WindowQuery{SessionID: m.sessionID, MaxItems: m.maxItems})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = nil
	if err != nil {
		return fmt.Errorf("%w: load session %s: %w", ErrStoreUnavailable, m.sessionID, err)
	}
	if len(docs) > m.maxItems {
		docs = docs[:m.maxItems]
	}

	window := make([]Message, 0, len(docs))
	// Reverse into chronological order for prompt coherence.
	for i := len(docs) - 1; i >= 0; i-- {
		window = append(window, fromDocument(docs[i]))
	}
	m.window = window
	return nil
}

// MessageOption sets optional fields on an appended message.
type MessageOption func(*Message)

func WithName(name string) MessageOption {
	return func(m *Message) { m.Name = strings.TrimSpace(name) }
}

func WithMetadata(md map[string]any) MessageOption {
	return func(m *Message) {
		if len(md) == 0 {
			return
		}
		m.Metadata = make(map[string]any, len(md))
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

func WithUsedTools(tools []string) MessageOption {
	return func(m *Message) {
		if len(tools) == 0 {
			return
		}
		m.UsedTools = append([]string(nil), tools...)
	}
}

// Append adds a message to the window and then writes it durably. A failed
// write rolls the window back and returns a *PersistenceError.
func (m *ConversationMemory) Append(ctx context.Context, role Role, content string, opts ...MessageOption) (Message, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:      uuid.NewString(),
		Role:    role,
		Content: strings.TrimSpace(content),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	m.mu.Lock()
	msg.Timestamp = m.nextTimestampLocked()
	prev := m.window
	next := make([]Message, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, msg)
	if len(next) > m.maxItems {
		next = next[len(next)-m.maxItems:]
	}
	m.window = next
	m.mu.Unlock()

	if err := m.store.CreateItem(ctx, toDocument(m.sessionID, msg)); err != nil {
		m.mu.Lock()
		m.rollbackLocked(msg.ID, prev)
		m.mu.Unlock()
		return Message{}, &PersistenceError{SessionID: m.sessionID, MessageID: msg.ID, Err: err}
	}
	return msg.clone(), nil
}

// rollbackLocked restores the window captured before the failed append, as
// long as no later append has replaced it in the meantime.
func (m *ConversationMemory) rollbackLocked(id string, prev []Message) {
	if n := len(m.window); n > 0 && m.window[n-1].ID == id {
		m.window = prev
		return
	}
	out := m.window[:0:0]
	for _, msg := range m.window {
		if msg.ID != id {
			out = append(out, msg)
		}
	}
	m.window = out
}

// nextTimestampLocked returns a UTC timestamp strictly after the newest
// message in the window.
func (m *ConversationMemory) nextTimestampLocked() time.Time {
	ts := m.now().UTC().Truncate(timestampResolution)
	if n := len(m.window); n > 0 {
		if last := m.window[n-1].Timestamp; !ts.After(last) {
			ts = last.Add(timestampResolution)
		}
	}
	return ts
}

func (m *ConversationMemory) AddUserMessage(ctx context.Context, content string, opts ...MessageOption) (Message, error) {
	return m.Append(ctx, RoleUser, content, opts...)
}

// AddAssistantMessage records an assistant turn together with the tools it used.
func (m *ConversationMemory) AddAssistantMessage(ctx context.Context, content string, usedTools []string, opts ...MessageOption) (Message, error) {
	return m.Append(ctx, RoleAssistant, content, append(opts, WithUsedTools(usedTools))...)
}

func (m *ConversationMemory) AddSystemMessage(ctx context.Context, content string, opts ...MessageOption) (Message, error) {
	return m.Append(ctx, RoleSystem, content, opts...)
}

func (m *ConversationMemory) AddToolMessage(ctx context.Context, content string, opts ...MessageOption) (Message, error) {
	return m.Append(ctx, RoleTool, content, opts...)
}

// Messages returns a snapshot of the window.
func (m *ConversationMemory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.window))
	for i, msg := range m.window {
		out[i] = msg.clone()
	}
	return out
}

func (m *ConversationMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.window)
}

// Clear empties the window. Durable history is untouched.
func (m *ConversationMemory) Clear() {
	m.mu.Lock()
	m.window = nil
	m.mu.Unlock()
}

// Render formats the window one message per line, oldest first.
func (m *ConversationMemory) Render() string {
	return RenderMessages(m.Messages())
}

// RenderMessages formats messages as "role (name): content" lines.
func RenderMessages(msgs []Message) string {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		if msg.Name != "" {
			b.WriteString(" (")
			b.WriteString(msg.Name)
			b.WriteString(")")
		}
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}
