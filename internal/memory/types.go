package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

var (
	// ErrStoreUnavailable marks a failed durable read. Callers degrade to an empty window.
	ErrStoreUnavailable = errors.New("conversation store unavailable")
	// ErrPersistence marks a failed durable write of a message.
	ErrPersistence = errors.New("conversation persistence failed")
	// ErrDuplicateID is returned by a DocumentStore when a document id already exists.
	ErrDuplicateID = errors.New("message id already exists")
	ErrInvalidRole = errors.New("invalid message role")
)

// ParseRole maps a stored role string to a Role, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem, nil
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleTool:
		return RoleTool, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Message is one immutable conversation turn.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Name      string         `json:"name,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	UsedTools []string       `json:"usedTools,omitempty"`
}

func (m Message) clone() Message {
	c := m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.UsedTools != nil {
		c.UsedTools = append([]string(nil), m.UsedTools...)
	}
	return c
}

// Document is the persisted shape of a Message, partitioned by SessionID.
type Document struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Name      *string        `json:"name"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	UsedTools []string       `json:"usedTools"`
}

// WindowQuery selects the most recent MaxItems documents of one session partition.
type WindowQuery struct {
	SessionID string
	MaxItems  int
}

// DocumentStore persists conversation documents keyed by session id.
//
// QueryItems returns documents ordered by timestamp descending, limited to
// q.MaxItems, with only role, content, name, metadata and timestamp populated.
type DocumentStore interface {
	CreateItem(ctx context.Context, doc Document) error
	QueryItems(ctx context.Context, q WindowQuery) ([]Document, error)
	Close() error
}

// PersistenceError reports a message that reached the in-memory window but
// could not be written durably.
type PersistenceError struct {
	SessionID string
	MessageID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message %s for session %s: %v", e.MessageID, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

func toDocument(sessionID string, m Message) Document {
	doc := Document{
		ID:        m.ID,
		SessionID: sessionID,
		Role:      strings.ToLower(string(m.Role)),
		Content:   strings.TrimSpace(m.Content),
		Metadata:  m.Metadata,
		Timestamp: m.Timestamp.UTC(),
		UsedTools: m.UsedTools,
	}
	if m.Name != "" {
		name := m.Name
		doc.Name = &name
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if doc.UsedTools == nil {
		doc.UsedTools = []string{}
	}
	return doc
}

// fromDocument rebuilds a window message. Unknown roles load as user turns.
func fromDocument(doc Document) Message {
	role, err := ParseRole(doc.Role)
	if err != nil {
		role = RoleUser
	}
	m := Message{
		ID:        doc.ID,
		Role:      role,
		Content:   doc.Content,
		Metadata:  doc.Metadata,
		Timestamp: doc.Timestamp.UTC(),
		UsedTools: doc.UsedTools,
	}
	if doc.Name != nil {
		m.Name = *doc.Name
	}
	return m
}

// windowProjection keeps the fields selected by the window query.
func windowProjection(doc Document) Document {
	return Document{
		Role:      doc.Role,
		Content:   doc.Content,
		Name:      doc.Name,
		Metadata:  doc.Metadata,
		Timestamp: doc.Timestamp,
	}
}
