package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest  MessageType = "chat_request"
	TypeChatCancel   MessageType = "chat_cancel"
	TypeChatFragment MessageType = "chat_fragment"
	TypeChatResponse MessageType = "chat_response"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatRequest asks for one chat turn. RequestID is echoed on every frame the
// server sends for the turn.
type ChatRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	SessionID string      `json:"session_id"`
	ChatInput string      `json:"chat_input"`
	UserName  string      `json:"user_name,omitempty"`
}

// ChatCancel aborts the in-flight turn for the connection.
type ChatCancel struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type ChatFragment struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Seq       int         `json:"seq"`
	Text      string      `json:"text"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	RequestID  string      `json:"request_id,omitempty"`
	Answer     string      `json:"answer"`
	UsedTools  []string    `json:"used_tools"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Status    int         `json:"status"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, errors.New("invalid chat_request: session_id is required")
		}
		return msg, nil
	case TypeChatCancel:
		var msg ChatCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
