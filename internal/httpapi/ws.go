package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentchat/internal/agent"
	"github.com/ent0n29/agentchat/internal/chat"
	"github.com/ent0n29/agentchat/internal/protocol"
	"github.com/ent0n29/agentchat/internal/reliability"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second

	// statusClientClosedRequest marks a turn the client cancelled.
	statusClientClosedRequest = 499
)

// wsConn serializes writes for one websocket and tracks its in-flight turn.
type wsConn struct {
	outbound chan any
	ctx      context.Context

	mu         sync.Mutex
	turnID     string
	cancelTurn context.CancelFunc
	canceled   bool
	turns      sync.WaitGroup
}

// send queues a frame for the writer; it gives up once the connection closes.
func (c *wsConn) send(msg any) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.outbound <- msg:
		return nil
	}
}

// begin claims the connection for a new turn. It fails while another turn runs.
func (c *wsConn) begin(requestID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn != nil {
		return false
	}
	c.turnID = requestID
	c.cancelTurn = cancel
	c.canceled = false
	c.turns.Add(1)
	return true
}

func (c *wsConn) end() {
	c.mu.Lock()
	if c.cancelTurn != nil {
		c.cancelTurn()
	}
	c.turnID = ""
	c.cancelTurn = nil
	c.canceled = false
	c.mu.Unlock()
	c.turns.Done()
}

// cancel aborts the in-flight turn when requestID matches it or is empty.
func (c *wsConn) cancel(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn == nil || (requestID != "" && requestID != c.turnID) {
		return false
	}
	c.canceled = true
	c.cancelTurn()
	return true
}

// canceledByClient reports whether chat_cancel stopped the current turn.
func (c *wsConn) canceledByClient() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil || !s.chat.Ready() {
		respondError(w, http.StatusServiceUnavailable, "agent_unavailable", chat.ErrAgentUnavailable.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{outbound: make(chan any, 256), ctx: ctx}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.logger.Debug("websocket write failed", "error", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	_ = c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"})

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = c.send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Status: http.StatusBadRequest,
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.ChatRequest:
			s.startTurn(c, msg)
		case protocol.ChatCancel:
			c.cancel(msg.RequestID)
		}
	}

	cancel()
	c.turns.Wait()
	<-writerDone
}

func (s *Server) startTurn(c *wsConn, req protocol.ChatRequest) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	turnCtx, cancelTurn := context.WithTimeout(c.ctx, s.requestTimeout())
	if !c.begin(req.RequestID, cancelTurn) {
		cancelTurn()
		_ = c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Code:      "turn_in_progress",
			Status:    http.StatusConflict,
			Source:    "gateway",
			Retryable: true,
			Detail:    "a chat turn is already running on this connection",
		})
		return
	}

	go func() {
		defer c.end()
		s.runTurn(turnCtx, c, req)
	}()
}

func (s *Server) runTurn(ctx context.Context, c *wsConn, req protocol.ChatRequest) {
	seq := 0
	resp, err := s.chat.Ask(ctx, chat.Request{
		SessionID: req.SessionID,
		ChatInput: req.ChatInput,
		UserName:  req.UserName,
	}, func(f agent.Fragment) error {
		text := f.String()
		if text == "" {
			return nil
		}
		seq++
		return c.send(protocol.ChatFragment{
			Type:      protocol.TypeChatFragment,
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Seq:       seq,
			Text:      text,
		})
	})
	if err != nil && errors.Is(err, context.Canceled) && c.canceledByClient() {
		_ = c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Code:      "turn_canceled",
			Status:    statusClientClosedRequest,
			Source:    "chat",
			Detail:    context.Canceled.Error(),
		})
		return
	}
	if err != nil {
		status, code, message := s.errorDetails(err)
		_ = c.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: req.SessionID,
			RequestID: req.RequestID,
			Code:      code,
			Status:    status,
			Source:    "chat",
			Retryable: reliability.IsRetryableHTTPStatus(status),
			Detail:    message,
		})
		return
	}

	out := protocol.ChatResponse{
		Type:      protocol.TypeChatResponse,
		SessionID: resp.SessionID,
		RequestID: req.RequestID,
		Answer:    resp.Answer,
		UsedTools: resp.UsedTools,
	}
	if resp.TokenUsage != nil {
		out.TokenUsage = &protocol.TokenUsage{
			PromptTokens:     resp.TokenUsage.PromptTokens,
			CompletionTokens: resp.TokenUsage.CompletionTokens,
			TotalTokens:      resp.TokenUsage.TotalTokens,
		}
	}
	_ = c.send(out)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatRequest:
		return m.Type, true
	case protocol.ChatCancel:
		return m.Type, true
	case protocol.ChatFragment:
		return m.Type, true
	case protocol.ChatResponse:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
