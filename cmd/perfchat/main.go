package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentchat/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	userName       string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

// turnResult is the client-side timing of one replayed turn.
type turnResult struct {
	FirstFragment time.Duration
	Total         time.Duration
	Fragments     int
	UsedTools     []string
	ErrorCode     string
}

var defaultUtterances = []string{
	"Reply in three words: latency bottleneck?",
	"What is the weather in Paris?",
	"Reply in three words: next optimization?",
	"What did I ask you first?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS, interTurnMS, turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "agentchat base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session id for the replay (default: random)")
	fs.StringVar(&cfg.userName, "user-name", "perf-replay", "user name attached to each turn")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&startDelayMS, "start-delay-ms", 0, "delay before the first turn in milliseconds")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for chat_response per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if strings.TrimSpace(cfg.sessionID) == "" {
		cfg.sessionID = "perf-" + uuid.NewString()
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 8*time.Minute)
	defer cancel()

	wsURL, err := chatWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Fprintf(out, "perfchat: session=%s turns=%d\n", cfg.sessionID, cfg.turns)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	frames := make(chan frame, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh)

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		requestID := fmt.Sprintf("turn-%d", i+1)
		req := protocol.ChatRequest{
			Type:      protocol.TypeChatRequest,
			RequestID: requestID,
			SessionID: cfg.sessionID,
			ChatInput: text,
			UserName:  cfg.userName,
		}
		start := time.Now()
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := awaitTurn(frames, readErrCh, requestID, start, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await chat_response: %w", i+1, err)
		}
		results = append(results, res)
		if cfg.verbose {
			if res.ErrorCode != "" {
				fmt.Fprintf(out, "perfchat: turn %d/%d text=%q error=%s total=%s\n", i+1, cfg.turns, text, res.ErrorCode, res.Total.Round(time.Millisecond))
			} else {
				fmt.Fprintf(out, "perfchat: turn %d/%d text=%q first_fragment=%s total=%s tools=%v\n",
					i+1, cfg.turns, text, res.FirstFragment.Round(time.Millisecond), res.Total.Round(time.Millisecond), res.UsedTools)
			}
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Fprintln(out, summarize(results))
	return nil
}

func chatWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}

// frame is the subset of server frames the replay cares about.
type frame struct {
	Type      protocol.MessageType `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Code      string               `json:"code,omitempty"`
	Detail    string               `json:"detail,omitempty"`
	UsedTools []string             `json:"used_tools,omitempty"`
	at        time.Time
}

func readLoop(conn *websocket.Conn, frames chan<- frame, readErrCh chan<- error) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		f.at = time.Now()
		frames <- f
	}
}

func awaitTurn(frames <-chan frame, readErrCh <-chan error, requestID string, start time.Time, timeout time.Duration) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				select {
				case err := <-readErrCh:
					return res, err
				default:
					return res, fmt.Errorf("connection closed")
				}
			}
			if f.RequestID != "" && f.RequestID != requestID {
				continue
			}
			switch f.Type {
			case protocol.TypeChatFragment:
				if res.Fragments == 0 {
					res.FirstFragment = f.at.Sub(start)
				}
				res.Fragments++
			case protocol.TypeChatResponse:
				res.Total = f.at.Sub(start)
				res.UsedTools = f.UsedTools
				return res, nil
			case protocol.TypeErrorEvent:
				if f.RequestID == "" {
					continue
				}
				res.Total = f.at.Sub(start)
				res.ErrorCode = f.Code
				return res, nil
			}
		case <-timer.C:
			return res, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func summarize(results []turnResult) string {
	var totals, firsts []float64
	failed := 0
	for _, r := range results {
		if r.ErrorCode != "" {
			failed++
			continue
		}
		totals = append(totals, float64(r.Total.Microseconds())/1000)
		if r.Fragments > 0 {
			firsts = append(firsts, float64(r.FirstFragment.Microseconds())/1000)
		}
	}
	return fmt.Sprintf("perfchat: turns=%d failed=%d total_p50_ms=%.2f total_p95_ms=%.2f first_fragment_p50_ms=%.2f first_fragment_p95_ms=%.2f",
		len(results), failed,
		quantile(totals, 0.50), quantile(totals, 0.95),
		quantile(firsts, 0.50), quantile(firsts, 0.95))
}

func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
