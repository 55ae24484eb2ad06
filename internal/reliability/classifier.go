package reliability

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultCode is used when a failure carries no structured error code.
const DefaultCode = "InternalError"

// Kind is a stable error category independent of the agent SDK.
type Kind string

const (
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindBadRequest   Kind = "bad_request"
	KindUnavailable  Kind = "service_unavailable"
	KindInternal     Kind = "internal"
)

// Failure is the normalized payload of an agent invocation failure. Args are
// heterogeneous: maps, raw JSON, or text that may itself hold a JSON object.
type Failure struct {
	Text string
	Args []any
}

// Classification is the classifier result surfaced to the request boundary.
type Classification struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
}

// Retryable reports whether the classified status is worth retrying.
func (c Classification) Retryable() bool {
	return IsRetryableHTTPStatus(c.Status)
}

// FailureArgser is implemented by errors that carry structured payloads.
type FailureArgser interface {
	FailureArgs() []any
}

// FailureFrom normalizes an error into a Failure. Errors in the chain that
// implement FailureArgser contribute their payloads; otherwise the error text
// is the only argument.
func FailureFrom(err error) Failure {
	if err == nil {
		return Failure{}
	}
	f := Failure{Text: err.Error()}
	var fa FailureArgser
	if errors.As(err, &fa) {
		f.Args = append(f.Args, fa.FailureArgs()...)
	}
	f.Args = append(f.Args, err.Error())
	return f
}

// Classify maps a failure to a kind, code, status and message. Only the first
// argument holding an "error" key is consulted; later arguments never
// override it. It never panics on malformed input; anything unrecognized
// falls through to the defaults.
func Classify(f Failure) Classification {
	code := DefaultCode
	message := f.Text

	for _, arg := range f.Args {
		obj, ok := asObject(arg)
		if !ok {
			continue
		}
		rawErr, ok := obj["error"]
		if !ok {
			continue
		}
		errObj, _ := rawErr.(map[string]any)
		if found := ErrorCode(errObj); found != "" {
			code = found
		}
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			message = msg
		}
		break
	}

	status := StatusForCode(code)
	return Classification{
		Kind:    kindForStatus(status),
		Code:    code,
		Status:  status,
		Message: message,
	}
}

// ErrorCode returns error.code, else error.innererror.code, else "".
func ErrorCode(errObj map[string]any) string {
	if c := codeString(errObj["code"]); c != "" {
		return c
	}
	if inner, ok := errObj["innererror"].(map[string]any); ok {
		return codeString(inner["code"])
	}
	return ""
}

// StatusForCode maps an error code to an HTTP status, case-insensitively.
func StatusForCode(code string) int {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "ratelimited", "throttlederror", "429":
		return http.StatusTooManyRequests
	case "unauthorized", "401":
		return http.StatusUnauthorized
	case "forbidden", "403":
		return http.StatusForbidden
	case "badrequest", "invalidrequest", "400":
		return http.StatusBadRequest
	case "serviceunavailable", "503":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusServiceUnavailable:
		return KindUnavailable
	default:
		return KindInternal
	}
}

func asObject(arg any) (map[string]any, bool) {
	switch v := arg.(type) {
	case map[string]any:
		return v, true
	case json.RawMessage:
		return parseObject(string(v))
	case []byte:
		return parseObject(string(v))
	case string:
		return parseObject(v)
	default:
		return nil, false
	}
}

func parseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return strings.TrimSpace(c)
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int:
		return strconv.Itoa(c)
	case json.Number:
		return c.String()
	default:
		return ""
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
