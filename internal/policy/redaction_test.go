package policy

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	require.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}

	_, changed = RedactPII("what is the weather in Paris?")
	assert.False(t, changed, "plain text should not be redacted")
}

func TestRedactSecrets(t *testing.T) {
	input := "Authorization: Bearer abc.def-123 key=sk-0123456789abcdefXYZ dsn=postgres://app:hunter2@db:5432/chat"
	out, changed := RedactSecrets(input)
	require.True(t, changed)
	for _, leaked := range []string{"abc.def-123", "sk-0123456789abcdefXYZ", "hunter2"} {
		assert.NotContains(t, out, leaked)
	}
	assert.Contains(t, out, "postgres://app:[REDACTED]@db:5432/chat")
}

func TestReplaceAttrRedactsLogOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: ReplaceAttr}))
	logger.Error("agent invocation failed",
		"session_id", "s1",
		"error", errors.New("upstream said: Bearer secret-token for sam@example.com"),
		"status", 500)

	got := buf.String()
	assert.NotContains(t, got, "secret-token")
	assert.NotContains(t, got, "sam@example.com")
	for _, want := range []string{"session_id=s1", "status=500", "[REDACTED_TOKEN]", "[REDACTED_EMAIL]"} {
		assert.Contains(t, got, want)
	}
}
