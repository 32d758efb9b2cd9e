package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("delivering", "webhook_secret", "hunter2", "X-Signature", "sha256=abc", "url", "https://example.com")

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sha256=abc")
	assert.Contains(t, out, "https://example.com")
	assert.Equal(t, 2, strings.Count(out, "[REDACTED]"))
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "text", Output: &buf})

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_WithErrorAndContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	ctx := context.WithValue(context.Background(), ContextKeyRequestID, "req-42")
	log.WithContext(ctx).WithError(errors.New("boom")).Error("failed")

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestContextRoundTrip(t *testing.T) {
	log := NewNop()
	ctx := ToContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestSamplingHandler(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{
		Level:    "info",
		Format:   "json",
		Output:   &buf,
		Sampling: SamplingConfig{Enabled: true, Tick: time.Hour, Threshold: 3},
	})

	for i := 0; i < 10; i++ {
		log.Info("poll tick")
	}
	for i := 0; i < 5; i++ {
		log.Warn("store unreachable")
	}
	log.With("component", "dispatcher").Info("poll tick")

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "poll tick"))
	assert.Equal(t, 5, strings.Count(out, "store unreachable"))
}

func TestSamplingHandler_WindowResets(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	state := &samplingState{counters: map[string]uint64{}, now: func() time.Time { return now }}
	cfg := SamplingConfig{Enabled: true, Tick: time.Second, Threshold: 1}

	assert.True(t, state.allow("k", cfg))
	assert.False(t, state.allow("k", cfg))

	now = base.Add(2 * time.Second)
	assert.True(t, state.allow("k", cfg))
}
