package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wireerrors "github.com/capwire/capwire-go/pkg/errors"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())

	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	buf.Reset()
	logger.SetLevel(DebugLevel)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	buf.Reset()
	logger.SetLevel(ErrorLevel)
	logger.Warn("suppressed")
	logger.Error("critical")
	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "critical")
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter()).
		WithFields(String("connection_id", "c-1")).
		WithFields(Int("attempt", 2))

	logger.Info("dialing", Duration("elapsed", 150*time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "connection_id=c-1")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "elapsed=150ms")
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, NewTextFormatter())
	_ = parent.WithFields(String("child", "only"))

	parent.Info("from parent")
	assert.NotContains(t, buf.String(), "child=only")
}

func TestWithErrorAddsEngineFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())

	err := wireerrors.TimeoutError("req-9").WithContext(&wireerrors.Context{
		ConnectionID: "c-7",
		Method:       "tools/call",
	})
	logger.WithError(err).Warn("call gave up")

	out := buf.String()
	assert.Contains(t, out, "error_code=-32005")
	assert.Contains(t, out, "error_category=timeout")
	assert.Contains(t, out, "connection_id=c-7")
	assert.Contains(t, out, "method=tools/call")
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewJSONFormatter())
	logger.Info("request served", String("method", "ping"), Bool("ok", true))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "request served", entry["msg"])
	assert.Equal(t, "ping", entry["method"])
	assert.Equal(t, true, entry["ok"])
	assert.NotEmpty(t, entry["ts"])
}

func TestJSONFormatterFlattensErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewJSONFormatter())
	logger.Error("boom", ErrorField(wireerrors.InternalError("cause")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, isString := entry["error"].(string)
	assert.True(t, isString)
}

func TestTextFormatterLayout(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, NewTextFormatter())
	logger.Info("hello")

	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "hello")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestNoopLoggerDiscards(t *testing.T) {
	logger := NewNoopLogger()
	logger.Info("nothing happens")
	assert.Equal(t, logger, logger.WithFields(String("k", "v")))
	assert.Equal(t, logger, logger.WithError(wireerrors.InternalError("x")))
}
