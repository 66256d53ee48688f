package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestColorHandlerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Writer: &buf, NoColor: true})

	logger.Debug("hidden")
	logger.With("server", "files").Info("server ready", "pid", 42, "command", "npx -y server")
	logger.WithGroup("table").Warn("degraded", "failed", "prompts/list")
	logger.Error("boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	// Strip the timestamp.
	for i, line := range lines {
		_, rest, ok := strings.Cut(line, " ")
		require.True(t, ok)
		lines[i] = rest
	}
	assert.Equal(t, `INF server ready server=files pid=42 command="npx -y server"`, lines[0])
	assert.Equal(t, "WRN degraded table.failed=prompts/list", lines[1])
	assert.Equal(t, "ERR boom", lines[2])
}

func TestColorHandlerColors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelDebug, false))
	logger.Debug("trace")
	assert.Contains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "DBG")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Format: "json", Writer: &buf})
	logger.Debug("routing", "method", "tools/call")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "routing", record["msg"])
	assert.Equal(t, "DEBUG", record["level"])
	assert.Equal(t, "tools/call", record["method"])
}
