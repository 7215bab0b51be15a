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
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "auto").Info("synced", "book", "b1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "synced", rec["msg"])
	assert.Equal(t, "b1", rec["book"])
}

func TestNew_TextWhenRequested(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info("synced")
	assert.True(t, strings.Contains(buf.String(), "msg=synced"))
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "warn", "json").Info("hidden")
	assert.Empty(t, buf.String())
}
