package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiche/internal/log"
)

func TestJSONOutputCarriesAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(log.Config{Level: slog.LevelDebug, Format: log.FormatJSON, Output: &buf})
	l.With("run_id", "r1").Info(context.Background(), "computed", "task", "base")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "computed", rec["msg"])
	assert.Equal(t, "r1", rec["run_id"])
	assert.Equal(t, "base", rec["task"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(log.Config{Level: slog.LevelWarn, Output: &buf})
	l.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
	l.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParse(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, log.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("nope"))
	assert.Equal(t, log.FormatJSON, log.ParseFormat("json"))
	assert.Equal(t, log.FormatText, log.ParseFormat("console"))
}
