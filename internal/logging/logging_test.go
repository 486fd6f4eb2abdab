package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestParseLevel(t *testing.T) {
	check.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	check.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	check.Equal(t, slog.LevelError, ParseLevel("error"))
	check.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_WritesJSONAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Info("bid_submitted")
	check.Equal(t, 0, buf.Len())

	logger.With("component", "bid_input").Warn("bid_failed", "kind", "network")
	var line map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	check.Equal(t, "bid_failed", line["msg"])
	check.Equal(t, "bid_input", line["component"])
	check.Equal(t, "network", line["kind"])
}
