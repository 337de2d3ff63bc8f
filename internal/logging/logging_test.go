package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pylonhq/pylon/internal/config"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.Logging{Level: "debug", Format: "json"}, &buf)

	logger.Info().Str("plugin", "mail").Msg("loaded")

	out := buf.String()
	if !strings.Contains(out, `"plugin":"mail"`) || !strings.Contains(out, `"app":"pylond"`) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.Logging{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("quiet")
	logger.Warn().Msg("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(out, "loud") {
		t.Error("warn record missing")
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.Logging{Level: "shouty", Format: "json"}, &buf)

	logger.Info().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("info record missing under fallback level")
	}
}
