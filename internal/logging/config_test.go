package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) got=%v ok=%v want=%v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level accepted")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("empty level accepted")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "1")
	t.Setenv(EnvLogJSON, "true")

	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp || !cfg.NoColor || !cfg.JSON {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvLogLevel, "very")
	t.Setenv(EnvLogTimestamp, "maybe")

	cfg := DefaultConfig(ProfileTest)
	ApplyEnvOverrides(&cfg)
	if cfg.Level != zerolog.DebugLevel || cfg.Timestamp {
		t.Fatalf("garbage env changed config: %+v", cfg)
	}
}

func TestInstallJSONWithComponent(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Install(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	logger := Component("session")
	logger.Info().Str("state", "authenticated").Msg("state change")
	logger.Debug().Msg("suppressed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["component"] != "session" || entry["state"] != "authenticated" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
