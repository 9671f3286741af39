package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Language != "en-US" {
		t.Fatalf("expected default language en-US, got %q", cfg.STT.Language)
	}
	if cfg.Attempts.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.Attempts.MaxAttempts)
	}
	if cfg.Journal.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default, got %q", cfg.Journal.RetentionMode)
	}
	if len(cfg.Bus.Servers) != 0 {
		t.Fatalf("expected bus disabled by default, got %v", cfg.Bus.Servers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listen.yaml")
	data := `capture:
  source: command
  command: arecord -q -f S16_LE -r 16000 -c 1 -t raw
  pause_ms: 600
stt:
  language: de-DE
attempts:
  max_attempts: 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Capture.Source != "command" || cfg.Capture.PauseMS != 600 {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected unset keys to keep defaults, got sample rate %d", cfg.Capture.SampleRate)
	}
	if cfg.STT.Language != "de-DE" {
		t.Fatalf("expected language override, got %q", cfg.STT.Language)
	}
	if cfg.Attempts.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.Attempts.MaxAttempts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_STT_API_KEY", "test-key")
	t.Setenv("LOQA_STT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_CAPTURE_ENERGY_THRESHOLD", "450.5")
	t.Setenv("LOQA_CAPTURE_DYNAMIC_ENERGY", "false")
	t.Setenv("LOQA_ATTEMPTS_MAX", "2")
	t.Setenv("LOQA_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_JOURNAL_MAX_RUNS", "12")
	t.Setenv("LOQA_BUS_EMBEDDED", "true")
	t.Setenv("LOQA_BUS_PORT", "14222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure || !cfg.Bus.Embedded || cfg.Bus.Port != 14222 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
	if cfg.STT.APIKey != "test-key" || cfg.STT.TimeoutMS != 5000 {
		t.Fatalf("expected stt overrides, got %+v", cfg.STT)
	}
	if cfg.Capture.EnergyThreshold != 450.5 {
		t.Fatalf("expected energy threshold override, got %v", cfg.Capture.EnergyThreshold)
	}
	if cfg.Capture.DynamicEnergy {
		t.Fatal("expected dynamic energy disabled")
	}
	if cfg.Attempts.MaxAttempts != 2 {
		t.Fatalf("expected attempts override, got %d", cfg.Attempts.MaxAttempts)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.MaxRuns != 12 {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero attempts":       func(c *Config) { c.Attempts.MaxAttempts = 0 },
		"command w/o command": func(c *Config) { c.Capture.Source = "command" },
		"file w/o file":       func(c *Config) { c.Capture.Source = "file" },
		"unknown source":      func(c *Config) { c.Capture.Source = "bluetooth" },
		"empty language":      func(c *Config) { c.STT.Language = "" },
		"bad retention":       func(c *Config) { c.Journal.RetentionMode = "forever" },
		"bad damping":         func(c *Config) { c.Capture.DynamicDamping = 1.5 },
		"bad log level":       func(c *Config) { c.Telemetry.LogLevel = "chatty" },
		"bad embedded port":   func(c *Config) { c.Bus = BusConfig{Embedded: true, Port: 70000} },
		"non speaking > pause": func(c *Config) {
			c.Capture.NonSpeakingMS = c.Capture.PauseMS + 1
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
