package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default("/var/lib/synapse")

	if cfg.DBPath != filepath.Join("/var/lib/synapse", "engine.db") {
		t.Fatalf("db path = %s", cfg.DBPath)
	}
	if cfg.ToolsDir != filepath.Join("/var/lib/synapse", "tools") {
		t.Fatalf("tools dir = %s", cfg.ToolsDir)
	}
	if cfg.EmbedProvider != "local" {
		t.Fatalf("embed provider = %s", cfg.EmbedProvider)
	}
	if cfg.HTTPAddr != ":8713" {
		t.Fatalf("http addr = %s", cfg.HTTPAddr)
	}
	if cfg.MaxDepth != 8 || cfg.MaxCodegenRetries != 5 || cfg.MaxRetryAttempts != 3 {
		t.Fatalf("pipeline limits = %d/%d/%d", cfg.MaxDepth, cfg.MaxCodegenRetries, cfg.MaxRetryAttempts)
	}
	if cfg.ConfidenceThreshold != 0.80 {
		t.Fatalf("confidence threshold = %v", cfg.ConfidenceThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDefaultEmptyDataDir(t *testing.T) {
	cfg := Default("")
	if cfg.DataDir != ".synapse" {
		t.Fatalf("data dir = %s", cfg.DataDir)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SYNAPSE_DATA_DIR", dir)
	t.Setenv("SYNAPSE_LLM_MODEL", "test-model")
	t.Setenv("SYNAPSE_LLM_TIMEOUT", "30s")
	t.Setenv("SYNAPSE_ROLLUP_INTERVAL", "90")
	t.Setenv("SYNAPSE_ENABLE_AUTO_IMPROVEMENT", "true")
	t.Setenv("SYNAPSE_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("SYNAPSE_ALERT_THRESHOLD", "0.75")
	t.Setenv("SYNAPSE_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("SYNAPSE_AUTH_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("data dir = %s", cfg.DataDir)
	}
	if cfg.LLMModel != "test-model" {
		t.Fatalf("llm model = %s", cfg.LLMModel)
	}
	if cfg.LLMTimeout != 30*time.Second {
		t.Fatalf("llm timeout = %s", cfg.LLMTimeout)
	}
	// Plain integers are read as seconds.
	if cfg.RollupInterval != 90*time.Second {
		t.Fatalf("rollup interval = %s", cfg.RollupInterval)
	}
	if !cfg.EnableAutoImprovement {
		t.Fatal("auto improvement flag not applied")
	}
	if cfg.ConfidenceThreshold != 0.9 {
		t.Fatalf("confidence threshold = %v", cfg.ConfidenceThreshold)
	}
	if cfg.AlertThreshold != 0.75 {
		t.Fatalf("alert threshold = %v", cfg.AlertThreshold)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.AuthToken != "secret" {
		t.Fatalf("http settings = %s / %q", cfg.HTTPAddr, cfg.AuthToken)
	}
}

func TestLoadRejectsBadProvider(t *testing.T) {
	t.Setenv("SYNAPSE_DATA_DIR", t.TempDir())
	t.Setenv("SYNAPSE_EMBED_PROVIDER", "quantum")
	if _, err := Load(); err == nil {
		t.Fatal("unsupported provider accepted")
	}
}

func TestValidate(t *testing.T) {
	base := Default(t.TempDir())

	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"missing db path", func(c *Config) { c.DBPath = "" }, false},
		{"missing tools dir", func(c *Config) { c.ToolsDir = "" }, false},
		{"zero depth", func(c *Config) { c.MaxDepth = 0 }, false},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }, false},
		{"negative threshold", func(c *Config) { c.ConfidenceThreshold = -0.1 }, false},
		{"zero alert threshold", func(c *Config) { c.AlertThreshold = 0 }, false},
		{"alert threshold above one", func(c *Config) { c.AlertThreshold = 1.1 }, false},
		{"ollama provider", func(c *Config) { c.EmbedProvider = "ollama" }, true},
		{"genai provider", func(c *Config) { c.EmbedProvider = "genai" }, true},
		{"unknown provider", func(c *Config) { c.EmbedProvider = "quantum" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBackupsDirSiblingOfTools(t *testing.T) {
	cfg := Default("/data")
	want := filepath.Join("/data", "backups")
	if got := cfg.BackupsDir(); got != want {
		t.Fatalf("backups dir = %s, want %s", got, want)
	}
}
