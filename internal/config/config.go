// Package config holds the process-wide configuration for the engine.
// Values come from the environment, with an optional JSON file override
// (<data_dir>/config.json). Components never read the environment directly;
// everything flows through the Config value built at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"synapse/internal/logging"
)

// Config is the single source of runtime configuration.
type Config struct {
	// Storage
	DataDir     string `json:"data_dir"`     // Root for db, cache, logs, backups
	DBPath      string `json:"db_path"`      // SQLite database path
	DBNamespace string `json:"db_namespace"` // Test namespace suffix for table isolation
	ToolsDir    string `json:"tools_dir"`    // Flat directory of tool source files
	CacheDir    string `json:"cache_dir"`    // Pattern cache persistence directory

	// Language model
	LLMEndpoint  string        `json:"llm_endpoint"`
	LLMModel     string        `json:"llm_model"`
	LLMAPIKey    string        `json:"-"`
	LLMTimeout   time.Duration `json:"llm_timeout"`
	MaxPromptLen int           `json:"max_prompt_len"` // Prompt-length guard, bytes

	// Embeddings
	EmbedProvider  string `json:"embed_provider"` // "ollama", "genai" or "local"
	EmbedModel     string `json:"embed_model"`
	OllamaEndpoint string `json:"ollama_endpoint"`
	GenAIAPIKey    string `json:"-"`

	// HTTP surface
	HTTPAddr  string `json:"http_addr"`
	AuthToken string `json:"-"` // Optional bearer token; empty disables auth

	// Background tasks
	InvestigationInterval time.Duration `json:"investigation_interval"`
	RollupInterval        time.Duration `json:"rollup_interval"`

	// Feature flags
	EnableRealImprovements bool    `json:"enable_real_improvements"`
	EnableAutoImprovement  bool    `json:"enable_auto_improvement"`
	ConfidenceThreshold    float64 `json:"confidence_threshold"`
	AlertThreshold         float64 `json:"alert_threshold"`
	MinSampleSize          int     `json:"min_sample_size"`

	// Pipeline limits
	MaxDepth           int `json:"max_depth"`
	MaxCodegenRetries  int `json:"max_codegen_retries"`
	MaxRetryAttempts   int `json:"max_retry_attempts"`
	MaxFallbacks       int `json:"max_fallbacks"`
	MaxAdaptations     int `json:"max_adaptations"`
	SemanticCandidates int `json:"semantic_candidates"` // Stage-1 funnel width
	RankedCandidates   int `json:"ranked_candidates"`   // Stage-2 funnel width

	Logging logging.Config `json:"logging"`
}

// Default returns the baseline configuration rooted at dataDir.
func Default(dataDir string) Config {
	if dataDir == "" {
		dataDir = ".synapse"
	}
	return Config{
		DataDir:  dataDir,
		DBPath:   filepath.Join(dataDir, "engine.db"),
		ToolsDir: filepath.Join(dataDir, "tools"),
		CacheDir: filepath.Join(dataDir, "cache"),

		LLMEndpoint:  "http://localhost:11434/v1",
		LLMModel:     "qwen2.5-coder",
		LLMTimeout:   120 * time.Second,
		MaxPromptLen: 128 * 1024,

		EmbedProvider:  "local",
		OllamaEndpoint: "http://localhost:11434",

		HTTPAddr: ":8713",

		InvestigationInterval: 300 * time.Second,
		RollupInterval:        60 * time.Second,

		ConfidenceThreshold: 0.80,
		AlertThreshold:      0.6,
		MinSampleSize:       5,

		MaxDepth:           8,
		MaxCodegenRetries:  5,
		MaxRetryAttempts:   3,
		MaxFallbacks:       3,
		MaxAdaptations:     2,
		SemanticCandidates: 10,
		RankedCandidates:   5,

		Logging: logging.Config{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the optional JSON file,
// then environment overrides.
func Load() (Config, error) {
	dataDir := os.Getenv("SYNAPSE_DATA_DIR")
	cfg := Default(dataDir)

	// Optional file override
	path := filepath.Join(cfg.DataDir, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from SYNAPSE_* environment variables.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if secs, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(secs) * time.Second
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("SYNAPSE_DB_PATH", &cfg.DBPath)
	setStr("SYNAPSE_DB_NAMESPACE", &cfg.DBNamespace)
	setStr("SYNAPSE_TOOLS_DIR", &cfg.ToolsDir)
	setStr("SYNAPSE_CACHE_DIR", &cfg.CacheDir)

	setStr("SYNAPSE_LLM_ENDPOINT", &cfg.LLMEndpoint)
	setStr("SYNAPSE_LLM_MODEL", &cfg.LLMModel)
	setStr("SYNAPSE_LLM_API_KEY", &cfg.LLMAPIKey)
	setDur("SYNAPSE_LLM_TIMEOUT", &cfg.LLMTimeout)

	setStr("SYNAPSE_EMBED_PROVIDER", &cfg.EmbedProvider)
	setStr("SYNAPSE_EMBED_MODEL", &cfg.EmbedModel)
	setStr("SYNAPSE_OLLAMA_ENDPOINT", &cfg.OllamaEndpoint)
	setStr("SYNAPSE_GENAI_API_KEY", &cfg.GenAIAPIKey)

	setStr("SYNAPSE_HTTP_ADDR", &cfg.HTTPAddr)
	setStr("SYNAPSE_AUTH_TOKEN", &cfg.AuthToken)

	setDur("SYNAPSE_INVESTIGATION_INTERVAL", &cfg.InvestigationInterval)
	setDur("SYNAPSE_ROLLUP_INTERVAL", &cfg.RollupInterval)

	setBool("SYNAPSE_ENABLE_REAL_IMPROVEMENTS", &cfg.EnableRealImprovements)
	setBool("SYNAPSE_ENABLE_AUTO_IMPROVEMENT", &cfg.EnableAutoImprovement)
	setFloat("SYNAPSE_CONFIDENCE_THRESHOLD", &cfg.ConfidenceThreshold)
	setFloat("SYNAPSE_ALERT_THRESHOLD", &cfg.AlertThreshold)

	setBool("SYNAPSE_DEBUG", &cfg.Logging.DebugMode)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path required")
	}
	if c.ToolsDir == "" {
		return fmt.Errorf("tools dir required")
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be positive, got %d", c.MaxDepth)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold out of range: %f", c.ConfidenceThreshold)
	}
	if c.AlertThreshold <= 0 || c.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold out of range: %f", c.AlertThreshold)
	}
	switch c.EmbedProvider {
	case "ollama", "genai", "local":
	default:
		return fmt.Errorf("unsupported embed provider: %s", c.EmbedProvider)
	}
	return nil
}

// BackupsDir returns the sibling backup directory for the tools dir.
func (c Config) BackupsDir() string {
	return filepath.Join(filepath.Dir(c.ToolsDir), "backups")
}
