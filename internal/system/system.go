// Package system is the single wiring site: it constructs the component
// graph from configuration and owns startup/shutdown order. Components
// receive their peers as references at construction and never reach for
// globals.
package system

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"synapse/internal/config"
	"synapse/internal/discovery"
	"synapse/internal/embedding"
	"synapse/internal/improve"
	"synapse/internal/investigate"
	"synapse/internal/llm"
	"synapse/internal/logging"
	"synapse/internal/neuron"
	"synapse/internal/orchestrator"
	"synapse/internal/pattern"
	"synapse/internal/registry"
	"synapse/internal/sandbox"
	"synapse/internal/store"
	"synapse/internal/types"
)

// System is the running engine: every long-lived component, wired.
type System struct {
	Config       config.Config
	Store        *store.Store
	Versions     *store.VersionManager
	Registry     *registry.Registry
	Watcher      *registry.Watcher
	Discovery    *discovery.Engine
	Cache        *pattern.Cache
	LLM          llm.Client
	Embedder     embedding.Engine
	Orchestrator *orchestrator.Orchestrator
	Investigator *investigate.Investigator
	Monitor      *investigate.Monitor
	Improver     *improve.Improver
}

// Options adjusts wiring for embedders and tests.
type Options struct {
	LLM  llm.Client      // overrides the HTTP client when set
	Sink types.EventSink // optional event collector
}

// Boot constructs and starts the engine. On error, everything already
// opened is closed.
func Boot(cfg config.Config, opts Options) (*System, error) {
	if err := logging.Initialize(cfg.DataDir, cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	logging.Boot("booting engine (data=%s tools=%s)", cfg.DataDir, cfg.ToolsDir)

	sys := &System{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			sys.Close()
		}
	}()

	// Storage. The test namespace suffixes the database filename so suites
	// never share state with a live engine.
	dbPath := cfg.DBPath
	if cfg.DBNamespace != "" && dbPath != ":memory:" {
		ext := filepath.Ext(dbPath)
		dbPath = strings.TrimSuffix(dbPath, ext) + "_" + cfg.DBNamespace + ext
	}
	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sys.Store = st
	sys.Versions = store.NewVersionManager(st)

	// Shared embedder: the pattern cache and discovery must use the same
	// instance so their vector spaces agree.
	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.EmbedProvider,
		OllamaEndpoint: cfg.OllamaEndpoint,
		OllamaModel:    cfg.EmbedModel,
		GenAIAPIKey:    cfg.GenAIAPIKey,
		GenAIModel:     cfg.EmbedModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	sys.Embedder = embedder

	// Language model behind a circuit breaker.
	if opts.LLM != nil {
		sys.LLM = opts.LLM
	} else {
		sys.LLM = llm.NewBreakerClient(llm.New(llm.Config{
			APIKey:       cfg.LLMAPIKey,
			BaseURL:      cfg.LLMEndpoint,
			Model:        cfg.LLMModel,
			Timeout:      cfg.LLMTimeout,
			MaxPromptLen: cfg.MaxPromptLen,
		}))
	}

	// Tool runtime.
	executor := sandbox.NewExecutor()
	sys.Registry = registry.New(cfg.ToolsDir, executor)
	if err := sys.Registry.Refresh(); err != nil {
		return nil, fmt.Errorf("load tool catalogue: %w", err)
	}
	sys.Versions.SetDeployer(sys.Registry)
	sys.Watcher = registry.NewWatcher(sys.Registry)
	if err := sys.Watcher.Start(); err != nil {
		logging.Get(logging.CategoryBoot).Warn("tool watcher unavailable: %v", err)
		sys.Watcher = nil
	}

	// Memory and discovery.
	cache, err := pattern.New(filepath.Join(cfg.CacheDir, "patterns.json"), embedder)
	if err != nil {
		return nil, fmt.Errorf("open pattern cache: %w", err)
	}
	sys.Cache = cache

	sys.Discovery = discovery.New(st, sys.Registry, embedder)
	if err := sys.Discovery.Sync(context.Background()); err != nil {
		return nil, fmt.Errorf("sync discovery index: %w", err)
	}

	// Pipeline.
	sink := opts.Sink
	classifier := neuron.NewClassifier(sys.LLM, cache, sink, 0)
	selector := neuron.NewSelector(sys.LLM, cache, sys.Registry, sink, 0)
	generator := neuron.NewGenerator(sys.LLM, sink)
	validator := neuron.NewValidator()
	responder := neuron.NewResponder(sys.LLM, sink)
	recovery := orchestrator.NewRecovery(sys.LLM, sink, cfg.MaxRetryAttempts, cfg.MaxFallbacks, cfg.MaxAdaptations)

	sys.Orchestrator = orchestrator.New(orchestrator.Config{
		MaxDepth:           cfg.MaxDepth,
		MaxCodegenRetries:  cfg.MaxCodegenRetries,
		SemanticCandidates: cfg.SemanticCandidates,
		RankedCandidates:   cfg.RankedCandidates,
	}, st, sys.Registry, sys.Discovery, classifier, selector, generator, validator, responder, recovery, cache, sink)

	// Autonomy loop.
	sys.Investigator = investigate.New(st)
	sys.Investigator.SetAlertThreshold(cfg.AlertThreshold)
	sys.Monitor = investigate.NewMonitor(sys.Investigator, st, cfg.InvestigationInterval, cfg.RollupInterval)
	forge := neuron.NewForge(sys.LLM, sink)
	sys.Improver = improve.New(improve.Config{
		EnableRealImprovements: cfg.EnableRealImprovements,
		EnableAutoImprovement:  cfg.EnableAutoImprovement,
		ConfidenceThreshold:    cfg.ConfidenceThreshold,
		MinSampleSize:          cfg.MinSampleSize,
		BackupsDir:             cfg.BackupsDir(),
	}, st, sys.Versions, sys.Registry, sys.Investigator, forge)

	ok = true
	logging.Boot("engine ready: %d tools loaded", len(sys.Registry.Names()))
	return sys, nil
}

// StartBackground launches the monitoring schedules. Separate from Boot so
// short-lived CLI invocations skip them.
func (s *System) StartBackground() error {
	return s.Monitor.Start()
}

// Close shuts the engine down in reverse dependency order.
func (s *System) Close() {
	if s.Monitor != nil {
		s.Monitor.Stop()
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			logging.Get(logging.CategoryBoot).Error("close store: %v", err)
		}
	}
	logging.CloseAll()
}
