package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	grovelogging "github.com/mattsolo1/grove-core/logging"

	"github.com/mattsolo1/grove-narrative/pkg/exec"
	"github.com/mattsolo1/grove-narrative/pkg/generation"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/orchestration"
	"github.com/mattsolo1/grove-narrative/pkg/state"
	"github.com/mattsolo1/grove-narrative/pkg/table"
)

var cliLog = grovelogging.NewLogger("grove-narrative")

// engine holds everything a run needs; close releases it.
type engine struct {
	config  *AppConfig
	library *narrative.Library
	store   *state.Store
	orch    *orchestration.Orchestrator
	closers []func() error
}

func (r *engine) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg StateConfig) (*state.Store, error) {
	var backend state.Backend
	switch cfg.Backend {
	case "file":
		backend = state.NewFileBackend(cfg.Dir)
	case "memory":
		backend = state.NewMemoryBackend()
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Dir + "/state.db"
		}
		b, err := state.OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		backend = b
	case "postgres":
		b, err := state.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown state backend %q (expected file, sqlite, postgres or memory)", cfg.Backend)
	}
	cliLog.WithField("backend", cfg.Backend).Debug("Opened state store")
	return state.NewStore(backend), nil
}

func openGenerator(ctx context.Context, cfg GenerationConfig) (generation.Backend, error) {
	switch cfg.Backend {
	case "llm":
		return generation.NewCommandBackend(cfg.LLMBinary), nil
	case "gemini":
		return generation.NewGeminiBackend(ctx, cfg.APIKey, cfg.Model)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown generation backend %q (expected llm, gemini or none)", cfg.Backend)
}

// openCommands prefers the MQTT bridge when a broker is configured. Every
// executor is wrapped in a cache so cache_for works.
func openCommands(cfg CommandsConfig) (exec.CommandExecutor, func() error, error) {
	if cfg.MQTTBroker != "" {
		m, err := exec.DialMQTT(exec.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: "narrate-" + uuid.NewString()[:8],
			Prefix:   cfg.MQTTPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return exec.NewCachingExecutor(m), m.Close, nil
	}
	return exec.NewCachingExecutor(exec.NewProcessExecutor(cfg.Binaries)), func() error { return nil }, nil
}

func openTables(ctx context.Context, cfg TablesConfig) (table.QueryExecutor, func() error, error) {
	if cfg.DB == "" {
		return nil, func() error { return nil }, nil
	}
	t, err := table.OpenSQLite(ctx, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}

// loadLibrary reads definition documents from files, falling back to the
// configured paths.
func loadLibrary(cfg *AppConfig, files []string) (*narrative.Library, error) {
	if len(files) == 0 {
		files = cfg.Narratives
	}
	lib, err := narrative.LoadLibrary(files...)
	if err != nil {
		return nil, fmt.Errorf("load narratives: %w", err)
	}
	return lib, nil
}

// newEngine wires the configured collaborators into an orchestrator.
func newEngine(ctx context.Context, configPath string, files []string) (*engine, error) {
	cfg, err := loadAppConfig(configPath)
	if err != nil {
		return nil, err
	}
	rt := &engine{config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.close()
		}
	}()

	if rt.library, err = loadLibrary(cfg, files); err != nil {
		return nil, err
	}
	if rt.store, err = openStore(ctx, cfg.State); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Backend().Close)

	generator, err := openGenerator(ctx, cfg.Generation)
	if err != nil {
		return nil, err
	}
	commands, closeCommands, err := openCommands(cfg.Commands)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeCommands)
	tables, closeTables, err := openTables(ctx, cfg.Tables)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closeTables)

	rt.orch, err = orchestration.NewOrchestrator(rt.library, rt.store, orchestration.Collaborators{
		Generator: generator,
		Commands:  commands,
		Tables:    tables,
	}, cfg.orchestratorConfig())
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}
