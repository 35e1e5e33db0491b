package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mattsolo1/grove-narrative/pkg/orchestration"
)

//go:generate sh -c "cd .. && go run ./tools/schema-generator/"

// DefaultConfigFile is read from the working directory when --config is not
// given.
const DefaultConfigFile = "narrate.yml"

// StateConfig selects the durable medium behind the state store.
type StateConfig struct {
	// Backend is file, sqlite, postgres or memory.
	Backend string `yaml:"backend" env:"NARRATE_STATE_BACKEND"`
	Dir     string `yaml:"dir" env:"NARRATE_STATE_DIR"`
	// DSN is a sqlite path or a postgres connection string.
	DSN string `yaml:"dsn" env:"NARRATE_STATE_DSN"`
}

// GenerationConfig selects the text-generation backend.
type GenerationConfig struct {
	// Backend is llm, gemini or none.
	Backend   string `yaml:"backend" env:"NARRATE_GENERATION_BACKEND"`
	Model     string `yaml:"model" env:"NARRATE_MODEL"`
	LLMBinary string `yaml:"llm_binary" env:"NARRATE_LLM_BINARY"`
	APIKey    string `yaml:"-" env:"GEMINI_API_KEY"`
}

// CommandsConfig configures bot command bridges.
type CommandsConfig struct {
	// Binaries maps platform name to a bridge executable.
	Binaries   map[string]string `yaml:"binaries"`
	MQTTBroker string            `yaml:"mqtt_broker" env:"NARRATE_MQTT_BROKER"`
	MQTTPrefix string            `yaml:"mqtt_prefix" env:"NARRATE_MQTT_PREFIX"`
}

// TablesConfig points at the structured-data database.
type TablesConfig struct {
	DB string `yaml:"db" env:"NARRATE_TABLES_DB"`
}

// RunConfig tunes the orchestrator.
type RunConfig struct {
	CompactionThreshold int           `yaml:"compaction_threshold" env:"NARRATE_COMPACTION_THRESHOLD"`
	CallTimeout         time.Duration `yaml:"call_timeout" env:"NARRATE_CALL_TIMEOUT"`
	MaxParallelInputs   int           `yaml:"max_parallel_inputs" env:"NARRATE_MAX_PARALLEL_INPUTS"`
	StrictEnv           bool          `yaml:"strict_env" env:"NARRATE_STRICT_ENV"`
}

// AppConfig is the narrate.yml document overlaid by environment variables.
type AppConfig struct {
	// Narratives lists definition files or directories.
	Narratives []string         `yaml:"narratives"`
	State      StateConfig      `yaml:"state"`
	Generation GenerationConfig `yaml:"generation"`
	Commands   CommandsConfig   `yaml:"commands"`
	Tables     TablesConfig     `yaml:"tables"`
	Run        RunConfig        `yaml:"run"`
}

// loadAppConfig reads path (or narrate.yml when path is empty and the file
// exists), then applies environment overrides and defaults.
func loadAppConfig(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		resolveRelative(cfg, filepath.Dir(path))
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func resolveRelative(cfg *AppConfig, base string) {
	for i, p := range cfg.Narratives {
		if !filepath.IsAbs(p) {
			cfg.Narratives[i] = filepath.Join(base, p)
		}
	}
}

func (c *AppConfig) applyDefaults() {
	if len(c.Narratives) == 0 {
		c.Narratives = []string{"narratives"}
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Dir == "" {
		c.State.Dir = filepath.Join(".narrate", "state")
	}
	if c.Generation.Backend == "" {
		c.Generation.Backend = "llm"
	}
	if c.Commands.MQTTPrefix == "" {
		c.Commands.MQTTPrefix = "narrate"
	}
	if c.Run.CompactionThreshold <= 0 {
		c.Run.CompactionThreshold = orchestration.DefaultCompactionThreshold
	}
	if c.Run.MaxParallelInputs <= 0 {
		c.Run.MaxParallelInputs = 4
	}
}

func (c *AppConfig) orchestratorConfig() *orchestration.OrchestratorConfig {
	return &orchestration.OrchestratorConfig{
		CompactionThreshold: c.Run.CompactionThreshold,
		CallTimeout:         c.Run.CallTimeout,
		MaxParallelInputs:   c.Run.MaxParallelInputs,
		StrictEnv:           c.Run.StrictEnv,
		DefaultModel:        c.Generation.Model,
	}
}
