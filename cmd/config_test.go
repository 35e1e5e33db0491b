package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/orchestration"
)

const greetDoc = `
version: 1
narratives:
  greet:
    model: test-model
    steps: [hello]
    acts:
      hello: "Say hi"
`

// writeProject lays out a config, a narrative directory and a fake llm tool.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "narratives"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narratives", "greet.yml"), []byte(greetDoc), 0o644))

	llm := filepath.Join(dir, "llm")
	require.NoError(t, os.WriteFile(llm, []byte("#!/bin/sh\ncat >/dev/null\necho \"hi from $2\"\n"), 0o755))

	cfg := `
narratives: [narratives]
state:
  backend: file
  dir: ` + filepath.Join(dir, "state") + `
generation:
  backend: llm
  llm_binary: ` + llm + `
run:
  call_timeout: 30s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(cfg), 0o644))
	return dir
}

func TestLoadAppConfig_FileEnvAndDefaults(t *testing.T) {
	dir := writeProject(t)
	t.Setenv("NARRATE_MODEL", "env-model")
	t.Setenv("NARRATE_MAX_PARALLEL_INPUTS", "2")

	cfg, err := loadAppConfig(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "narratives")}, cfg.Narratives)
	assert.Equal(t, "llm", cfg.Generation.Backend)
	assert.Equal(t, "env-model", cfg.Generation.Model)
	assert.Equal(t, 30*time.Second, cfg.Run.CallTimeout)
	assert.Equal(t, 2, cfg.Run.MaxParallelInputs)
	assert.Equal(t, orchestration.DefaultCompactionThreshold, cfg.Run.CompactionThreshold)
	assert.Equal(t, "narrate", cfg.Commands.MQTTPrefix)

	oc := cfg.orchestratorConfig()
	assert.Equal(t, "env-model", oc.DefaultModel)
	assert.Equal(t, 30*time.Second, oc.CallTimeout)
}

func TestLoadAppConfig_DefaultFileOptional(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadAppConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"narratives"}, cfg.Narratives)
	assert.Equal(t, "file", cfg.State.Backend)
	assert.Equal(t, 4, cfg.Run.MaxParallelInputs)
}

func TestLoadAppConfig_ExplicitFileMustExist(t *testing.T) {
	_, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, err := openStore(context.Background(), StateConfig{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state backend")
}

func TestOpenGenerator(t *testing.T) {
	g, err := openGenerator(context.Background(), GenerationConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, g)

	_, err = openGenerator(context.Background(), GenerationConfig{Backend: "gemini"})
	require.Error(t, err)

	_, err = openGenerator(context.Background(), GenerationConfig{Backend: "openai"})
	require.Error(t, err)
}

func TestEngine_RunsNarrative(t *testing.T) {
	dir := writeProject(t)
	ctx := context.Background()

	eng, err := newEngine(ctx, filepath.Join(dir, DefaultConfigFile), nil)
	require.NoError(t, err)
	defer eng.close()

	ex, err := eng.orch.Run(ctx, "greet")
	require.NoError(t, err)
	out, ok := ex.Output("hello")
	require.True(t, ok)
	assert.Equal(t, "hi from test-model", out)

	color.NoColor = true
	var buf bytes.Buffer
	printExecution(&buf, ex)
	assert.Contains(t, buf.String(), "greet")
	assert.Contains(t, buf.String(), "✓ hello")
	assert.Contains(t, buf.String(), "hi from test-model")

	buf.Reset()
	require.NoError(t, printJSON(&buf, newRunReport(ex, nil)))
	var rep runReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rep))
	assert.Equal(t, "greet", rep.Narrative)
	require.Len(t, rep.Acts, 1)
	assert.Equal(t, orchestration.ActCompleted, rep.Acts[0].Status)
	assert.Equal(t, int64(1), rep.Usage.Requests)
}

func TestEngine_FilesOverrideConfig(t *testing.T) {
	dir := writeProject(t)
	other := filepath.Join(t.TempDir(), "other.yml")
	require.NoError(t, os.WriteFile(other, []byte(`
version: 1
narratives:
  solo:
    steps: [a]
    acts:
      a: "x"
`), 0o644))

	eng, err := newEngine(context.Background(), filepath.Join(dir, DefaultConfigFile), []string{other})
	require.NoError(t, err)
	defer eng.close()

	assert.Equal(t, []string{"solo"}, eng.library.Names())
}

func TestStateCommand_SetGetDelete(t *testing.T) {
	dir := writeProject(t)
	cfgPath := filepath.Join(dir, DefaultConfigFile)

	run := func(args ...string) (string, error) {
		c := NewStateCmd()
		var out bytes.Buffer
		c.SetOut(&out)
		c.SetErr(&out)
		c.SetArgs(append(args, "--config", cfgPath))
		err := c.ExecuteContext(context.Background())
		return out.String(), err
	}

	_, err := run("set", "channel", "C42", "--scope", "narrative:greet")
	require.NoError(t, err)

	out, err := run("get", "channel", "--scope", "narrative:greet")
	require.NoError(t, err)
	assert.Equal(t, "C42\n", out)

	_, err = run("get", "channel")
	require.Error(t, err, "global scope does not see narrative values")

	out, err = run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "channel = C42")

	_, err = run("delete", "channel", "--scope", "narrative:greet")
	require.NoError(t, err)
	_, err = run("get", "channel", "--scope", "narrative:greet")
	require.Error(t, err)
}

func TestPrintCarouselState(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printCarouselState(&buf, "daily", &carousel.State{
		Total:           3,
		Succeeded:       3,
		BudgetExhausted: true,
		ExhaustedMetric: carousel.TokensPerMinute,
		Termination:     carousel.TerminationBudgetExhausted,
		Usage:           carousel.Usage{Requests: 3, Tokens: 3000},
	})
	assert.Contains(t, buf.String(), "daily: budget_exhausted")
	assert.Contains(t, buf.String(), "3 total, 3 succeeded, 0 failed")
	assert.Contains(t, buf.String(), "budget exhausted: "+string(carousel.TokensPerMinute))
}
