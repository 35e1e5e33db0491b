package narrative

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattsolo1/grove-narrative/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onboardingDoc = `
version: 1
resources:
  bot_commands:
    make_channel:
      platform: discord
      command: channels.create
      args: {name: lobby, topic: welcome}
  tables:
    recent_posts: {table: posts, columns: [id, title], order_by: "id desc", limit: 5}
narratives:
  onboarding:
    description: Create, use and delete a channel
    model: gemini-2.5-flash
    steps: [create, use, delete]
    carousel:
      iterations: 5
      budgets: {tokens_per_minute: 3000}
      estimate: {requests: 1, tokens: 1000}
    acts:
      delete:
        required: false
        history_retention: summary
        state_capture: {"id": "deleted_channel"}
        inputs:
          - bot_command: {platform: discord, command: channels.delete, args: {channel_id: "${state:id}"}, cache_for: 30s}
          - table: {ref: recent_posts, limit: 2}
          - text: "{{create.id}} was removed"
            retention: drop
            required: true
      create:
        inputs:
          - bot_command: {ref: make_channel, args: {topic: "hello"}}
      use: "Post a welcome into channel ${state:id}"
`

func parseLibrary(t *testing.T, docs ...string) *Library {
	t.Helper()
	var parsed []*Document
	for i, d := range docs {
		doc, err := Parse([]byte(d), filepath.Join("doc", string(rune('a'+i))+".yml"))
		require.NoError(t, err)
		parsed = append(parsed, doc)
	}
	lib, err := NewLibrary(parsed...)
	require.NoError(t, err)
	return lib
}

func TestParse_Onboarding(t *testing.T) {
	lib := parseLibrary(t, onboardingDoc)
	require.NoError(t, lib.Validate())

	n, ok := lib.Narrative("onboarding")
	require.True(t, ok)
	assert.Equal(t, []string{"create", "use", "delete"}, n.Order())

	// Declaration order is kept.
	require.Len(t, n.Acts, 3)
	assert.Equal(t, "delete", n.Acts[0].Name)
	assert.Equal(t, "create", n.Acts[1].Name)

	use, _ := n.Act("use")
	require.Len(t, use.Inputs, 1)
	assert.Equal(t, "Post a welcome into channel ${state:id}", *use.Inputs[0].Text)
	assert.True(t, use.IsRequired())
	assert.True(t, use.Generative())

	create, _ := n.Act("create")
	assert.False(t, create.Generative())
	cmd := create.Inputs[0].BotCommand
	require.NotNil(t, cmd)
	assert.Equal(t, "discord", cmd.Platform)
	assert.Equal(t, "channels.create", cmd.Command)
	assert.Equal(t, map[string]any{"name": "lobby", "topic": "hello"}, cmd.Args)
	assert.Empty(t, cmd.Ref)

	del, _ := n.Act("delete")
	assert.False(t, del.IsRequired())
	assert.False(t, del.InputRequired(0))
	assert.True(t, del.InputRequired(2))
	assert.Equal(t, RetentionSummary, del.InputRetention(0))
	assert.Equal(t, RetentionDrop, del.InputRetention(2))
	assert.Equal(t, 30*time.Second, del.Inputs[0].BotCommand.CacheFor)
	assert.Equal(t, "posts", del.Inputs[1].Table.Table)
	assert.Equal(t, 2, del.Inputs[1].Table.Limit)
	assert.Equal(t, map[string]string{"id": "deleted_channel"}, del.StateCapture)

	require.NotNil(t, n.Carousel)
	assert.Equal(t, 5, n.Carousel.Iterations)
	assert.Equal(t, int64(3000), n.Carousel.Budgets.TokensPerMinute)
	assert.Equal(t, int64(1000), n.Carousel.Estimate.Tokens)
}

func TestParse_ActListShorthand(t *testing.T) {
	lib := parseLibrary(t, `
narratives:
  short:
    acts:
      first:
        - "hello"
        - image: {path: ./a.png, mime: image/png}
      second: "{{first}}"
`)
	require.NoError(t, lib.Validate())
	n, _ := lib.Narrative("short")
	assert.Equal(t, []string{"first", "second"}, n.Order())
	first, _ := n.Act("first")
	require.Len(t, first.Inputs, 2)
	kind, err := first.Inputs[1].Kind()
	require.NoError(t, err)
	assert.Equal(t, InputImage, kind)
}

func TestValidate_ForwardReferenceRejected(t *testing.T) {
	lib := parseLibrary(t, `
narratives:
  story:
    steps: [early, later_act]
    acts:
      early: "Use {{later_act}}"
      later_act: "done"
`)
	err := lib.Validate()
	require.Error(t, err)

	var tErr *template.Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, "early", tErr.Act)
	assert.True(t, tErr.Has(template.ProblemForwardReference))
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	lib := parseLibrary(t, `
narratives:
  broken:
    steps: [a, ghost, a]
    state_scope: "platform:discord"
    acts:
      a:
        history_retention: forever
        inputs:
          - text: "{{a}} ${previous}"
          - {}
          - bot_command: {platform: discord}
          - table: {table: t, format: xml}
          - narrative: {name: nowhere}
`)
	err := lib.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`step "ghost" does not name a declared act`,
		`step "a" appears more than once`,
		`invalid state scope`,
		`unknown history_retention "forever"`,
		`input 1: input has no shape`,
		`input 2: bot_command needs platform and command`,
		`input 3: unknown table format "xml"`,
		`narrative "nowhere" not found`,
		`cannot reference its own output`,
		`first act has no previous act`,
	} {
		assert.Contains(t, msg, want)
	}

	var compErr *CompositionError
	assert.True(t, errors.As(err, &compErr))
}

func TestValidate_CompositionCycle(t *testing.T) {
	lib := parseLibrary(t, `
narratives:
  a:
    acts:
      run_b:
        - narrative: {name: b}
  b:
    acts:
      run_c:
        - narrative: {name: c}
  c:
    acts:
      run_a:
        - narrative: {name: a}
  standalone:
    acts:
      hello: "hi"
`)
	err := lib.Validate()
	var compErr *CompositionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, []string{"a", "b", "c", "a"}, compErr.Chain)
	assert.Contains(t, err.Error(), "cycle a -> b -> c -> a")
}

func TestNewLibrary_Errors(t *testing.T) {
	a, err := Parse([]byte(`narratives: {dup: {acts: {x: "1"}}}`), "a.yml")
	require.NoError(t, err)
	b, err := Parse([]byte(`narratives: {dup: {acts: {x: "1"}}}`), "b.yml")
	require.NoError(t, err)
	_, err = NewLibrary(a, b)
	assert.ErrorContains(t, err, `narrative "dup" defined in both a.yml and b.yml`)

	c, err := Parse([]byte(`
narratives:
  n:
    acts:
      x:
        - bot_command: {ref: missing}
`), "c.yml")
	require.NoError(t, err)
	_, err = NewLibrary(c)
	assert.ErrorContains(t, err, `unknown bot command resource "missing"`)

	_, err = Parse([]byte(`narrativez: {}`), "typo.yml")
	assert.Error(t, err)
}

func TestLoadLibrary_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.yml"), []byte(`narratives: {one: {acts: {x: "1"}}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.yaml"), []byte(`narratives: {two: {acts: {y: "2"}}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644))

	lib, err := LoadLibrary(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lib.Names())
	assert.Equal(t, filepath.Join(dir, "two.yaml"), lib.Source("two"))
}

func TestWarnings_UnscheduledAct(t *testing.T) {
	lib := parseLibrary(t, `
narratives:
  n:
    steps: [a]
    acts:
      a: "1"
      spare: "2"
`)
	require.NoError(t, lib.Validate())
	assert.Equal(t, []string{`narrative "n": act "spare" is not in the step order and will not run`}, lib.Warnings())
}

func TestInput_Kind(t *testing.T) {
	text := "x"
	_, err := (&Input{Text: &text, Table: &TableQuery{Table: "t"}}).Kind()
	assert.ErrorContains(t, err, "exactly one")
}
