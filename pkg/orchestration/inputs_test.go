package orchestration

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/table"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

type emptyHistory struct{}

func (emptyHistory) Output(string) (string, bool) { return "", false }
func (emptyHistory) Last() (string, string, bool) { return "", "", false }

type mapState map[string]string

func (m mapState) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapState) Keys(context.Context) ([]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeTables struct {
	got table.Query
}

func (f *fakeTables) Query(_ context.Context, q table.Query) (*table.RowSet, error) {
	f.got = q
	return &table.RowSet{Table: q.Table, Columns: []string{"id", "title"}, Rows: [][]any{{1, "hello"}, {2, "world"}}}, nil
}

func request(in narrative.Input, st mapState) *InputRequest {
	act := &narrative.Act{Name: "act", Inputs: []narrative.Input{in}}
	return &InputRequest{
		Act:   act,
		Input: &act.Inputs[0],
		Resolver: &template.Resolver{
			Act:       "act",
			History:   emptyHistory{},
			State:     st,
			LookupEnv: func(string) (string, bool) { return "", false },
		},
	}
}

func TestTextExecutor_ReportsMissingEnv(t *testing.T) {
	out, err := TextExecutor{}.Execute(context.Background(), request(narrative.TextInput("hi ${USER_NAME}"), nil))
	require.NoError(t, err)
	assert.Equal(t, "hi ${USER_NAME}", out.Record.Text)
	assert.Equal(t, []string{"USER_NAME"}, out.MissingEnv)
	assert.Equal(t, "[Text: 15 chars]", out.Record.Summary)
}

func TestImageExecutor(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")

	t.Run("inline data", func(t *testing.T) {
		in := narrative.Input{Image: &narrative.Image{Data: base64.StdEncoding.EncodeToString(png)}}
		out, err := ImageExecutor{}.Execute(context.Background(), request(in, nil))
		require.NoError(t, err)
		assert.Equal(t, "image/png", out.Record.MIME)
		assert.Equal(t, "[Image: image/png, 12 bytes]", out.Record.Summary)
	})

	t.Run("relative path", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "banner.png"), png, 0o644))
		in := narrative.Input{Image: &narrative.Image{Path: "banner.png"}}
		req := request(in, nil)
		req.BaseDir = dir
		out, err := ImageExecutor{}.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, png, out.Record.Data)
		assert.Equal(t, "image/png", out.Record.MIME)
	})

	t.Run("missing file", func(t *testing.T) {
		in := narrative.Input{Image: &narrative.Image{Path: filepath.Join(t.TempDir(), "nope.png")}}
		_, err := ImageExecutor{}.Execute(context.Background(), request(in, nil))
		assert.ErrorContains(t, err, "read image")
	})
}

func TestTableExecutor_ResolvesFilterAndFormats(t *testing.T) {
	tables := &fakeTables{}
	in := narrative.Input{Table: &narrative.TableQuery{
		Table:   "posts",
		Columns: []string{"id", "title"},
		Filter:  map[string]any{"channel_id": "${state:channel_id}"},
		Limit:   2,
	}}
	out, err := (&TableExecutor{Tables: tables}).Execute(context.Background(), request(in, mapState{"channel_id": "9"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"channel_id": "9"}, tables.got.Filter)
	assert.Equal(t, 2, tables.got.Limit)
	assert.Equal(t, "[Table: posts, 2 rows]", out.Record.Summary)
	assert.JSONEq(t, `[{"id":1,"title":"hello"},{"id":2,"title":"world"}]`, out.Record.Text)
}

func TestTableExecutor_Unconfigured(t *testing.T) {
	in := narrative.Input{Table: &narrative.TableQuery{Table: "posts"}}
	_, err := (&TableExecutor{}).Execute(context.Background(), request(in, nil))
	assert.ErrorContains(t, err, "no table executor configured")
}

func TestExecutorRegistry_UnknownKind(t *testing.T) {
	r := NewExecutorRegistry()
	_, err := r.Execute(context.Background(), request(narrative.TextInput("x"), nil))
	assert.ErrorContains(t, err, "no executor registered for input kind: text")
}
