package table

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tables.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE posts (id INTEGER PRIMARY KEY, title TEXT, author TEXT, score REAL)`)
	require.NoError(t, err)
	for _, row := range [][]any{
		{1, "Hello", "ada", 1.5},
		{2, "Second, with comma", "bob", 2.0},
		{3, "Third", "ada", nil},
	} {
		_, err = db.Exec(`INSERT INTO posts (id, title, author, score) VALUES (?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	return path
}

func TestBuild(t *testing.T) {
	query, args, err := Build(Query{
		Table:   "posts",
		Columns: []string{"id", "title"},
		Filter:  map[string]any{"author": "ada", "active": 1},
		OrderBy: "id desc, title",
		Limit:   5,
		Offset:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "title" FROM "posts" WHERE "active" = ? AND "author" = ? ORDER BY "id" DESC, "title" ASC LIMIT ? OFFSET ?`, query)
	assert.Equal(t, []any{1, "ada", 5, 10}, args)

	query, args, err = Build(Query{Table: "posts", Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "posts" LIMIT ? OFFSET ?`, query)
	assert.Equal(t, []any{-1, 2}, args)
}

func TestBuild_RejectsUnsafeIdentifiers(t *testing.T) {
	for _, q := range []Query{
		{Table: "posts; DROP TABLE posts"},
		{Table: "posts", Columns: []string{"id", "title--"}},
		{Table: "posts", Filter: map[string]any{"a or 1=1": "x"}},
		{Table: "posts", OrderBy: "id sideways"},
		{Table: "posts", Limit: -1},
	} {
		_, _, err := Build(q)
		assert.Error(t, err, "%+v", q)
	}
}

func TestSQLiteExecutor_Query(t *testing.T) {
	ctx := context.Background()
	exec, err := OpenSQLite(ctx, seedDB(t))
	require.NoError(t, err)
	defer exec.Close()

	rs, err := exec.Query(ctx, Query{
		Table:   "posts",
		Columns: []string{"id", "title"},
		Filter:  map[string]any{"author": "ada"},
		OrderBy: "id desc",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, rs.Columns)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "Third", rs.Rows[0][1])

	_, err = exec.Query(ctx, Query{Table: "missing"})
	assert.Error(t, err)
}

func TestFormatters(t *testing.T) {
	ctx := context.Background()
	exec, err := OpenSQLite(ctx, seedDB(t))
	require.NoError(t, err)
	defer exec.Close()

	rs, err := exec.Query(ctx, Query{Table: "posts", Columns: []string{"id", "title", "score"}, OrderBy: "id", Limit: 3})
	require.NoError(t, err)

	out, err := Format(rs, "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"id": 1, "title": "Hello", "score": 1.5},
		{"id": 2, "title": "Second, with comma", "score": 2},
		{"id": 3, "title": "Third", "score": null}
	]`, out)
	assert.True(t, strings.HasPrefix(out, `[{"id":1,"title":"Hello"`), "keys keep column order")

	out, err = Format(rs, "csv")
	require.NoError(t, err)
	assert.Equal(t, "id,title,score\n1,Hello,1.5\n2,\"Second, with comma\",2\n3,Third,", out)

	out, err = Format(rs, "table")
	require.NoError(t, err)
	for _, want := range []string{"id", "title", "Hello", "Second, with comma", "Third"} {
		assert.Contains(t, out, want)
	}

	_, err = Format(rs, "xml")
	assert.Error(t, err)
}

func TestParseOrder(t *testing.T) {
	terms, err := ParseOrder(" created_at DESC , id ")
	require.NoError(t, err)
	assert.Equal(t, []OrderTerm{{Column: "created_at", Desc: true}, {Column: "id"}}, terms)
}
