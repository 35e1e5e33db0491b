package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and DDL for SQLBackend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLBackend stores state rows in a narrative_state table keyed by
// (scope, key). Saves replace a scope's rows inside one transaction.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) a sqlite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps sqlite transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newSQLBackend(ctx, db, DialectSQLite)
}

// OpenPostgres connects using dsn, or the PG* environment variables when dsn
// is empty.
func OpenPostgres(ctx context.Context, dsn string) (*SQLBackend, error) {
	if dsn == "" {
		dsn = postgresDSNFromEnv()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLBackend(ctx, db, DialectPostgres)
}

// NewSQLBackend wraps an already opened database.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	return newSQLBackend(ctx, db, dialect)
}

func newSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	b := &SQLBackend{db: db, dialect: dialect}
	if err := b.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create narrative_state table: %w", err)
	}
	return b, nil
}

func postgresDSNFromEnv() string {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "narrate")
	dbname := getEnv("PGDATABASE", "narrate")
	password := os.Getenv("PGPASSWORD")

	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		host, port, user, dbname)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (b *SQLBackend) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS narrative_state (
			scope      TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, key)
		)`
	_, err := b.db.ExecContext(ctx, query)
	return err
}

// bind rewrites ? placeholders for postgres.
func (b *SQLBackend) bind(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) Load(ctx context.Context, scope Scope) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, b.bind(`SELECT key, value FROM narrative_state WHERE scope = ?`), scope.Key())
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state rows: %w", err)
	}
	return values, nil
}

func (b *SQLBackend) Save(ctx context.Context, scope Scope, values map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, b.bind(`DELETE FROM narrative_state WHERE scope = ?`), scope.Key()); err != nil {
		return fmt.Errorf("clear scope: %w", err)
	}
	insert := b.bind(`INSERT INTO narrative_state (scope, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`)
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, insert, scope.Key(), k, v); err != nil {
			return fmt.Errorf("insert state key %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (b *SQLBackend) Scopes(ctx context.Context) ([]Scope, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT scope FROM narrative_state ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	var scopes []Scope
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		if scope, ok := scopeFromKey(key); ok {
			scopes = append(scopes, scope)
		}
	}
	return scopes, rows.Err()
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func scopeFromKey(key string) (Scope, bool) {
	parts := strings.Split(key, "/")
	switch {
	case len(parts) == 1 && parts[0] == string(ScopeGlobal):
		return Global(), true
	case len(parts) == 2 && parts[0] == string(ScopeNarrative):
		return ForNarrative(parts[1]), true
	case len(parts) == 3 && parts[0] == string(ScopePlatform):
		return ForPlatform(parts[1], parts[2]), true
	}
	return Scope{}, false
}
