// Package migrate applies the SQL migrations and seed data embedded in the
// binary against Postgres, keeping bookkeeping tables of what already ran.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	migrationsDir = "sql"
	seedsDir      = "seeds"

	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"
)

// Runner executes migrations and seeds from an embedded filesystem with
// `sql/` holding *.up.sql / *.down.sql pairs and `seeds/` holding
// idempotent *.sql files.
type Runner struct {
	db    *sql.DB
	files fs.FS
	now   func() time.Time
}

// NewRunner constructs a Runner over files.
func NewRunner(db *sql.DB, files fs.FS) *Runner {
	return &Runner{db: db, files: files, now: time.Now}
}

// Up applies every pending migration in name order.
func (r *Runner) Up(ctx context.Context) error {
	done, err := r.applied(ctx, migrationsTable)
	if err != nil {
		return err
	}
	names, err := r.list(migrationsDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if containsName(done, name) {
			continue
		}
		if err := r.apply(ctx, migrationsDir+"/"+name); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if err := r.record(ctx, migrationsTable, name); err != nil {
			return err
		}
	}
	return nil
}

// Down rolls back the most recently applied migration using its
// .down.sql counterpart.
func (r *Runner) Down(ctx context.Context) error {
	done, err := r.applied(ctx, migrationsTable)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		return errors.New("migrate: nothing applied")
	}
	last := done[len(done)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(r.files, migrationsDir+"/"+down); err != nil {
		return fmt.Errorf("migrate: no down migration for %s", last)
	}
	if err := r.apply(ctx, migrationsDir+"/"+down); err != nil {
		return fmt.Errorf("roll back %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx, `delete from `+migrationsTable+` where name = $1`, last)
	return err
}

// Seed applies every pending seed file. Seeds that already ran are skipped.
func (r *Runner) Seed(ctx context.Context) error {
	done, err := r.applied(ctx, seedsTable)
	if err != nil {
		return err
	}
	names, err := r.list(seedsDir, ".sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if containsName(done, name) {
			continue
		}
		if err := r.apply(ctx, seedsDir+"/"+name); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
		if err := r.record(ctx, seedsTable, name); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the applied migrations in the order they ran.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	return r.applied(ctx, migrationsTable)
}

func (r *Runner) applied(ctx context.Context, table string) ([]string, error) {
	ddl := `create table if not exists ` + table + ` (
		name text primary key,
		applied_at timestamptz not null default now()
	)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `select name from `+table+` order by applied_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (r *Runner) list(dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(r.files, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// apply runs every statement of one SQL file inside a single transaction.
func (r *Runner) apply(ctx context.Context, path string) error {
	script, err := fs.ReadFile(r.files, path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+table+` (name, applied_at) values ($1, $2)`,
		name, r.now().UTC())
	return err
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// splitStatements cuts a script at semicolons outside single-quoted
// strings. Good enough for plain DDL and seed inserts; no dollar quoting.
func splitStatements(script string) []string {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i, r := range script {
		switch r {
		case '\'':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				if stmt := strings.TrimSpace(script[start : i+1]); stmt != ";" && stmt != "" {
					out = append(out, stmt)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(script[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}
