package store

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"github.com/loonghao/taskchain/pkg/schema"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// revision is one versioned slice of the task/event schema.
type revision struct {
	version int
	name    string
	script  string
}

var revisions = []revision{
	{version: 1, name: "initial_schema", script: initialSchema},
}

// runMigrations brings the task and event tables up to the latest revision.
// Revisions apply transactionally in version order; a partially applied
// revision rolls back and surfaces as a store error so the engine refuses
// to start against an inconsistent schema.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"create schema_version: %s", err.Error()).WithCause(err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"read schema_version: %s", err.Error()).WithCause(err)
	}

	for _, rev := range revisions {
		if rev.version <= current {
			continue
		}
		if err := applyRevision(ctx, db, rev); err != nil {
			return err
		}
	}
	return nil
}

func applyRevision(ctx context.Context, db *sql.DB, rev revision) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"begin revision %d: %s", rev.version, err.Error()).WithCause(err)
	}
	for _, stmt := range sqlStatements(rev.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return schema.NewErrorf(schema.ErrCodeStore,
				"revision %d (%s): %s", rev.version, rev.name, err.Error()).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`,
		rev.version, rev.name); err != nil {
		_ = tx.Rollback()
		return schema.NewErrorf(schema.ErrCodeStore,
			"record revision %d: %s", rev.version, err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"commit revision %d: %s", rev.version, err.Error()).WithCause(err)
	}
	return nil
}

// sqlStatements splits a script on semicolons, dropping empty fragments and
// fragments that are nothing but -- comments.
func sqlStatements(script string) []string {
	var stmts []string
	for _, fragment := range strings.Split(script, ";") {
		if stmt := strings.TrimSpace(fragment); hasSQL(stmt) {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func hasSQL(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
