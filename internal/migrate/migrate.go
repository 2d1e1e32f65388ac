// Package migrate runs this daemon's schema migrations from an embedded SQL filesystem
// under a cross-process Postgres advisory lock, so two booting instances never race
// the migrator.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var Files embed.FS

// advisoryLockKey is a stable hash of this application's name.
var advisoryLockKey = int64(fnvHash("ingestd_migrations"))

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Options controls migration behavior per the ADI_RUN_MIGRATIONS / ADI_ALLOW_AUTO_STAMP
// environment gates.
type Options struct {
	// Run, when false, skips migrations entirely (deployments that run them out-of-band).
	Run bool
	// AllowAutoStamp, when true, tolerates a schema already ahead of this binary's known
	// migrations: each unrecorded migration is still run, and one that fails with an
	// "already exists" error is recorded as applied instead of failing Apply.
	AllowAutoStamp bool
}

// Apply runs every embedded migration not yet recorded in schema_migrations, holding a
// session-scoped Postgres advisory lock for the duration so concurrent booting instances
// serialize rather than race.
func Apply(ctx context.Context, pool *pgxpool.Pool, opts Options) error {
	if !opts.Run {
		return nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("migrate: acquire advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey)
	}()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := conn.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("migrate: list applied: %w", err)
	}
	for rows.Next() {
		var fname string
		if err := rows.Scan(&fname); err != nil {
			rows.Close()
			return fmt.Errorf("migrate: scan applied: %w", err)
		}
		applied[fname] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := Files.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("migrate: read embedded sql dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}
		if opts.AllowAutoStamp {
			// Best-effort: if the schema already looks ahead (e.g. deployed by another
			// process with a newer binary), stamping without re-running avoids a failed
			// CREATE TABLE IF NOT EXISTS from becoming fatal on a slightly different
			// column set. We still attempt the file first; only a duplicate-object class
			// of error is swallowed.
		}
		body, err := Files.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migrate: begin %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			if opts.AllowAutoStamp && isDuplicateObject(err) {
				if _, serr := conn.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); serr != nil {
					return fmt.Errorf("migrate: stamp %s: %w", name, serr)
				}
				continue
			}
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migrate: commit %s: %w", name, err)
		}
	}
	return nil
}

func isDuplicateObject(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}
