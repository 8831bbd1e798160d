// Package store provides the embedded, crash-safe SQLite persistence layer
// underneath the leased queue: schema migration, WAL journaling, and the
// single-writer/pooled-reader connection split that keeps concurrent workers
// from contending on SQLite's file lock.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

//go:embed sql/*.sql
var migrations embed.FS

// requiredColumns lists the change_queue columns VerifySchema checks for.
var requiredColumns = []string{
	"id", "status", "payload", "attempts", "leased_until", "lease_owner", "updated_at",
}

var requiredIndexes = []string{
	"idx_change_queue_status_lease_id",
	"idx_dead_letters_failed_at",
	"idx_change_queue_logs_created_at",
}

// Store owns the SQLite file backing the queue. Write holds a single
// connection (SetMaxOpenConns(1)) so that dequeue's select-then-update never
// races against itself; Read is a small pool for concurrent lookups.
type Store struct {
	path  string
	Write *sql.DB
	Read  *sql.DB
}

// Open creates or upgrades the schema at path and returns a ready Store.
func Open(path string) (*Store, error) {
	write, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open write handle: %w", err)
	}
	write.SetMaxOpenConns(1)

	if err := configurePragmas(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}

	if err := runMigrations(write); err != nil {
		write.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	read, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	read.SetMaxOpenConns(4)
	if err := configurePragmas(read); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("configure read pragmas: %w", err)
	}

	s := &Store{path: path, Write: write, Read: read}

	if err := s.VerifySchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	return s, nil
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
}

func configurePragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// Close releases both connections.
func (s *Store) Close() error {
	var errs []error
	if s.Write != nil {
		if err := s.Write.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Read != nil {
		if err := s.Read.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close store: %v", errs)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrations.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := migrationApplied(db, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		content, err := migrations.ReadFile(path.Join("sql", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		log.Debug().Str("migration", name).Msg("schema migration applied")
	}

	return nil
}

func migrationApplied(db *sql.DB, name string) (bool, error) {
	var exists int
	err := db.QueryRow(`SELECT 1 FROM schema_migrations WHERE version = ?`, name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return true, nil
}

// VerifySchema returns an error if any required column or index is absent.
func (s *Store) VerifySchema() error {
	cols := make(map[string]bool)
	rows, err := s.Read.Query(`PRAGMA table_info(change_queue)`)
	if err != nil {
		return fmt.Errorf("inspect change_queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan column info: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range requiredColumns {
		if !cols[c] {
			return fmt.Errorf("missing required column %q on change_queue", c)
		}
	}

	idx := make(map[string]bool)
	irows, err := s.Read.Query(`SELECT name FROM sqlite_master WHERE type='index'`)
	if err != nil {
		return fmt.Errorf("inspect indexes: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var name string
		if err := irows.Scan(&name); err != nil {
			return fmt.Errorf("scan index name: %w", err)
		}
		idx[name] = true
	}
	if err := irows.Err(); err != nil {
		return err
	}

	for _, i := range requiredIndexes {
		if !idx[i] {
			return fmt.Errorf("missing required index %q", i)
		}
	}

	return nil
}

// WalCheckpointResult is the outcome of a WalCheckpoint call.
type WalCheckpointResult struct {
	Checkpointed bool
	Log          int64
	WAL          int64
}

// WalCheckpoint issues a truncating WAL checkpoint and reports the result.
func (s *Store) WalCheckpoint() (WalCheckpointResult, error) {
	var busy, log_, checkpointed int64
	row := s.Write.QueryRow(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err := row.Scan(&busy, &log_, &checkpointed); err != nil {
		return WalCheckpointResult{}, fmt.Errorf("wal checkpoint: %w", err)
	}
	return WalCheckpointResult{
		Checkpointed: busy == 0,
		Log:          log_,
		WAL:          checkpointed,
	}, nil
}
