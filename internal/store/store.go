package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skiplabs/skfs/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// BuildMagic distinguishes incompatible builds of the state file. Bump the
// suffix whenever the persisted layout changes shape.
const BuildMagic = "skfs/arena/v1"

// Schema version tracking:
// 0 - Fresh file (pre-schema)
// 1 - Initial schema
const currentSchemaVersion = 1

// Store is a handle to one SKFS state file.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens a state file at the given path. Applies required
// pragmas and the schema, then checks the build magic: a file written by an
// incompatible build fails with MAGIC_MISMATCH and nothing is read past the
// check.
//
// This function is idempotent - safe to call on an existing file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to state file: %w", err)
	}

	// SQLite supports one writer at a time and the engine is single-writer
	// anyway, so keep exactly one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := checkMagic(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the state file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Store methods when available.
func (s *Store) DB() *sql.DB { return s.db }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return &engine.RuntimeError{
			Code:    engine.ErrCodeMagicMismatch,
			Message: fmt.Sprintf("state file schema v%d is newer than this build (v%d)", version, currentSchemaVersion),
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// checkMagic verifies the build magic, writing it on a fresh file.
func checkMagic(db *sql.DB) error {
	var magic string
	err := db.QueryRow(`SELECT value FROM meta WHERE key = 'magic'`).Scan(&magic)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec(`INSERT INTO meta (key, value) VALUES ('magic', ?)`, BuildMagic)
		if err != nil {
			return fmt.Errorf("write magic: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read magic: %w", err)
	}
	if magic != BuildMagic {
		return &engine.RuntimeError{
			Code:    engine.ErrCodeMagicMismatch,
			Message: fmt.Sprintf("state file magic %q does not match build magic %q", magic, BuildMagic),
		}
	}
	return nil
}
