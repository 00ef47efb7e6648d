package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".intakeline"
	dbFile       = "intakeline.db"

	defaultBusyTimeout = 10 * time.Second
)

// Config locates the workspace database. A zero BusyTimeout means 10s.
type Config struct {
	Workspace   string
	BusyTimeout time.Duration
}

// EnsureWorkspace creates the .intakeline directory under workspace and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), workspaceDir, dbFile)
}

// DSN builds the modernc connection string. Write transactions take the lock
// at BEGIN so concurrent request creators queue on busy_timeout instead of
// failing on upgrade.
func DSN(cfg Config) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + Path(cfg.Workspace) + "?" + q.Encode()
}

// Open creates the workspace if needed and returns a verified connection pool.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
