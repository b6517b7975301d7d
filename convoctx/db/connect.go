// Package db opens the embedded libsql database backing the session store
// and keeps its schema current with goose.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Config holds connection details for the session database.
type Config struct {
	DSN       string // "file:/path/to.db" for embedded, "libsql://..." for remote
	AuthToken string // remote auth token, ignored for embedded databases
}

// Connect opens the database, verifies connectivity, and applies pending
// migrations. The returned handle is safe for concurrent use.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	dsn := cfg.DSN
	if strings.HasPrefix(dsn, "file:") {
		if err := ensureDatabaseFile(strings.TrimPrefix(dsn, "file:"), logger); err != nil {
			return nil, err
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL"
		}
	} else if cfg.AuthToken != "" {
		authURL, err := withAuthToken(dsn, cfg.AuthToken)
		if err != nil {
			return nil, err
		}
		dsn = authURL
	}

	logger.Info().Str("dsn", cfg.DSN).Msg("connecting to libsql session store")

	handle, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql connection: %w", err)
	}

	var probe int
	if err := handle.QueryRowContext(ctx, "SELECT 1").Scan(&probe); err != nil {
		handle.Close()
		return nil, fmt.Errorf("connectivity check failed: %w", err)
	}

	if err := Migrate(handle); err != nil {
		handle.Close()
		return nil, err
	}

	return handle, nil
}

func ensureDatabaseFile(path string, logger zerolog.Logger) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create database directory %s: %w", dir, err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("database not found, creating a new one")
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("could not create db at path %s: %w", path, err)
		}
		file.Close()
	}
	return nil
}

func withAuthToken(dsn, token string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database DSN: %w", err)
	}
	q := u.Query()
	q.Set("authToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
