package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"marketpipeline/internal/task"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

const schema = `CREATE TABLE IF NOT EXISTS processed (
	symbol TEXT NOT NULL,
	key    TEXT NOT NULL,
	data   TEXT NOT NULL,
	PRIMARY KEY (symbol, key)
)`

// SQLite stores processed rows as JSON documents keyed by (symbol, date).
type SQLite struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string, log zerolog.Logger) (*SQLite, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes writers and keeps :memory: databases shared
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "sqlite").Logger(),
	}, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// Write implements Writer. The symbol's rows are replaced in one transaction.
func (s *SQLite) Write(ctx context.Context, symbol string, t task.Table) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.log.Error().Err(rerr).Str("symbol", symbol).Msg("rollback failed")
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM processed WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("clear %s: %w", symbol, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO processed (symbol, key, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range t {
		key := rowKey(row)
		if key == "" {
			return fmt.Errorf("row %d of %s has no key, date or time", i, symbol)
		}
		data, jerr := json.Marshal(sanitize(row))
		if jerr != nil {
			err = fmt.Errorf("encode row %d of %s: %w", i, symbol, jerr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, symbol, key, string(data)); err != nil {
			return fmt.Errorf("insert %s %s: %w", symbol, key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Debug().Str("symbol", symbol).Int("rows", len(t)).Msg("rows persisted")
	return nil
}

// Read returns the stored rows for symbol ordered by key.
func (s *SQLite) Read(ctx context.Context, symbol string) (task.Table, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT data FROM processed WHERE symbol = ? ORDER BY key`, symbol)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", symbol, err)
	}
	defer rows.Close()

	var out task.Table
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		row := task.Row{}
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", symbol, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Symbols lists the symbols that have stored rows.
func (s *SQLite) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT symbol FROM processed ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}
