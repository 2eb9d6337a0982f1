// Package storage owns the single SQLite handle for the worker's lifetime.
//
// Nothing else in the process touches the database; every component that
// needs SQL goes through the Manager. Writes are serialized by a
// single-connection pool, matching the one-in-flight-write invariant.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/localretrieve/localretrieve/internal/errors"
)

// MemoryURI opens an in-memory database instance.
const MemoryURI = ":memory:"

// Pragmas are the recognized connection pragmas. Zero values are skipped.
type Pragmas struct {
	Synchronous string `json:"synchronous,omitempty"`
	CacheSize   int    `json:"cache_size,omitempty"`
	TempStore   string `json:"temp_store,omitempty"`
}

// Row is one result row keyed by column name. Values are nil, int64,
// float64, string, or []byte.
type Row map[string]any

// ResultSet is the outcome of a Select.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Manager owns the database handle.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	uri    string
	memory bool
	lock   *flock.Flock
	opened bool
}

// NewManager creates a closed manager; call Open before use.
func NewManager() *Manager {
	return &Manager{}
}

// Open attaches to the file at uri (or an in-memory instance for
// ":memory:"), applies pragmas, and takes an exclusive file lock for
// file-backed instances. Re-opening the same uri is a no-op.
func (m *Manager) Open(ctx context.Context, uri string, pragmas *Pragmas) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened {
		if m.uri == uri {
			return nil
		}
		return errors.Newf(errors.CodeDatabase,
			"already open at %s; close before opening %s", m.uri, uri)
	}
	return m.openLocked(ctx, uri, pragmas)
}

// openLocked does the actual open; callers hold m.mu.
func (m *Manager) openLocked(ctx context.Context, uri string, pragmas *Pragmas) error {
	memory := uri == MemoryURI

	dsn := uri
	if !memory {
		if err := os.MkdirAll(filepath.Dir(uri), 0o755); err != nil {
			return errors.New(errors.CodeFile, "failed to create database directory", err)
		}
		lock := flock.New(uri + ".lock")
		ok, err := lock.TryLock()
		if err != nil {
			return errors.New(errors.CodeFile, "failed to acquire database lock", err)
		}
		if !ok {
			return errors.Newf(errors.CodeFile, "database %s is locked by another process", uri)
		}
		m.lock = lock
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		m.releaseLock()
		return errors.New(errors.CodeDatabase, "failed to open database", err)
	}

	// One connection: in-memory databases are per-connection, and the
	// worker model serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		m.releaseLock()
		return errors.New(errors.CodeDatabase, "failed to connect to database", err)
	}

	if err := applyPragmas(ctx, db, memory, pragmas); err != nil {
		_ = db.Close()
		m.releaseLock()
		return err
	}

	m.db = db
	m.uri = uri
	m.memory = memory
	m.opened = true
	slog.Info("database open", slog.String("uri", uri), slog.Bool("memory", memory))
	return nil
}

func applyPragmas(ctx context.Context, db *sql.DB, memory bool, p *Pragmas) error {
	stmts := []string{"PRAGMA foreign_keys = ON"}
	if !memory {
		stmts = append(stmts, "PRAGMA journal_mode = WAL")
	}
	if p != nil {
		if p.Synchronous != "" {
			stmts = append(stmts, fmt.Sprintf("PRAGMA synchronous = %s", sanitizePragmaValue(p.Synchronous)))
		}
		if p.CacheSize != 0 {
			stmts = append(stmts, fmt.Sprintf("PRAGMA cache_size = %d", p.CacheSize))
		}
		if p.TempStore != "" {
			stmts = append(stmts, fmt.Sprintf("PRAGMA temp_store = %s", sanitizePragmaValue(p.TempStore)))
		}
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errors.New(errors.CodeDatabase, "failed to apply pragma: "+s, err)
		}
	}
	return nil
}

// sanitizePragmaValue keeps only identifier characters; pragma values are
// keywords (NORMAL, MEMORY, ...), never user data.
func sanitizePragmaValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// handle returns the open db or a NOT_OPEN error.
func (m *Manager) handle() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, errors.New(errors.CodeNotOpen, "database is not open", nil)
	}
	return m.db, nil
}

// Exec runs a side-effecting statement.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return errors.New(errors.CodeDatabase, "exec failed: "+err.Error(), err)
	}
	return nil
}

// ExecRows runs a side-effecting statement and reports affected rows.
func (m *Manager) ExecRows(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := m.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.New(errors.CodeDatabase, "exec failed: "+err.Error(), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Select runs a read statement and materializes all rows.
func (m *Manager) Select(ctx context.Context, query string, args ...any) (*ResultSet, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeDatabase, "select failed: "+err.Error(), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.New(errors.CodeDatabase, "failed to read columns", err)
	}

	rs := &ResultSet{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.New(errors.CodeDatabase, "scan failed", err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeDatabase, "row iteration failed", err)
	}
	return rs, nil
}

// WithTx runs fn inside a transaction, rolling back on error.
func (m *Manager) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := m.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeDatabase, "failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeDatabase, "failed to commit transaction", err)
	}
	return nil
}

// BulkInsert inserts rows into table in batches inside one transaction:
// either every row lands or none do. Column order comes from the first row.
func (m *Manager) BulkInsert(ctx context.Context, table string, rows []Row, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := validateIdentifier(table); err != nil {
		return err
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		if err := validateIdentifier(c); err != nil {
			return err
		}
		cols = append(cols, c)
	}

	return m.WithTx(ctx, func(tx *sql.Tx) error {
		placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
		for start := 0; start < len(rows); start += batchSize {
			end := start + batchSize
			if end > len(rows) {
				end = len(rows)
			}
			batch := rows[start:end]

			var sb strings.Builder
			sb.WriteString("INSERT INTO ")
			sb.WriteString(table)
			sb.WriteString(" (")
			sb.WriteString(strings.Join(cols, ", "))
			sb.WriteString(") VALUES ")

			args := make([]any, 0, len(batch)*len(cols))
			for i, r := range batch {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(placeholders)
				for _, c := range cols {
					args = append(args, r[c])
				}
			}
			if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
				return errors.New(errors.CodeDatabase, "bulk insert failed: "+err.Error(), err)
			}
		}
		return nil
	})
}

// ExportBytes serializes the whole database via VACUUM INTO.
func (m *Manager) ExportBytes(ctx context.Context) ([]byte, error) {
	db, err := m.handle()
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "localretrieve-export-*.db")
	if err != nil {
		return nil, errors.New(errors.CodeFile, "failed to create export file", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(tmpPath) // VACUUM INTO requires a non-existent target
	defer os.Remove(tmpPath)

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
		return nil, errors.New(errors.CodeDatabase, "export failed", err)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errors.New(errors.CodeFile, "failed to read export file", err)
	}
	return data, nil
}

// ImportBytes replaces the database contents with data. For an in-memory
// instance the import materializes to a temp file and the manager becomes
// file-backed on it. Without overwrite, a non-empty database is refused.
func (m *Manager) ImportBytes(ctx context.Context, data []byte, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return errors.New(errors.CodeNotOpen, "database is not open", nil)
	}

	if !overwrite {
		var n int
		row := m.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
		if err := row.Scan(&n); err != nil {
			return errors.New(errors.CodeDatabase, "failed to inspect database", err)
		}
		if n > 0 {
			return errors.Newf(errors.CodeValidation,
				"database is not empty; pass overwrite to replace it")
		}
	}

	target := m.uri
	if m.memory {
		tmp, err := os.CreateTemp("", "localretrieve-import-*.db")
		if err != nil {
			return errors.New(errors.CodeFile, "failed to create import file", err)
		}
		target = tmp.Name()
		_ = tmp.Close()
	}

	// Swap: close the handle, replace the file, reopen.
	if err := m.db.Close(); err != nil {
		return errors.New(errors.CodeDatabase, "failed to close database for import", err)
	}
	m.opened = false
	m.releaseLock()

	if !m.memory {
		// Remove WAL artifacts so the imported image is authoritative.
		_ = os.Remove(target + "-wal")
		_ = os.Remove(target + "-shm")
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return errors.New(errors.CodeFile, "failed to write imported database", err)
	}

	if err := m.openLocked(ctx, target, nil); err != nil {
		return err
	}

	// Verify the imported image.
	var result string
	if err := m.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.New(errors.CodeDatabase, "integrity check failed after import", err)
	}
	if result != "ok" {
		return errors.Newf(errors.CodeDatabase, "imported database corrupted: %s", result)
	}
	return nil
}

// Clear drops every user table.
func (m *Manager) Clear(ctx context.Context) error {
	rs, err := m.Select(ctx,
		`SELECT name, type FROM sqlite_master WHERE name NOT LIKE 'sqlite_%' AND type IN ('table', 'view')`)
	if err != nil {
		return err
	}
	for _, row := range rs.Rows {
		name, _ := row["name"].(string)
		if name == "" {
			continue
		}
		if err := m.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
			// Shadow tables of a dropped virtual table vanish with it.
			continue
		}
	}
	return nil
}

// IsOpen reports whether the handle is live.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// URI returns the current database location.
func (m *Manager) URI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uri
}

// Close releases the handle and the file lock. Subsequent calls fail with
// NOT_OPEN; Close itself is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false
	err := m.db.Close()
	m.db = nil
	m.releaseLock()
	if err != nil {
		return errors.New(errors.CodeDatabase, "failed to close database", err)
	}
	return nil
}

func (m *Manager) releaseLock() {
	if m.lock != nil {
		_ = m.lock.Unlock()
		m.lock = nil
	}
}

// validateIdentifier guards identifiers interpolated into SQL.
func validateIdentifier(name string) error {
	if name == "" {
		return errors.ValidationError("identifier must not be empty")
	}
	for i, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return errors.Newf(errors.CodeValidation, "invalid identifier %q", name)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
