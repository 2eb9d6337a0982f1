package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// CurrentSchemaVersion is the version the migrations below produce.
const CurrentSchemaVersion = 2

// PreprocessingOptions configure query/document text normalization for a
// collection. They participate in embedding fingerprints.
type PreprocessingOptions struct {
	Lowercase bool `json:"lowercase,omitempty"`
	StripHTML bool `json:"strip_html,omitempty"`
	MaxLength int  `json:"max_length,omitempty"`
}

// CollectionConfig is the fixed embedding configuration of a collection.
type CollectionConfig struct {
	Provider      string               `json:"provider"`
	Model         string               `json:"model"`
	Dimensions    int                  `json:"dimensions"`
	Preprocessing PreprocessingOptions `json:"preprocessing,omitempty"`
	Extra         map[string]string    `json:"extra,omitempty"`
}

// CollectionInfo describes a registered collection.
type CollectionInfo struct {
	Name          string           `json:"name"`
	Config        CollectionConfig `json:"config"`
	DocumentCount int64            `json:"document_count"`
	VectorCount   int64            `json:"vector_count"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Table name helpers. Collection names are validated identifiers, so the
// generated names are safe to interpolate.
func DocsTable(collection string) string { return "docs_" + collection }
func FTSTable(collection string) string  { return "fts_" + collection }
func VecTable(collection string) string  { return "vec_" + collection + "_dense" }

// Schema manages shared tables, per-collection tables, and migrations.
type Schema struct {
	m *Manager
}

// NewSchema wraps the storage manager.
func NewSchema(m *Manager) *Schema {
	return &Schema{m: m}
}

// migration is one forward-only schema step.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateV1},
	{version: 2, apply: migrateV2},
}

// Initialize creates shared tables and applies pending migrations.
// Safe to call on every open.
func (s *Schema) Initialize(ctx context.Context) error {
	if err := s.m.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}

	current, err := s.Version(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		mig := mig
		err := s.m.WithTx(ctx, func(tx *sql.Tx) error {
			if err := mig.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				fmt.Sprint(mig.version))
			return err
		})
		if err != nil {
			return errors.Wrap(errors.CodeDatabase, err)
		}
		slog.Info("schema migrated", slog.Int("version", mig.version))
	}
	return nil
}

// Version reads the recorded schema version (0 when uninitialized).
func (s *Schema) Version(ctx context.Context) (int, error) {
	rs, err := s.m.Select(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`)
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 {
		return 0, nil
	}
	v, _ := rs.Rows[0]["value"].(string)
	var n int
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n, nil
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			document_id TEXT NOT NULL,
			text_content TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			fingerprint TEXT PRIMARY KEY,
			vector BLOB NOT NULL,
			text TEXT,
			dimensions INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			tags TEXT,
			expires_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		// One non-terminal queue row per (collection, document).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active
			ON embedding_queue (collection, document_id)
			WHERE status IN ('pending', 'processing')`,
		`CREATE INDEX IF NOT EXISTS idx_queue_drain
			ON embedding_queue (status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expiry
			ON embedding_cache (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateCollection registers name with cfg and creates its tables.
// Creating an existing collection with the same provider, model and
// dimensions is a no-op; a difference in any of those fails (collections
// migrate explicitly, never in place). Other config fields are not compared.
func (s *Schema) CreateCollection(ctx context.Context, name string, cfg CollectionConfig) error {
	if cfg.Dimensions <= 0 {
		return errors.Newf(errors.CodeConfig, "collection %s: dimensions must be positive", name)
	}

	existing, err := s.GetCollection(ctx, name)
	if err == nil {
		if existing.Dimensions != cfg.Dimensions || existing.Provider != cfg.Provider || existing.Model != cfg.Model {
			return errors.Newf(errors.CodeConfig,
				"collection %s already exists with a different embedding configuration", name)
		}
		return nil
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return errors.New(errors.CodeSerialization, "failed to encode collection config", err)
	}

	docs := DocsTable(name)
	fts := FTSTable(name)
	vec := VecTable(name)

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			rowid INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			title TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, docs),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(
			doc_id UNINDEXED, title, content
		)`, fts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_rowid INTEGER PRIMARY KEY,
			embedding BLOB NOT NULL
		)`, vec),
	}
	for _, stmt := range stmts {
		if err := s.m.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	return s.m.Exec(ctx,
		`INSERT INTO collections (name, config, created_at) VALUES (?, ?, ?)`,
		name, string(cfgJSON), time.Now().UnixMilli())
}

// GetCollection reads a collection's embedding configuration.
func (s *Schema) GetCollection(ctx context.Context, name string) (*CollectionConfig, error) {
	rs, err := s.m.Select(ctx, `SELECT config FROM collections WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, errors.Newf(errors.CodeValidation, "collection %s does not exist", name)
	}
	raw, _ := rs.Rows[0]["config"].(string)
	var cfg CollectionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, errors.New(errors.CodeSerialization, "corrupt collection config", err)
	}
	return &cfg, nil
}

// ListCollections enumerates registered collections.
func (s *Schema) ListCollections(ctx context.Context) ([]string, error) {
	rs, err := s.m.Select(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if n, ok := row["name"].(string); ok {
			names = append(names, n)
		}
	}
	return names, nil
}

// CollectionInfo reports counts and configuration for one collection.
func (s *Schema) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	cfg, err := s.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}

	info := &CollectionInfo{Name: name, Config: *cfg}

	rs, err := s.m.Select(ctx, `SELECT created_at FROM collections WHERE name = ?`, name)
	if err == nil && len(rs.Rows) > 0 {
		if ms, ok := rs.Rows[0]["created_at"].(int64); ok {
			info.CreatedAt = time.UnixMilli(ms)
		}
	}

	if rs, err := s.m.Select(ctx, "SELECT COUNT(*) AS n FROM "+DocsTable(name)); err == nil && len(rs.Rows) > 0 {
		info.DocumentCount, _ = rs.Rows[0]["n"].(int64)
	}
	if rs, err := s.m.Select(ctx, "SELECT COUNT(*) AS n FROM "+VecTable(name)); err == nil && len(rs.Rows) > 0 {
		info.VectorCount, _ = rs.Rows[0]["n"].(int64)
	}
	return info, nil
}

// DropCollection removes a collection's tables and registry row.
func (s *Schema) DropCollection(ctx context.Context, name string) error {
	for _, table := range []string{FTSTable(name), VecTable(name), DocsTable(name)} {
		if err := s.m.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return err
		}
	}
	if err := s.m.Exec(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return err
	}
	return s.m.Exec(ctx, `DELETE FROM embedding_queue WHERE collection = ?`, name)
}
