package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// Document is one stored document.
type Document struct {
	RowID    int64          `json:"-"`
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Documents reads and writes per-collection document tables, keeping the
// FTS projection in sync: rebuilt on replace, removed on delete.
type Documents struct {
	m *Manager
}

// NewDocuments wraps the storage manager.
func NewDocuments(m *Manager) *Documents {
	return &Documents{m: m}
}

// Upsert inserts or replaces doc and returns its rowid. Replacing a
// document rewrites its FTS entry and drops any stale vector (the new
// content must be re-embedded).
func (d *Documents) Upsert(ctx context.Context, collection string, doc *Document) (int64, error) {
	var rowID int64
	err := d.m.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rowID, err = d.upsertTx(ctx, tx, collection, doc)
		return err
	})
	return rowID, err
}

func (d *Documents) upsertTx(ctx context.Context, tx *sql.Tx, collection string, doc *Document) (int64, error) {
	docs := DocsTable(collection)
	fts := FTSTable(collection)
	vec := VecTable(collection)

	metaJSON := "{}"
	if doc.Metadata != nil {
		data, err := json.Marshal(doc.Metadata)
		if err != nil {
			return 0, errors.New(errors.CodeSerialization, "failed to encode metadata", err)
		}
		metaJSON = string(data)
	}

	now := time.Now().UnixMilli()

	var existing int64
	replaced := false
	err := tx.QueryRowContext(ctx, "SELECT rowid FROM "+docs+" WHERE id = ?", doc.ID).Scan(&existing)
	switch {
	case err == nil:
		replaced = true
		_, err = tx.ExecContext(ctx,
			"UPDATE "+docs+" SET title = ?, content = ?, metadata = ?, updated_at = ? WHERE rowid = ?",
			doc.Title, doc.Content, metaJSON, now, existing)
		if err != nil {
			return 0, errors.New(errors.CodeDatabase, "failed to update document", err)
		}
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx,
			"INSERT INTO "+docs+" (id, title, content, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			doc.ID, doc.Title, doc.Content, metaJSON, now, now)
		if err != nil {
			return 0, errors.New(errors.CodeDatabase, "failed to insert document", err)
		}
		existing, err = res.LastInsertId()
		if err != nil {
			return 0, errors.New(errors.CodeDatabase, "failed to read rowid", err)
		}
	default:
		return 0, errors.New(errors.CodeDatabase, "failed to look up document", err)
	}

	// Rebuild the FTS projection.
	if replaced {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+fts+" WHERE doc_id = ?", doc.ID); err != nil {
			return 0, errors.New(errors.CodeDatabase, "failed to clear fts entry", err)
		}
		// Stale vector: the replaced content needs a fresh embedding.
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+vec+" WHERE doc_rowid = ?", existing); err != nil {
			return 0, errors.New(errors.CodeVector, "failed to clear stale vector", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+fts+" (doc_id, title, content) VALUES (?, ?, ?)",
		doc.ID, doc.Title, doc.Content); err != nil {
		return 0, errors.New(errors.CodeDatabase, "failed to index document", err)
	}

	doc.RowID = existing
	return existing, nil
}

// Get reads one document by id, or nil when absent.
func (d *Documents) Get(ctx context.Context, collection, id string) (*Document, error) {
	rs, err := d.m.Select(ctx,
		"SELECT rowid, id, title, content, metadata FROM "+DocsTable(collection)+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, nil
	}
	return docFromRow(rs.Rows[0]), nil
}

// GetByRowIDs batch-fetches documents keyed by rowid.
func (d *Documents) GetByRowIDs(ctx context.Context, collection string, rowIDs []int64) (map[int64]*Document, error) {
	out := make(map[int64]*Document, len(rowIDs))
	if len(rowIDs) == 0 {
		return out, nil
	}
	query := "SELECT rowid, id, title, content, metadata FROM " + DocsTable(collection) + " WHERE rowid IN ("
	args := make([]any, len(rowIDs))
	for i, id := range rowIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	rs, err := d.m.Select(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rs.Rows {
		doc := docFromRow(row)
		out[doc.RowID] = doc
	}
	return out, nil
}

// Delete removes a document and its FTS and vector entries.
func (d *Documents) Delete(ctx context.Context, collection, id string) error {
	return d.m.WithTx(ctx, func(tx *sql.Tx) error {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			"SELECT rowid FROM "+DocsTable(collection)+" WHERE id = ?", id).Scan(&rowID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.New(errors.CodeDatabase, "failed to look up document", err)
		}
		for _, stmt := range []struct {
			sql  string
			args []any
		}{
			{"DELETE FROM " + FTSTable(collection) + " WHERE doc_id = ?", []any{id}},
			{"DELETE FROM " + VecTable(collection) + " WHERE doc_rowid = ?", []any{rowID}},
			{"DELETE FROM " + DocsTable(collection) + " WHERE rowid = ?", []any{rowID}},
		} {
			if _, err := tx.ExecContext(ctx, stmt.sql, stmt.args...); err != nil {
				return errors.New(errors.CodeDatabase, "failed to delete document", err)
			}
		}
		return nil
	})
}

// Count reports the number of documents in a collection.
func (d *Documents) Count(ctx context.Context, collection string) (int64, error) {
	rs, err := d.m.Select(ctx, "SELECT COUNT(*) AS n FROM "+DocsTable(collection))
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 {
		return 0, nil
	}
	n, _ := rs.Rows[0]["n"].(int64)
	return n, nil
}

func docFromRow(row Row) *Document {
	doc := &Document{}
	doc.RowID, _ = row["rowid"].(int64)
	doc.ID, _ = row["id"].(string)
	doc.Title, _ = row["title"].(string)
	doc.Content, _ = row["content"].(string)
	if raw, ok := row["metadata"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &doc.Metadata)
	}
	return doc
}
