// Package queue implements the durable work queue for document
// embeddings. Queue rows in the database are the authoritative record;
// nothing is mirrored in memory.
package queue

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/localretrieve/localretrieve/internal/embed"
	"github.com/localretrieve/localretrieve/internal/errors"
	"github.com/localretrieve/localretrieve/internal/storage"
	"github.com/localretrieve/localretrieve/internal/validation"
)

// Item statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Processing defaults.
const (
	DefaultBatchSize  = 10
	DefaultMaxRetries = 3
)

// Item is one queue row.
type Item struct {
	ID           int64      `json:"id"`
	Collection   string     `json:"collection"`
	DocumentID   string     `json:"document_id"`
	TextContent  string     `json:"text_content"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ProcessOptions tune one drain.
type ProcessOptions struct {
	Collection string `json:"collection,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// ProcessResult summarizes one drain. Failed counts every failure in
// this drain; Requeued and Terminal split it by whether the row will be
// retried.
type ProcessResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Terminal  int `json:"terminal"`
}

// Status aggregates the queue by state.
type Status struct {
	Pending           int64         `json:"pending"`
	Processing        int64         `json:"processing"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

// ClearOptions select rows for removal.
type ClearOptions struct {
	Collection string `json:"collection,omitempty"`
	Status     string `json:"status,omitempty"`
}

// ProviderSource lends out providers per collection; the registry
// implements it.
type ProviderSource interface {
	Acquire(ctx context.Context, collection string) (embed.Provider, func(), error)
}

// Queue drains embedding work against the storage manager. Terminal rows
// are retained for observability until cleared explicitly.
type Queue struct {
	m        *storage.Manager
	schema   *storage.Schema
	docs     *storage.Documents
	vectors  *storage.VectorIndex
	registry ProviderSource
}

// New wires the queue over the shared storage components.
func New(m *storage.Manager, schema *storage.Schema, docs *storage.Documents, vectors *storage.VectorIndex, registry ProviderSource) *Queue {
	return &Queue{m: m, schema: schema, docs: docs, vectors: vectors, registry: registry}
}

// Enqueue upserts work for (collection, documentID): any prior
// non-terminal row is replaced, keeping the one-active-row invariant.
func (q *Queue) Enqueue(ctx context.Context, collection, documentID, text string, priority int) (int64, error) {
	if err := validation.CollectionName(collection); err != nil {
		return 0, err
	}
	if err := validation.DocumentID(documentID); err != nil {
		return 0, err
	}

	var id int64
	err := q.m.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM embedding_queue
			 WHERE collection = ? AND document_id = ? AND status IN (?, ?)`,
			collection, documentID, StatusPending, StatusProcessing)
		if err != nil {
			return errors.New(errors.CodeDatabase, "failed to replace queued item", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO embedding_queue (collection, document_id, text_content, priority, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			collection, documentID, text, priority, StatusPending, time.Now().UnixMilli())
		if err != nil {
			return errors.New(errors.CodeDatabase, "failed to enqueue item", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Process drains up to BatchSize pending rows ordered by priority then
// age. Each row is independent: one failure never blocks the rest. The
// vector write and the completed transition commit in one transaction.
func (q *Queue) Process(ctx context.Context, opts ProcessOptions) (*ProcessResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	items, err := q.claim(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	for _, item := range items {
		result.Processed++
		if err := q.processItem(ctx, item); err != nil {
			result.Failed++
			if item.RetryCount+1 < opts.MaxRetries {
				q.requeue(ctx, item, err)
				result.Requeued++
			} else {
				q.fail(ctx, item, err)
				result.Terminal++
			}
			slog.Warn("queue item failed",
				slog.String("collection", item.Collection),
				slog.String("document", item.DocumentID),
				slog.Int("retry", item.RetryCount),
				slog.String("error", err.Error()))
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// claim selects pending rows and marks them processing. One UPDATE per
// row records the transition and the start time.
func (q *Queue) claim(ctx context.Context, opts ProcessOptions) ([]*Item, error) {
	query := `SELECT id, collection, document_id, text_content, priority, retry_count, created_at
		 FROM embedding_queue WHERE status = ?`
	args := []any{StatusPending}
	if opts.Collection != "" {
		query += ` AND collection = ?`
		args = append(args, opts.Collection)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, opts.BatchSize)

	rs, err := q.m.Select(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(rs.Rows))
	now := time.Now().UnixMilli()
	for _, row := range rs.Rows {
		item := itemFromRow(row)
		n, err := q.m.ExecRows(ctx,
			`UPDATE embedding_queue SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			StatusProcessing, now, item.ID, StatusPending)
		if err != nil || n == 0 {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// processItem embeds one document and persists the vector atomically
// with the completed transition.
func (q *Queue) processItem(ctx context.Context, item *Item) error {
	cfg, err := q.schema.GetCollection(ctx, item.Collection)
	if err != nil {
		return err
	}

	doc, err := q.docs.Get(ctx, item.Collection, item.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return errors.Newf(errors.CodeValidation,
			"document %s no longer exists in %s", item.DocumentID, item.Collection)
	}

	provider, release, err := q.registry.Acquire(ctx, item.Collection)
	if err != nil {
		return err
	}
	defer release()

	text := item.TextContent
	if text == "" {
		text = doc.Content
	}
	if max := provider.MaxTextLength(); len(text) > max {
		text = text[:max]
	}

	vec, err := provider.Embed(ctx, text)
	if err != nil {
		return err
	}

	// The vector write and the state transition are one unit: a failed
	// write rolls back and the row takes the same requeue-or-fail path as
	// any other failure, never completed without a vector.
	return q.m.WithTx(ctx, func(tx *sql.Tx) error {
		if err := q.vectors.UpsertTx(ctx, tx, item.Collection, doc.RowID, vec, cfg.Dimensions); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE embedding_queue SET status = ?, completed_at = ?, error_message = NULL WHERE id = ?`,
			StatusCompleted, time.Now().UnixMilli(), item.ID)
		if err != nil {
			return errors.New(errors.CodeDatabase, "failed to complete queue item", err)
		}
		return nil
	})
}

func (q *Queue) requeue(ctx context.Context, item *Item, cause error) {
	_ = q.m.Exec(ctx,
		`UPDATE embedding_queue SET status = ?, retry_count = retry_count + 1, error_message = ? WHERE id = ?`,
		StatusPending, cause.Error(), item.ID)
}

func (q *Queue) fail(ctx context.Context, item *Item, cause error) {
	_ = q.m.Exec(ctx,
		`UPDATE embedding_queue SET status = ?, retry_count = retry_count + 1, completed_at = ?, error_message = ? WHERE id = ?`,
		StatusFailed, time.Now().UnixMilli(), cause.Error(), item.ID)
}

// GetStatus aggregates counts by status plus the average processing time
// of completed rows.
func (q *Queue) GetStatus(ctx context.Context, collection string) (*Status, error) {
	query := `SELECT status, COUNT(*) AS n FROM embedding_queue`
	var args []any
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` GROUP BY status`

	rs, err := q.m.Select(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	status := &Status{}
	for _, row := range rs.Rows {
		st, _ := row["status"].(string)
		n, _ := row["n"].(int64)
		switch st {
		case StatusPending:
			status.Pending = n
		case StatusProcessing:
			status.Processing = n
		case StatusCompleted:
			status.Completed = n
		case StatusFailed:
			status.Failed = n
		}
	}

	avgQuery := `SELECT AVG(completed_at - started_at) AS avg_ms FROM embedding_queue
		 WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`
	avgArgs := []any{StatusCompleted}
	if collection != "" {
		avgQuery += ` AND collection = ?`
		avgArgs = append(avgArgs, collection)
	}
	if rs, err := q.m.Select(ctx, avgQuery, avgArgs...); err == nil && len(rs.Rows) > 0 {
		switch v := rs.Rows[0]["avg_ms"].(type) {
		case float64:
			status.AvgProcessingTime = time.Duration(v) * time.Millisecond
		case int64:
			status.AvgProcessingTime = time.Duration(v) * time.Millisecond
		}
	}
	return status, nil
}

// Clear deletes matching rows and reports how many were removed.
func (q *Queue) Clear(ctx context.Context, opts ClearOptions) (int64, error) {
	query := `DELETE FROM embedding_queue`
	var conds []string
	var args []any
	if opts.Collection != "" {
		conds = append(conds, "collection = ?")
		args = append(args, opts.Collection)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	return q.m.ExecRows(ctx, query, args...)
}

func itemFromRow(row storage.Row) *Item {
	item := &Item{}
	item.ID, _ = row["id"].(int64)
	item.Collection, _ = row["collection"].(string)
	item.DocumentID, _ = row["document_id"].(string)
	item.TextContent, _ = row["text_content"].(string)
	if p, ok := row["priority"].(int64); ok {
		item.Priority = int(p)
	}
	if r, ok := row["retry_count"].(int64); ok {
		item.RetryCount = int(r)
	}
	if ms, ok := row["created_at"].(int64); ok {
		item.CreatedAt = time.UnixMilli(ms)
	}
	return item
}
