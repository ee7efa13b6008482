package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/fitable-broker/pkg/tasksource"
)

const bindingsLogPrefix = "db:bindings"

// BindingRepository stores source to fitable bindings in the source_bindings
// table. It implements tasksource.BindingStore.
type BindingRepository struct {
	pool *pgxpool.Pool
}

var _ tasksource.BindingStore = (*BindingRepository)(nil)

// NewBindingRepository creates a BindingRepository on pool.
func NewBindingRepository(pool *pgxpool.Pool) *BindingRepository {
	return &BindingRepository{pool: pool}
}

// Bind inserts or replaces the binding for b.SourceID. The original creation
// time is kept on replace.
func (r *BindingRepository) Bind(ctx context.Context, b tasksource.Binding) error {
	if b.Source == nil {
		return fmt.Errorf("%s - binding for %s has no source", bindingsLogPrefix, b.SourceID)
	}
	kind, cfg, err := tasksource.MarshalSource(b.Source)
	if err != nil {
		return fmt.Errorf("%s - encode source %s: %w", bindingsLogPrefix, b.SourceID, err)
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO source_bindings (source_id, fitable, source_kind, source, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id) DO UPDATE SET
		   fitable = EXCLUDED.fitable,
		   source_kind = EXCLUDED.source_kind,
		   source = EXCLUDED.source,
		   modified = EXCLUDED.modified`,
		b.SourceID, b.Fitable, string(kind), string(cfg), b.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("%s - upsert %s: %w", bindingsLogPrefix, b.SourceID, err)
	}
	slog.Debug(fmt.Sprintf("%s - Bound %s to %s", bindingsLogPrefix, b.SourceID, b.Fitable))
	return nil
}

// Lookup returns the binding for sourceID or tasksource.ErrNotBound.
func (r *BindingRepository) Lookup(ctx context.Context, sourceID string) (tasksource.Binding, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT source_id, fitable, source_kind, source, created
		 FROM source_bindings
		 WHERE source_id = $1`, sourceID)
	b, err := scanBinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tasksource.Binding{}, tasksource.ErrNotBound
	}
	if err != nil {
		return tasksource.Binding{}, fmt.Errorf("%s - lookup %s: %w", bindingsLogPrefix, sourceID, err)
	}
	return b, nil
}

// Unbind deletes the binding for sourceID and reports whether one existed.
func (r *BindingRepository) Unbind(ctx context.Context, sourceID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM source_bindings WHERE source_id = $1`, sourceID)
	if err != nil {
		return false, fmt.Errorf("%s - delete %s: %w", bindingsLogPrefix, sourceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns every binding ordered by source id.
func (r *BindingRepository) List(ctx context.Context) ([]tasksource.Binding, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT source_id, fitable, source_kind, source, created
		 FROM source_bindings
		 ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list: %w", bindingsLogPrefix, err)
	}
	defer rows.Close()

	out := []tasksource.Binding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("%s - list: %w", bindingsLogPrefix, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBinding(row pgx.Row) (tasksource.Binding, error) {
	var (
		b    tasksource.Binding
		kind string
		cfg  []byte
	)
	if err := row.Scan(&b.SourceID, &b.Fitable, &kind, &cfg, &b.CreatedAt); err != nil {
		return tasksource.Binding{}, err
	}
	src, err := tasksource.UnmarshalSource(tasksource.SourceKind(kind), cfg)
	if err != nil {
		return tasksource.Binding{}, fmt.Errorf("decode source %s: %w", b.SourceID, err)
	}
	b.Source = src
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}
