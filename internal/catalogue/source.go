// Package catalogue provides the durable relational state of the pipeline.
//
// This file handles source rows: the catalogue's record of each received
// package and of the items and entries found inside it.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/relay/internal/payload"
)

// =============================================================================
// Source Types
// =============================================================================

// Source represents one received package tracked by the catalogue.
type Source struct {
	ID             uint64
	Path           string
	FeedName       string
	TypeName       string
	LastModifiedMs int64
	Examined       bool
}

// NewEntry describes one physical part of an item about to be recorded.
type NewEntry struct {
	Extension string
	Type      payload.EntryType
	ByteSize  int64
}

// NewItem describes one logical record about to be recorded for a source.
type NewItem struct {
	Name    string
	Entries []NewEntry
}

// =============================================================================
// Source Operations
// =============================================================================

// AddSource records a freshly stored package. The id comes from the file
// store and is inserted verbatim. A path collision means the same file was
// already ingested and surfaces as ErrDuplicatePath.
func (c *Catalogue) AddSource(ctx context.Context, src *Source) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO source (id, path, feed_name, type_name, last_modified_ms, examined)
		VALUES (?, ?, ?, ?, ?, false)
	`, src.ID, src.Path, src.FeedName, src.TypeName, src.LastModifiedMs)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: source path %q", ErrDuplicatePath, src.Path)
		}
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource retrieves a source by id.
func (c *Catalogue) GetSource(ctx context.Context, id uint64) (*Source, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var s Source
	err := c.db.QueryRowContext(ctx, `
		SELECT id, path, feed_name, type_name, last_modified_ms, examined
		FROM source WHERE id = ?
	`, id).Scan(&s.ID, &s.Path, &s.FeedName, &s.TypeName, &s.LastModifiedMs, &s.Examined)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: source %d", ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	return &s, nil
}

// NextUnexaminedSources returns up to limit sources that have not yet had
// their contents recorded, ordered by id. The tracker is the single
// consumer of this queue; an examined flip removes the row from it.
func (c *Catalogue) NextUnexaminedSources(ctx context.Context, limit int) ([]*Source, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, path, feed_name, type_name, last_modified_ms, examined
		FROM source WHERE NOT examined ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unexamined sources: %w", err)
	}
	defer rows.Close()

	return scanSources(rows)
}

// RecordItems inserts the items and entries found inside a source and
// flips its examined flag, all in one transaction. A crash between
// examination and commit leaves the source unexamined and the next
// tracker pass repeats the whole step.
//
// The flip is guarded on NOT examined: when two workers poll the same
// source, the loser's transaction rolls back its duplicate items and
// ErrAlreadyExamined is returned.
func (c *Catalogue) RecordItems(ctx context.Context, src *Source, items []NewItem) error {
	return c.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			var itemID uint64
			err := tx.QueryRow(`
				INSERT INTO source_item (name, feed_name, type_name, source_id)
				VALUES (?, ?, ?, ?)
				RETURNING id
			`, item.Name, src.FeedName, src.TypeName, src.ID).Scan(&itemID)
			if err != nil {
				return fmt.Errorf("insert source item %q: %w", item.Name, err)
			}

			for _, e := range item.Entries {
				_, err := tx.Exec(`
					INSERT INTO source_entry (extension, extension_type, byte_size, source_item_id)
					VALUES (?, ?, ?, ?)
				`, e.Extension, int(e.Type), e.ByteSize, itemID)
				if err != nil {
					return fmt.Errorf("insert source entry %q%s: %w", item.Name, e.Extension, err)
				}
			}
		}

		res, err := tx.Exec(`UPDATE source SET examined = true WHERE id = ? AND NOT examined`, src.ID)
		if err != nil {
			return fmt.Errorf("mark source examined: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: source %d", ErrAlreadyExamined, src.ID)
		}
		return nil
	})
}

// CountSources returns the number of tracked sources.
func (c *Catalogue) CountSources(ctx context.Context) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM source`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	return n, nil
}

func scanSources(rows *sql.Rows) ([]*Source, error) {
	var sources []*Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.Path, &s.FeedName, &s.TypeName,
			&s.LastModifiedMs, &s.Examined); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}
