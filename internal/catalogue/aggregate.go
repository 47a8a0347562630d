// Package catalogue provides the durable relational state of the pipeline.
//
// This file handles aggregate rows and item-to-aggregate assignment.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Aggregate Types
// =============================================================================

// Aggregate represents a bounded batch of items sharing a feed+type key.
type Aggregate struct {
	ID           uint64
	CreateTimeMs int64
	FeedName     string
	TypeName     string
	ByteSize     int64
	Items        int64
	Complete     bool
}

// UnaggregatedItem is one source item awaiting aggregate assignment,
// with its total entry byte size pre-computed.
type UnaggregatedItem struct {
	ID       uint64
	Name     string
	FeedName string
	TypeName string
	SourceID uint64
	ByteSize int64
}

// Bounds are the closure thresholds applied when an item is assigned.
type Bounds struct {
	MaxItems int64
	MaxBytes int64
}

// =============================================================================
// Aggregate Operations
// =============================================================================

// NextUnaggregatedItems returns up to limit items with no aggregate yet,
// ordered by id, each carrying the summed byte size of its entries.
func (c *Catalogue) NextUnaggregatedItems(ctx context.Context, limit int) ([]UnaggregatedItem, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT i.id, i.name, i.feed_name, i.type_name, i.source_id,
		       coalesce(sum(e.byte_size), 0)
		FROM source_item i
		LEFT JOIN source_entry e ON e.source_item_id = i.id
		WHERE i.aggregate_id IS NULL
		GROUP BY i.id, i.name, i.feed_name, i.type_name, i.source_id
		ORDER BY i.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unaggregated items: %w", err)
	}
	defer rows.Close()

	var items []UnaggregatedItem
	for rows.Next() {
		var it UnaggregatedItem
		if err := rows.Scan(&it.ID, &it.Name, &it.FeedName, &it.TypeName,
			&it.SourceID, &it.ByteSize); err != nil {
			return nil, fmt.Errorf("scan unaggregated item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unaggregated items: %w", err)
	}
	return items, nil
}

// AssignItem places one item into the open aggregate for its feed+type
// key, creating the aggregate if none is open, and closes the aggregate
// when the addition crosses a bound. The whole step is one transaction;
// the caller serializes concurrent assignment within a key.
//
// Once set, an item's aggregate assignment never changes. A zero-byte
// item is assigned normally and contributes only to the item count.
func (c *Catalogue) AssignItem(ctx context.Context, item UnaggregatedItem, bounds Bounds, nowMs int64) (aggregateID uint64, closed bool, err error) {
	err = c.TransactionContext(ctx, func(tx *sql.Tx) error {
		var (
			id       uint64
			byteSize int64
			count    int64
		)
		qErr := tx.QueryRow(`
			SELECT id, byte_size, items FROM aggregate
			WHERE NOT complete AND feed_name = ? AND type_name = ?
			ORDER BY id LIMIT 1
		`, item.FeedName, item.TypeName).Scan(&id, &byteSize, &count)
		switch {
		case qErr == sql.ErrNoRows:
			if err := tx.QueryRow(`
				INSERT INTO aggregate (create_time_ms, feed_name, type_name)
				VALUES (?, ?, ?)
				RETURNING id
			`, nowMs, item.FeedName, item.TypeName).Scan(&id); err != nil {
				return fmt.Errorf("insert aggregate: %w", err)
			}
		case qErr != nil:
			return fmt.Errorf("query open aggregate: %w", qErr)
		}

		byteSize += item.ByteSize
		count++
		complete := false
		if (bounds.MaxItems > 0 && count > bounds.MaxItems) ||
			(bounds.MaxBytes > 0 && byteSize > bounds.MaxBytes) {
			complete = true
		}

		res, err := tx.Exec(`
			UPDATE source_item SET aggregate_id = ?
			WHERE id = ? AND aggregate_id IS NULL
		`, id, item.ID)
		if err != nil {
			return fmt.Errorf("assign item %d: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already assigned by an earlier pass; leave counters alone.
			aggregateID = id
			return nil
		}

		if _, err := tx.Exec(`
			UPDATE aggregate SET byte_size = ?, items = ?, complete = ?
			WHERE id = ?
		`, byteSize, count, complete, id); err != nil {
			return fmt.Errorf("update aggregate %d: %w", id, err)
		}

		aggregateID = id
		closed = complete
		return nil
	})
	return aggregateID, closed, err
}

// GetAggregate retrieves an aggregate by id.
func (c *Catalogue) GetAggregate(ctx context.Context, id uint64) (*Aggregate, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var a Aggregate
	err := c.db.QueryRowContext(ctx, `
		SELECT id, create_time_ms, feed_name, type_name, byte_size, items, complete
		FROM aggregate WHERE id = ?
	`, id).Scan(&a.ID, &a.CreateTimeMs, &a.FeedName, &a.TypeName,
		&a.ByteSize, &a.Items, &a.Complete)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: aggregate %d", ErrAggregateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate: %w", err)
	}
	return &a, nil
}

// CloseAggregate forces an aggregate complete so no further item joins it.
func (c *Catalogue) CloseAggregate(ctx context.Context, id uint64) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		UPDATE aggregate SET complete = true WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("close aggregate %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: aggregate %d", ErrAggregateNotFound, id)
	}
	return nil
}

// CloseOldAggregates completes every still-open aggregate created at or
// before the cutoff, so low-volume feeds are forwarded promptly instead
// of waiting to fill. Returns the number closed.
func (c *Catalogue) CloseOldAggregates(ctx context.Context, cutoffMs int64) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		UPDATE aggregate SET complete = true
		WHERE NOT complete AND create_time_ms <= ?
	`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("close old aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close old aggregates: %w", err)
	}
	return n, nil
}

// CountAggregates returns the number of aggregates.
func (c *Catalogue) CountAggregates(ctx context.Context) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM aggregate`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return n, nil
}
