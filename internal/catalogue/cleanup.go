// Package catalogue provides the durable relational state of the pipeline.
//
// This file computes which sources have discharged every obligation and
// removes their rows. The deletable set is always recomputed by query,
// never cached, because membership changes between polls.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// =============================================================================
// Deletable Source Computation
// =============================================================================

// GetDeletableSources returns up to limit sources whose obligations are
// fully discharged, ordered by id. The predicate depends on the pipeline
// mode: with aggregation every item must be assigned and every reachable
// aggregate must be complete and successfully forwarded to at least one
// destination; without it the source's own forward records must all be
// successful.
func (c *Catalogue) GetDeletableSources(ctx context.Context, aggregating bool, limit int) ([]*Source, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	q := sq.Select("s.id", "s.path", "s.feed_name", "s.type_name",
		"s.last_modified_ms", "s.examined").
		From("source s").
		Where("s.examined")

	if aggregating {
		q = q.Where(`NOT EXISTS (
			SELECT 1 FROM source_item i
			WHERE i.source_id = s.id AND i.aggregate_id IS NULL
		)`).Where(`NOT EXISTS (
			SELECT 1 FROM source_item i
			JOIN aggregate a ON a.id = i.aggregate_id
			WHERE i.source_id = s.id
			  AND (NOT a.complete
			       OR NOT EXISTS (
			           SELECT 1 FROM forward_aggregate f
			           WHERE f.aggregate_id = a.id)
			       OR EXISTS (
			           SELECT 1 FROM forward_aggregate f
			           WHERE f.aggregate_id = a.id AND NOT f.success))
		)`)
	} else {
		q = q.Where(`EXISTS (
			SELECT 1 FROM forward_source f WHERE f.source_id = s.id
		)`).Where(`NOT EXISTS (
			SELECT 1 FROM forward_source f
			WHERE f.source_id = s.id AND NOT f.success
		)`)
	}

	query, args, err := q.OrderBy("s.id").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build deletable sources query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deletable sources: %w", err)
	}
	defer rows.Close()

	return scanSources(rows)
}

// =============================================================================
// Deletion
// =============================================================================

// DeleteSourceRows removes one source and everything derived from it in a
// single transaction: entries, items, its own forward records, then the
// source row last. deletePayload runs inside the transaction boundary so
// a crash at any point leaves a source row that the next pass computes as
// deletable again.
func (c *Catalogue) DeleteSourceRows(ctx context.Context, sourceID uint64, deletePayload func() error) error {
	return c.TransactionContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM source_entry WHERE source_item_id IN (
				SELECT id FROM source_item WHERE source_id = ?
			)
		`, sourceID)
		if err != nil {
			return fmt.Errorf("delete source entries: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM source_item WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("delete source items: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM forward_source WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("delete source forward records: %w", err)
		}

		if deletePayload != nil {
			if err := deletePayload(); err != nil {
				return fmt.Errorf("delete payload: %w", err)
			}
		}

		if _, err := tx.Exec(`DELETE FROM source WHERE id = ?`, sourceID); err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		return nil
	})
}

// DeleteExhaustedAggregates removes aggregates that are complete, fully
// forwarded, and no longer referenced by any item (their sources have all
// been cleaned up), together with their forward records. Returns the
// number of aggregates removed.
func (c *Catalogue) DeleteExhaustedAggregates(ctx context.Context) (int64, error) {
	var deleted int64
	err := c.TransactionContext(ctx, func(tx *sql.Tx) error {
		const exhausted = `
			SELECT a.id FROM aggregate a
			WHERE a.complete
			  AND NOT EXISTS (
				SELECT 1 FROM source_item i WHERE i.aggregate_id = a.id)
			  AND NOT EXISTS (
				SELECT 1 FROM forward_aggregate f
				WHERE f.aggregate_id = a.id AND NOT f.success)
		`
		if _, err := tx.Exec(
			`DELETE FROM forward_aggregate WHERE aggregate_id IN (`+exhausted+`)`); err != nil {
			return fmt.Errorf("delete aggregate forward records: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM aggregate WHERE id IN (` + exhausted + `)`)
		if err != nil {
			return fmt.Errorf("delete aggregates: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete aggregates: %w", err)
		}
		return nil
	})
	return deleted, err
}
