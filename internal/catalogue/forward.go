// Package catalogue provides the durable relational state of the pipeline.
//
// This file handles the forwarding ledger: interned destination urls and
// the per-(unit, destination) delivery records.
package catalogue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/relay/internal/payload"
)

// =============================================================================
// Forward Types
// =============================================================================

// ForwardRecord is the delivery ledger row for one (unit, destination)
// pair. UnitID is an aggregate id or a source id depending on which
// ledger the record came from.
type ForwardRecord struct {
	ID           uint64
	UnitID       uint64
	ForwardURLID uint64
	URL          string
	FeedName     string
	TypeName     string
	SourcePath   string // source forwards only
	Success      bool
	Error        string
	Tries        int
	UpdateTimeMs int64
}

// ForwardEntry is one physical part of an aggregate's delivery stream,
// in the deterministic re-assembly order.
type ForwardEntry struct {
	SourceID   uint64
	SourcePath string
	ItemName   string
	Extension  string
	Type       payload.EntryType
	ByteSize   int64
}

// =============================================================================
// Forward URL Operations
// =============================================================================

// GetOrCreateForwardURL interns a destination url and returns its id.
func (c *Catalogue) GetOrCreateForwardURL(ctx context.Context, url string) (uint64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var id uint64
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM forward_url WHERE url = ?`, url).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("query forward url: %w", err)
	}

	err = c.db.QueryRowContext(ctx,
		`INSERT INTO forward_url (url) VALUES (?) RETURNING id`, url).Scan(&id)
	if err != nil {
		if isConstraintViolation(err) {
			// Lost a create race; the row exists now.
			if err := c.db.QueryRowContext(ctx,
				`SELECT id FROM forward_url WHERE url = ?`, url).Scan(&id); err != nil {
				return 0, fmt.Errorf("re-query forward url: %w", err)
			}
			return id, nil
		}
		return 0, fmt.Errorf("insert forward url: %w", err)
	}
	return id, nil
}

// =============================================================================
// Forward Record Operations
// =============================================================================

// CreateAggregateForwardRecords inserts one pending record per completed
// aggregate that has none yet for the destination. The anti-join makes
// repeated calls idempotent. Returns the number of records created.
func (c *Catalogue) CreateAggregateForwardRecords(ctx context.Context, forwardURLID uint64) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO forward_aggregate (aggregate_id, forward_url_id)
		SELECT a.id, ?
		FROM aggregate a
		WHERE a.complete
		  AND NOT EXISTS (
			SELECT 1 FROM forward_aggregate f
			WHERE f.aggregate_id = a.id AND f.forward_url_id = ?
		  )
	`, forwardURLID, forwardURLID)
	if err != nil {
		return 0, fmt.Errorf("create aggregate forward records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("create aggregate forward records: %w", err)
	}
	return n, nil
}

// CreateSourceForwardRecords inserts one pending record per examined
// source that has none yet for the destination. Used when aggregation is
// disabled and whole payloads are forwarded raw.
func (c *Catalogue) CreateSourceForwardRecords(ctx context.Context, forwardURLID uint64) (int64, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO forward_source (source_id, forward_url_id)
		SELECT s.id, ?
		FROM source s
		WHERE s.examined
		  AND NOT EXISTS (
			SELECT 1 FROM forward_source f
			WHERE f.source_id = s.id AND f.forward_url_id = ?
		  )
	`, forwardURLID, forwardURLID)
	if err != nil {
		return 0, fmt.Errorf("create source forward records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("create source forward records: %w", err)
	}
	return n, nil
}

// NextPendingAggregateForwards returns up to limit unsuccessful aggregate
// records, oldest first, with their destination url and feed key.
func (c *Catalogue) NextPendingAggregateForwards(ctx context.Context, limit int) ([]ForwardRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT f.id, f.aggregate_id, f.forward_url_id, u.url,
		       a.feed_name, a.type_name,
		       f.success, coalesce(f.error, ''), f.tries, f.update_time_ms
		FROM forward_aggregate f
		JOIN forward_url u ON u.id = f.forward_url_id
		JOIN aggregate a ON a.id = f.aggregate_id
		WHERE NOT f.success
		ORDER BY f.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending aggregate forwards: %w", err)
	}
	defer rows.Close()

	var records []ForwardRecord
	for rows.Next() {
		var r ForwardRecord
		if err := rows.Scan(&r.ID, &r.UnitID, &r.ForwardURLID, &r.URL,
			&r.FeedName, &r.TypeName, &r.Success, &r.Error, &r.Tries,
			&r.UpdateTimeMs); err != nil {
			return nil, fmt.Errorf("scan aggregate forward: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate forwards: %w", err)
	}
	return records, nil
}

// NextPendingSourceForwards returns up to limit unsuccessful source
// records, oldest first, with destination url, feed key and payload path.
func (c *Catalogue) NextPendingSourceForwards(ctx context.Context, limit int) ([]ForwardRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT f.id, f.source_id, f.forward_url_id, u.url,
		       s.feed_name, s.type_name, s.path,
		       f.success, coalesce(f.error, ''), f.tries, f.update_time_ms
		FROM forward_source f
		JOIN forward_url u ON u.id = f.forward_url_id
		JOIN source s ON s.id = f.source_id
		WHERE NOT f.success
		ORDER BY f.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending source forwards: %w", err)
	}
	defer rows.Close()

	var records []ForwardRecord
	for rows.Next() {
		var r ForwardRecord
		if err := rows.Scan(&r.ID, &r.UnitID, &r.ForwardURLID, &r.URL,
			&r.FeedName, &r.TypeName, &r.SourcePath, &r.Success, &r.Error,
			&r.Tries, &r.UpdateTimeMs); err != nil {
			return nil, fmt.Errorf("scan source forward: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source forwards: %w", err)
	}
	return records, nil
}

// MarkAggregateForward records the outcome of one aggregate delivery
// attempt. Failure keeps the record pending for the next sweep.
func (c *Catalogue) MarkAggregateForward(ctx context.Context, recordID uint64, success bool, errMsg string, nowMs int64) error {
	return c.markForward(ctx, "forward_aggregate", recordID, success, errMsg, nowMs)
}

// MarkSourceForward records the outcome of one source delivery attempt.
func (c *Catalogue) MarkSourceForward(ctx context.Context, recordID uint64, success bool, errMsg string, nowMs int64) error {
	return c.markForward(ctx, "forward_source", recordID, success, errMsg, nowMs)
}

func (c *Catalogue) markForward(ctx context.Context, table string, recordID uint64, success bool, errMsg string, nowMs int64) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	var errVal interface{}
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE `+table+`
		SET success = ?, error = ?, tries = tries + 1, update_time_ms = ?
		WHERE id = ?
	`, success, errVal, nowMs, recordID)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", table, recordID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s record %d", ErrNotFound, table, recordID)
	}
	return nil
}

// AggregateForwardEntries lists the physical parts of an aggregate in the
// deterministic delivery order: source path, then item name, then entry
// role, then extension. Retrying a delivery reproduces identical output.
func (c *Catalogue) AggregateForwardEntries(ctx context.Context, aggregateID uint64) ([]ForwardEntry, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, `
		SELECT s.id, s.path, i.name, e.extension, e.extension_type, e.byte_size
		FROM source_entry e
		JOIN source_item i ON i.id = e.source_item_id
		JOIN source s ON s.id = i.source_id
		WHERE i.aggregate_id = ?
		ORDER BY s.path, i.name, e.extension_type, e.extension
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query aggregate entries: %w", err)
	}
	defer rows.Close()

	var entries []ForwardEntry
	for rows.Next() {
		var e ForwardEntry
		var extType int
		if err := rows.Scan(&e.SourceID, &e.SourcePath, &e.ItemName,
			&e.Extension, &extType, &e.ByteSize); err != nil {
			return nil, fmt.Errorf("scan aggregate entry: %w", err)
		}
		e.Type = payload.EntryType(extType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate entries: %w", err)
	}
	return entries, nil
}
