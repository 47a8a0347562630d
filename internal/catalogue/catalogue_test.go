package catalogue

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/payload"
)

func newTestCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "relay.db")
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func addSource(t *testing.T, c *Catalogue, id uint64, path, feed string) *Source {
	t.Helper()
	src := &Source{
		ID:             id,
		Path:           path,
		FeedName:       feed,
		TypeName:       "Events",
		LastModifiedMs: time.Now().UnixMilli(),
	}
	if err := c.AddSource(context.Background(), src); err != nil {
		t.Fatalf("AddSource(%d): %v", id, err)
	}
	return src
}

func oneItem(name string, size int64) NewItem {
	return NewItem{
		Name: name,
		Entries: []NewEntry{
			{Extension: ".meta", Type: payload.TypeMeta, ByteSize: 20},
			{Extension: ".dat", Type: payload.TypeData, ByteSize: size},
		},
	}
}

func TestAddSourceDuplicatePath(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	addSource(t, c, 1, "001.zip", "FEED")

	err := c.AddSource(ctx, &Source{ID: 2, Path: "001.zip", FeedName: "FEED"})
	if !errors.Is(err, ErrDuplicatePath) {
		t.Fatalf("second insert = %v, want ErrDuplicatePath", err)
	}
	n, err := c.CountSources(ctx)
	if err != nil {
		t.Fatalf("CountSources: %v", err)
	}
	if n != 1 {
		t.Fatalf("sources = %d, want 1", n)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	c := newTestCatalogue(t)
	if _, err := c.GetSource(context.Background(), 99); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("GetSource(99) = %v, want ErrSourceNotFound", err)
	}
}

func TestQueryTimeoutBoundsOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "relay.db")
	cfg.QueryTimeout = time.Nanosecond
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if _, err := c.CountSources(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("CountSources err = %v, want deadline exceeded", err)
	}
	err = c.TransactionContext(context.Background(), func(tx *sql.Tx) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("TransactionContext err = %v, want deadline exceeded", err)
	}
}

func TestRecordItemsFlipsExamined(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")

	pending, err := c.NextUnexaminedSources(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnexaminedSources: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != 1 {
		t.Fatalf("pending = %+v, want source 1", pending)
	}

	items := []NewItem{oneItem("001", 100), oneItem("002", 200)}
	if err := c.RecordItems(ctx, src, items); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	pending, err = c.NextUnexaminedSources(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnexaminedSources: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after examine = %+v, want none", pending)
	}

	got, err := c.GetSource(ctx, 1)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if !got.Examined {
		t.Fatal("source not marked examined")
	}

	unagg, err := c.NextUnaggregatedItems(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnaggregatedItems: %v", err)
	}
	if len(unagg) != 2 {
		t.Fatalf("unaggregated = %d, want 2", len(unagg))
	}
	// Byte sizes sum entries per item.
	if unagg[0].ByteSize != 120 || unagg[1].ByteSize != 220 {
		t.Fatalf("item sizes = %d, %d, want 120, 220", unagg[0].ByteSize, unagg[1].ByteSize)
	}
}

func TestRecordItemsSecondExaminationRollsBack(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED-A")

	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 100)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	// A second worker racing on the same source must lose the examined
	// flip and leave no duplicate items behind.
	err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 100)})
	if !errors.Is(err, ErrAlreadyExamined) {
		t.Fatalf("second RecordItems err = %v, want ErrAlreadyExamined", err)
	}

	unagg, err := c.NextUnaggregatedItems(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnaggregatedItems: %v", err)
	}
	if len(unagg) != 1 {
		t.Fatalf("items for source 1 = %d, want 1", len(unagg))
	}
}

func TestAssignItemMaintainsCounters(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{
		oneItem("001", 100), oneItem("002", 200), oneItem("003", 300),
	}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	items, err := c.NextUnaggregatedItems(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnaggregatedItems: %v", err)
	}
	bounds := Bounds{MaxItems: 100, MaxBytes: 1 << 30}
	now := time.Now().UnixMilli()

	var aggID uint64
	var total int64
	for i, it := range items {
		id, closed, err := c.AssignItem(ctx, it, bounds, now)
		if err != nil {
			t.Fatalf("AssignItem: %v", err)
		}
		if closed {
			t.Fatalf("aggregate closed early at item %d", i)
		}
		if aggID == 0 {
			aggID = id
		} else if id != aggID {
			t.Fatalf("item %d went to aggregate %d, want %d", i, id, aggID)
		}
		total += it.ByteSize

		agg, err := c.GetAggregate(ctx, id)
		if err != nil {
			t.Fatalf("GetAggregate: %v", err)
		}
		if agg.Items != int64(i+1) || agg.ByteSize != total {
			t.Fatalf("counters after item %d = (%d, %d), want (%d, %d)",
				i, agg.Items, agg.ByteSize, i+1, total)
		}
	}

	// Everything assigned; queue is drained.
	left, err := c.NextUnaggregatedItems(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnaggregatedItems: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("unaggregated after assignment = %d, want 0", len(left))
	}
}

func TestAssignItemClosesOnOverflow(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	var items []NewItem
	for i := 0; i < 4; i++ {
		items = append(items, oneItem(fmt.Sprintf("%03d", i+1), 100))
	}
	if err := c.RecordItems(ctx, src, items); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	unagg, err := c.NextUnaggregatedItems(ctx, 10)
	if err != nil {
		t.Fatalf("NextUnaggregatedItems: %v", err)
	}
	bounds := Bounds{MaxItems: 2}
	now := time.Now().UnixMilli()

	first, closed1, err := c.AssignItem(ctx, unagg[0], bounds, now)
	if err != nil || closed1 {
		t.Fatalf("first assign = (%v, %v)", closed1, err)
	}
	second, closed2, err := c.AssignItem(ctx, unagg[1], bounds, now)
	if err != nil || closed2 {
		t.Fatalf("second assign = (%v, %v)", closed2, err)
	}
	if second != first {
		t.Fatalf("second item aggregate = %d, want %d", second, first)
	}

	// The third addition exceeds the bound, closing the aggregate with it.
	third, closed3, err := c.AssignItem(ctx, unagg[2], bounds, now)
	if err != nil {
		t.Fatalf("third assign: %v", err)
	}
	if third != first || !closed3 {
		t.Fatalf("third assign = (agg %d, closed %v), want (agg %d, closed)", third, closed3, first)
	}

	// The fourth opens a fresh aggregate for the same key.
	fourth, _, err := c.AssignItem(ctx, unagg[3], bounds, now)
	if err != nil {
		t.Fatalf("fourth assign: %v", err)
	}
	if fourth == first {
		t.Fatal("item assigned to a completed aggregate")
	}
}

func TestCloseOldAggregates(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}
	unagg, _ := c.NextUnaggregatedItems(ctx, 1)
	createdMs := int64(1000)
	if _, _, err := c.AssignItem(ctx, unagg[0], Bounds{MaxItems: 100}, createdMs); err != nil {
		t.Fatalf("AssignItem: %v", err)
	}

	n, err := c.CloseOldAggregates(ctx, createdMs-1)
	if err != nil {
		t.Fatalf("CloseOldAggregates: %v", err)
	}
	if n != 0 {
		t.Fatalf("closed %d aggregates before cutoff, want 0", n)
	}
	n, err = c.CloseOldAggregates(ctx, createdMs)
	if err != nil {
		t.Fatalf("CloseOldAggregates: %v", err)
	}
	if n != 1 {
		t.Fatalf("closed %d aggregates, want 1", n)
	}
}

func TestForwardRecordIdempotence(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}
	unagg, _ := c.NextUnaggregatedItems(ctx, 1)
	aggID, _, err := c.AssignItem(ctx, unagg[0], Bounds{}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("AssignItem: %v", err)
	}
	if err := c.CloseAggregate(ctx, aggID); err != nil {
		t.Fatalf("CloseAggregate: %v", err)
	}

	urlID, err := c.GetOrCreateForwardURL(ctx, "https://downstream.example/feed")
	if err != nil {
		t.Fatalf("GetOrCreateForwardURL: %v", err)
	}
	again, err := c.GetOrCreateForwardURL(ctx, "https://downstream.example/feed")
	if err != nil || again != urlID {
		t.Fatalf("re-intern url = (%d, %v), want (%d, nil)", again, err, urlID)
	}

	n, err := c.CreateAggregateForwardRecords(ctx, urlID)
	if err != nil {
		t.Fatalf("CreateAggregateForwardRecords: %v", err)
	}
	if n != 1 {
		t.Fatalf("records created = %d, want 1", n)
	}
	n, err = c.CreateAggregateForwardRecords(ctx, urlID)
	if err != nil {
		t.Fatalf("second CreateAggregateForwardRecords: %v", err)
	}
	if n != 0 {
		t.Fatalf("records created on repeat = %d, want 0", n)
	}

	pending, err := c.NextPendingAggregateForwards(ctx, 10)
	if err != nil {
		t.Fatalf("NextPendingAggregateForwards: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	rec := pending[0]
	if rec.UnitID != aggID || rec.URL != "https://downstream.example/feed" || rec.FeedName != "FEED" {
		t.Fatalf("pending record = %+v", rec)
	}
}

func TestMarkForwardOutcome(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}
	urlID, _ := c.GetOrCreateForwardURL(ctx, "file:///export")
	if _, err := c.CreateSourceForwardRecords(ctx, urlID); err != nil {
		t.Fatalf("CreateSourceForwardRecords: %v", err)
	}

	pending, _ := c.NextPendingSourceForwards(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	rec := pending[0]
	if rec.SourcePath != "001.zip" {
		t.Fatalf("record path = %q", rec.SourcePath)
	}

	// A failed attempt stores the error and keeps the record pending.
	if err := c.MarkSourceForward(ctx, rec.ID, false, "connection refused", 100); err != nil {
		t.Fatalf("MarkSourceForward: %v", err)
	}
	pending, _ = c.NextPendingSourceForwards(ctx, 10)
	if len(pending) != 1 || pending[0].Tries != 1 || pending[0].Error != "connection refused" {
		t.Fatalf("after failure = %+v", pending)
	}

	// A successful attempt retires it.
	if err := c.MarkSourceForward(ctx, rec.ID, true, "", 200); err != nil {
		t.Fatalf("MarkSourceForward: %v", err)
	}
	pending, _ = c.NextPendingSourceForwards(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("pending after success = %d, want 0", len(pending))
	}
}

func TestAggregateForwardEntriesOrder(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	// Two sources contribute to one aggregate; entries must come back
	// ordered by source path, item name, role, extension.
	srcB := addSource(t, c, 2, "b/002.zip", "FEED")
	srcA := addSource(t, c, 1, "a/001.zip", "FEED")
	if err := c.RecordItems(ctx, srcB, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}
	if err := c.RecordItems(ctx, srcA, []NewItem{oneItem("002", 10), oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	unagg, _ := c.NextUnaggregatedItems(ctx, 10)
	var aggID uint64
	for _, it := range unagg {
		id, _, err := c.AssignItem(ctx, it, Bounds{}, time.Now().UnixMilli())
		if err != nil {
			t.Fatalf("AssignItem: %v", err)
		}
		aggID = id
	}

	entries, err := c.AggregateForwardEntries(ctx, aggID)
	if err != nil {
		t.Fatalf("AggregateForwardEntries: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("entries = %d, want 6", len(entries))
	}
	type key struct {
		path, item, ext string
	}
	want := []key{
		{"a/001.zip", "001", ".meta"},
		{"a/001.zip", "001", ".dat"},
		{"a/001.zip", "002", ".meta"},
		{"a/001.zip", "002", ".dat"},
		{"b/002.zip", "001", ".meta"},
		{"b/002.zip", "001", ".dat"},
	}
	for i, e := range entries {
		got := key{e.SourcePath, e.ItemName, e.Extension}
		if got != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestGetDeletableSources(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}

	mustDeletable := func(want int, stage string) {
		t.Helper()
		del, err := c.GetDeletableSources(ctx, true, 10)
		if err != nil {
			t.Fatalf("GetDeletableSources (%s): %v", stage, err)
		}
		if len(del) != want {
			t.Fatalf("deletable at %s = %d, want %d", stage, len(del), want)
		}
	}

	// Unassigned item blocks deletion.
	mustDeletable(0, "unaggregated")

	unagg, _ := c.NextUnaggregatedItems(ctx, 1)
	aggID, _, err := c.AssignItem(ctx, unagg[0], Bounds{}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("AssignItem: %v", err)
	}
	// Open aggregate blocks deletion.
	mustDeletable(0, "open aggregate")

	if err := c.CloseAggregate(ctx, aggID); err != nil {
		t.Fatalf("CloseAggregate: %v", err)
	}
	// Complete but never forwarded still blocks deletion.
	mustDeletable(0, "no forward records")

	urlID, _ := c.GetOrCreateForwardURL(ctx, "https://x.example")
	if _, err := c.CreateAggregateForwardRecords(ctx, urlID); err != nil {
		t.Fatalf("CreateAggregateForwardRecords: %v", err)
	}
	// Pending record blocks deletion.
	mustDeletable(0, "pending forward")

	pending, _ := c.NextPendingAggregateForwards(ctx, 1)
	if err := c.MarkAggregateForward(ctx, pending[0].ID, false, "boom", 1); err != nil {
		t.Fatalf("MarkAggregateForward: %v", err)
	}
	// Failed record still blocks deletion.
	mustDeletable(0, "failed forward")

	if err := c.MarkAggregateForward(ctx, pending[0].ID, true, "", 2); err != nil {
		t.Fatalf("MarkAggregateForward: %v", err)
	}
	mustDeletable(1, "fully forwarded")
}

func TestDeleteSourceRowsCascade(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	src := addSource(t, c, 1, "001.zip", "FEED")
	if err := c.RecordItems(ctx, src, []NewItem{oneItem("001", 10)}); err != nil {
		t.Fatalf("RecordItems: %v", err)
	}
	unagg, _ := c.NextUnaggregatedItems(ctx, 1)
	aggID, _, _ := c.AssignItem(ctx, unagg[0], Bounds{}, time.Now().UnixMilli())
	c.CloseAggregate(ctx, aggID)
	urlID, _ := c.GetOrCreateForwardURL(ctx, "https://x.example")
	c.CreateAggregateForwardRecords(ctx, urlID)
	pending, _ := c.NextPendingAggregateForwards(ctx, 1)
	c.MarkAggregateForward(ctx, pending[0].ID, true, "", 1)

	payloadDeleted := false
	err := c.DeleteSourceRows(ctx, 1, func() error {
		payloadDeleted = true
		return nil
	})
	if err != nil {
		t.Fatalf("DeleteSourceRows: %v", err)
	}
	if !payloadDeleted {
		t.Fatal("payload delete callback not invoked")
	}

	n, _ := c.CountSources(ctx)
	if n != 0 {
		t.Fatalf("sources after delete = %d, want 0", n)
	}
	var orphans int64
	if err := c.db.QueryRow(`SELECT count(*) FROM source_item`).Scan(&orphans); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("orphan items = %d", orphans)
	}

	// The aggregate is now unreferenced and fully forwarded.
	deleted, err := c.DeleteExhaustedAggregates(ctx)
	if err != nil {
		t.Fatalf("DeleteExhaustedAggregates: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("aggregates deleted = %d, want 1", deleted)
	}
	if n, _ := c.CountAggregates(ctx); n != 0 {
		t.Fatalf("aggregates remaining = %d, want 0", n)
	}
}

func TestDeleteSourceRowsPayloadFailureRollsBack(t *testing.T) {
	c := newTestCatalogue(t)
	ctx := context.Background()

	addSource(t, c, 1, "001.zip", "FEED")

	err := c.DeleteSourceRows(ctx, 1, func() error {
		return fmt.Errorf("disk error")
	})
	if err == nil {
		t.Fatal("DeleteSourceRows succeeded despite payload failure")
	}
	// The source row survives so the next pass retries the whole delete.
	if n, _ := c.CountSources(ctx); n != 1 {
		t.Fatalf("sources = %d, want 1 after rollback", n)
	}
}
