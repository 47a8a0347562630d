package forwarder

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/executor"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/payload"
	"github.com/xtxerr/relay/internal/repo"
)

// Config holds forwarder configuration options.
type Config struct {
	// Threads is the number of concurrent delivery workers.
	Threads int

	// BatchSize is how many pending records are claimed per sweep.
	BatchSize int

	// Frequency is the idle delay between sweeps. Failed records are
	// retried on the next sweep; there is no per-record backoff.
	Frequency time.Duration

	// Aggregating selects which ledger is forwarded: completed
	// aggregates when true, raw examined sources when false.
	Aggregating bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threads:     config.DefaultForwardThreads,
		BatchSize:   config.DefaultForwardBatchSize,
		Frequency:   config.DefaultForwardFrequency,
		Aggregating: true,
	}
}

// boundDestination is a destination with its interned catalogue id.
type boundDestination struct {
	dest  Destination
	urlID uint64
}

// Forwarder delivers pending units to every configured destination.
type Forwarder struct {
	cat    *catalogue.Catalogue
	store  *repo.Store
	config Config
	log    *slog.Logger
	stats  *Stats

	hostname string

	mu       sync.Mutex
	dests    []boundDestination
	raw      []Destination
	inflight map[uint64]struct{}
}

// New creates a forwarder delivering to the given destinations.
func New(cat *catalogue.Catalogue, store *repo.Store, cfg Config, dests []Destination) *Forwarder {
	hostname, _ := os.Hostname()
	return &Forwarder{
		cat:      cat,
		store:    store,
		config:   cfg,
		log:      logging.Component("forwarder"),
		stats:    newStats(),
		hostname: hostname,
		raw:      dests,
		inflight: make(map[uint64]struct{}),
	}
}

// Stats returns the forwarder's delivery statistics.
func (f *Forwarder) Stats() StatsSnapshot {
	return f.stats.Snapshot()
}

// Supply returns the executor work supplier for this stage.
func (f *Forwarder) Supply() executor.Supplier {
	return func() executor.Work {
		return f.runOnce
	}
}

// runOnce creates missing forward records, then delivers one batch of
// pending ones. Returns true if any delivery was attempted.
func (f *Forwarder) runOnce(ctx context.Context) bool {
	dests, err := f.boundDestinations(ctx)
	if err != nil {
		f.log.Error("failed to intern destinations", "error", err)
		return false
	}
	if len(dests) == 0 {
		return false
	}

	if err := f.createRecords(ctx, dests); err != nil {
		f.log.Error("failed to create forward records", "error", err)
	}

	records, err := f.nextPending(ctx)
	if err != nil {
		f.log.Error("failed to poll pending forwards", "error", err)
		return false
	}

	worked := false
	for _, rec := range records {
		if ctx.Err() != nil {
			return worked
		}
		if !f.claim(rec.ID) {
			continue
		}
		worked = true
		f.deliverOne(ctx, dests, rec)
		f.release(rec.ID)
	}
	return worked
}

// boundDestinations interns each destination url once and caches the ids.
func (f *Forwarder) boundDestinations(ctx context.Context) ([]boundDestination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dests) == len(f.raw) {
		return f.dests, nil
	}
	f.dests = f.dests[:0]
	for _, d := range f.raw {
		id, err := f.cat.GetOrCreateForwardURL(ctx, d.URL())
		if err != nil {
			return nil, err
		}
		f.dests = append(f.dests, boundDestination{dest: d, urlID: id})
	}
	return f.dests, nil
}

func (f *Forwarder) createRecords(ctx context.Context, dests []boundDestination) error {
	for _, d := range dests {
		var err error
		if f.config.Aggregating {
			_, err = f.cat.CreateAggregateForwardRecords(ctx, d.urlID)
		} else {
			_, err = f.cat.CreateSourceForwardRecords(ctx, d.urlID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *Forwarder) nextPending(ctx context.Context) ([]catalogue.ForwardRecord, error) {
	if f.config.Aggregating {
		return f.cat.NextPendingAggregateForwards(ctx, f.config.BatchSize)
	}
	return f.cat.NextPendingSourceForwards(ctx, f.config.BatchSize)
}

// claim marks a record in flight so concurrent sweep workers never
// deliver the same record twice at once.
func (f *Forwarder) claim(recordID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[recordID]; busy {
		return false
	}
	f.inflight[recordID] = struct{}{}
	return true
}

func (f *Forwarder) release(recordID uint64) {
	f.mu.Lock()
	delete(f.inflight, recordID)
	f.mu.Unlock()
}

// deliverOne attempts one record and stores the outcome. Errors are
// captured on the record, never propagated; one failing destination
// must not block the rest of the batch.
func (f *Forwarder) deliverOne(ctx context.Context, dests []boundDestination, rec catalogue.ForwardRecord) {
	var dest Destination
	for _, d := range dests {
		if d.urlID == rec.ForwardURLID {
			dest = d.dest
			break
		}
	}
	if dest == nil {
		// Record for a destination no longer configured; left pending.
		return
	}

	attrs := f.deliveryAttributes(rec)
	var stream func(io.Writer) error
	if f.config.Aggregating {
		stream = f.aggregateStream(ctx, rec.UnitID)
	} else {
		stream = f.sourceStream(rec.SourcePath)
	}

	start := time.Now()
	err := dest.Deliver(ctx, rec.FeedName, rec.TypeName, attrs, stream)
	elapsed := time.Since(start)
	f.stats.record(elapsed, err == nil)

	nowMs := time.Now().UnixMilli()
	var markErr error
	if err != nil {
		f.log.Warn("delivery failed",
			"recordId", rec.ID, "unitId", rec.UnitID, "url", rec.URL,
			"tries", rec.Tries+1, "error", err)
		markErr = f.markForward(ctx, rec.ID, false, err.Error(), nowMs)
	} else {
		f.log.Info("delivered",
			"recordId", rec.ID, "unitId", rec.UnitID, "url", rec.URL,
			"elapsed", elapsed)
		markErr = f.markForward(ctx, rec.ID, true, "", nowMs)
	}
	if markErr != nil {
		f.log.Error("failed to record delivery outcome",
			"recordId", rec.ID, "error", markErr)
	}
}

func (f *Forwarder) markForward(ctx context.Context, recordID uint64, success bool, errMsg string, nowMs int64) error {
	if f.config.Aggregating {
		return f.cat.MarkAggregateForward(ctx, recordID, success, errMsg, nowMs)
	}
	return f.cat.MarkSourceForward(ctx, recordID, success, errMsg, nowMs)
}

// deliveryAttributes builds the standard attribute set sent with every
// delivery.
func (f *Forwarder) deliveryAttributes(rec catalogue.ForwardRecord) *payload.AttributeMap {
	attrs := payload.NewAttributeMap()
	if rec.FeedName != "" {
		attrs.Put(payload.AttrFeed, rec.FeedName)
	}
	if rec.TypeName != "" {
		attrs.Put(payload.AttrType, rec.TypeName)
	}
	attrs.Put(payload.AttrCompression, payload.CompressionZip)
	if f.hostname != "" {
		attrs.Put(payload.AttrReceivedPath, f.hostname)
	}
	attrs.Put(payload.AttrForwardID, fmt.Sprintf("%d", rec.ID))
	return attrs
}

// aggregateStream re-assembles an aggregate's entries into one zip
// stream. Items are renumbered sequentially in the catalogue's
// deterministic entry order, so a retried delivery is bit-identical to
// the first attempt and destinations may dedup on content.
func (f *Forwarder) aggregateStream(ctx context.Context, aggregateID uint64) func(io.Writer) error {
	return func(w io.Writer) error {
		entries, err := f.cat.AggregateForwardEntries(ctx, aggregateID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("aggregate %d has no entries", aggregateID)
		}

		handles := make(map[string]*repo.ReadHandle)
		defer func() {
			for _, h := range handles {
				h.Close()
			}
		}()

		zw := zip.NewWriter(w)
		itemIndex := 0
		lastItem := ""
		for _, e := range entries {
			itemKey := e.SourcePath + "\x00" + e.ItemName
			if itemKey != lastItem {
				itemIndex++
				lastItem = itemKey
			}

			h, ok := handles[e.SourcePath]
			if !ok {
				h, err = f.store.OpenPath(e.SourcePath)
				if err != nil {
					return err
				}
				handles[e.SourcePath] = h
			}

			rc, err := h.OpenEntry(e.ItemName + e.Extension)
			if err != nil {
				return fmt.Errorf("open entry %s%s in %s: %w",
					e.ItemName, e.Extension, e.SourcePath, err)
			}
			ew, err := zw.Create(fmt.Sprintf("%010d%s", itemIndex, e.Extension))
			if err == nil {
				_, err = io.Copy(ew, rc)
			}
			rc.Close()
			if err != nil {
				return fmt.Errorf("repackage entry %s%s: %w", e.ItemName, e.Extension, err)
			}
		}
		return zw.Close()
	}
}

// sourceStream copies a source's raw payload bytes verbatim.
func (f *Forwarder) sourceStream(relPath string) func(io.Writer) error {
	return func(w io.Writer) error {
		rc, err := f.store.OpenRaw(relPath)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return err
	}
}
