// Package aggregator groups catalogued items into bounded aggregates.
//
// Each pass pulls a batch of unassigned items and places every one into
// the open aggregate for its feed+type key, closing aggregates as byte
// or item bounds are crossed. A periodic age sweep closes stragglers so
// low-volume feeds are still forwarded promptly.
package aggregator

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/executor"
	"github.com/xtxerr/relay/internal/logging"
)

// Config holds aggregator configuration options.
type Config struct {
	// MaxItems closes an aggregate once its item count exceeds it.
	MaxItems int64

	// MaxBytes closes an aggregate once its byte size exceeds it.
	MaxBytes int64

	// MaxAge closes any still-open aggregate older than this.
	MaxAge time.Duration

	// BatchSize is how many unassigned items are pulled per pass.
	BatchSize int

	// Frequency is the idle delay between passes.
	Frequency time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:  config.DefaultMaxAggregateItems,
		MaxBytes:  config.DefaultMaxAggregateBytes,
		MaxAge:    config.DefaultMaxAggregateAge,
		BatchSize: config.DefaultAggregatorBatchSize,
		Frequency: config.DefaultAggregatorFrequency,
	}
}

// Aggregator assigns items to aggregates.
type Aggregator struct {
	cat    *catalogue.Catalogue
	config Config
	log    *slog.Logger

	// One lock per key stripe. Assignment within a feed+type key must be
	// serialized so two items never both observe the same under-threshold
	// aggregate and overshoot it.
	stripes [config.AggregatorLockStripes]sync.Mutex

	mu        sync.Mutex
	lastSweep time.Time
}

// New creates an aggregator over the catalogue.
func New(cat *catalogue.Catalogue, cfg Config) *Aggregator {
	return &Aggregator{
		cat:    cat,
		config: cfg,
		log:    logging.Component("aggregator"),
	}
}

// Supply returns the executor work supplier for this stage.
func (a *Aggregator) Supply() executor.Supplier {
	return func() executor.Work {
		return a.runOnce
	}
}

// runOnce assigns one batch of items and runs the age sweep when due.
// Returns true if any assignment happened.
func (a *Aggregator) runOnce(ctx context.Context) bool {
	a.sweepIfDue(ctx)

	items, err := a.cat.NextUnaggregatedItems(ctx, a.config.BatchSize)
	if err != nil {
		a.log.Error("failed to poll unaggregated items", "error", err)
		return false
	}
	if len(items) == 0 {
		return false
	}

	bounds := catalogue.Bounds{
		MaxItems: a.config.MaxItems,
		MaxBytes: a.config.MaxBytes,
	}
	now := time.Now().UnixMilli()

	for _, item := range items {
		if ctx.Err() != nil {
			return true
		}
		stripe := a.stripeFor(item.FeedName, item.TypeName)
		stripe.Lock()
		aggID, closed, err := a.cat.AssignItem(ctx, item, bounds, now)
		stripe.Unlock()
		if err != nil {
			a.log.Error("failed to assign item",
				"itemId", item.ID, "feed", item.FeedName, "error", err)
			continue
		}
		if closed {
			a.log.Info("aggregate closed on bound",
				"aggregateId", aggID, "feed", item.FeedName, "type", item.TypeName)
		}
	}
	return true
}

// SweepNow forces the age sweep regardless of schedule. Returns the
// number of aggregates closed.
func (a *Aggregator) SweepNow(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-a.config.MaxAge).UnixMilli()
	n, err := a.cat.CloseOldAggregates(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.log.Info("closed aged aggregates", "count", n)
	}
	return n, nil
}

// sweepIfDue runs the age sweep at most once per Frequency.
func (a *Aggregator) sweepIfDue(ctx context.Context) {
	a.mu.Lock()
	due := time.Since(a.lastSweep) >= a.config.Frequency
	if due {
		a.lastSweep = time.Now()
	}
	a.mu.Unlock()
	if !due {
		return
	}
	if _, err := a.SweepNow(ctx); err != nil {
		a.log.Error("age sweep failed", "error", err)
	}
}

func (a *Aggregator) stripeFor(feed, typ string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(feed))
	h.Write([]byte{0})
	h.Write([]byte(typ))
	return &a.stripes[h.Sum32()%config.AggregatorLockStripes]
}
