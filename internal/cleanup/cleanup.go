// Package cleanup reclaims disk space and catalogue rows for sources
// whose every obligation has been discharged.
//
// The deletable set is recomputed by query on every pass. Each source is
// removed in its own transaction with the payload deleted before the
// source row, so a crash mid-pass leaves rows that the next pass
// computes as deletable again.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/executor"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/repo"
)

// Config holds cleanup configuration options.
type Config struct {
	// BatchSize is how many deletable sources are processed per pass.
	BatchSize int

	// Frequency is the idle delay between passes.
	Frequency time.Duration

	// Aggregating mirrors the forwarder mode and selects the deletable
	// predicate.
	Aggregating bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   config.DefaultCleanupBatchSize,
		Frequency:   config.DefaultCleanupFrequency,
		Aggregating: true,
	}
}

// Cleaner deletes fully discharged sources and exhausted aggregates.
type Cleaner struct {
	cat    *catalogue.Catalogue
	store  *repo.Store
	config Config
	log    *slog.Logger
}

// New creates a cleaner over the catalogue and file store.
func New(cat *catalogue.Catalogue, store *repo.Store, cfg Config) *Cleaner {
	return &Cleaner{
		cat:    cat,
		store:  store,
		config: cfg,
		log:    logging.Component("cleanup"),
	}
}

// Supply returns the executor work supplier for this stage.
func (c *Cleaner) Supply() executor.Supplier {
	return func() executor.Work {
		return c.runOnce
	}
}

// runOnce deletes one batch of deletable sources, then retires any
// aggregates left unreferenced. Returns true if anything was deleted.
func (c *Cleaner) runOnce(ctx context.Context) bool {
	sources, err := c.cat.GetDeletableSources(ctx, c.config.Aggregating, c.config.BatchSize)
	if err != nil {
		c.log.Error("failed to compute deletable sources", "error", err)
		return false
	}
	if len(sources) == 0 {
		return false
	}

	deleted := 0
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		if err := c.deleteSource(ctx, src); err != nil {
			c.log.Error("failed to delete source",
				"sourceId", src.ID, "path", src.Path, "error", err)
			continue
		}
		deleted++
	}

	if c.config.Aggregating && deleted > 0 {
		n, err := c.cat.DeleteExhaustedAggregates(ctx)
		if err != nil {
			c.log.Error("failed to delete exhausted aggregates", "error", err)
		} else if n > 0 {
			c.log.Info("deleted exhausted aggregates", "count", n)
		}
	}

	if deleted > 0 {
		c.log.Info("cleaned up sources", "count", deleted)
	}
	return deleted > 0
}

// deleteSource removes one source's rows and payload. Payload deletion
// is idempotent, so re-running after a crash mid-delete succeeds.
func (c *Cleaner) deleteSource(ctx context.Context, src *catalogue.Source) error {
	return c.cat.DeleteSourceRows(ctx, src.ID, func() error {
		return c.store.DeletePath(src.Path)
	})
}
