// Package tracker turns stored packages into queryable catalogue state.
//
// Each pass claims a batch of unexamined sources, opens their payloads,
// records the items and entries found inside, and flips the examined
// flag. The record-and-flip step is one transaction, so a crash before
// commit just repeats the examination on the next pass.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/executor"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/repo"
)

// Config holds tracker configuration options.
type Config struct {
	// Threads is the number of concurrent source examiners.
	Threads int

	// BatchSize is how many unexamined sources are claimed per poll.
	BatchSize int

	// Frequency is the idle delay between polls.
	Frequency time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threads:   config.DefaultTrackerThreads,
		BatchSize: config.DefaultTrackerBatchSize,
		Frequency: config.DefaultTrackerFrequency,
	}
}

// Tracker examines stored packages and catalogues their contents.
type Tracker struct {
	cat    *catalogue.Catalogue
	store  *repo.Store
	config Config
	log    *slog.Logger
}

// New creates a tracker over the given catalogue and file store.
func New(cat *catalogue.Catalogue, store *repo.Store, cfg Config) *Tracker {
	return &Tracker{
		cat:    cat,
		store:  store,
		config: cfg,
		log:    logging.Component("tracker"),
	}
}

// Supply returns the executor work supplier for this stage.
func (t *Tracker) Supply() executor.Supplier {
	return func() executor.Work {
		return t.runOnce
	}
}

// runOnce examines one batch of sources. Returns true if any work was
// found so the executor polls again immediately.
func (t *Tracker) runOnce(ctx context.Context) bool {
	sources, err := t.cat.NextUnexaminedSources(ctx, t.config.BatchSize)
	if err != nil {
		t.log.Error("failed to poll unexamined sources", "error", err)
		return false
	}
	if len(sources) == 0 {
		return false
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return true
		}
		if err := t.examine(ctx, src); err != nil {
			if errors.Is(err, errors.ErrAlreadyExamined) {
				// Another worker won the race for this source.
				t.log.Debug("source claimed by another worker", "sourceId", src.ID)
				continue
			}
			// One bad source never halts the batch.
			t.log.Error("failed to examine source",
				"sourceId", src.ID, "path", src.Path, "error", err)
		}
	}
	return true
}

// examine reads one payload and records its contents. A payload that has
// gone missing from disk is recorded with no items so cleanup can retire
// the orphaned row instead of the tracker retrying it forever.
func (t *Tracker) examine(ctx context.Context, src *catalogue.Source) error {
	h, err := t.store.OpenPath(src.Path)
	if errors.Is(err, errors.ErrPayloadNotFound) {
		t.log.Warn("payload missing for tracked source",
			"sourceId", src.ID, "path", src.Path)
		return t.cat.RecordItems(ctx, src, nil)
	}
	if err != nil {
		return err
	}
	defer h.Close()

	items := h.Items()
	if len(items) == 0 {
		// A blank package is catalogued with no items; it carries no
		// delivery obligation and is reclaimed by cleanup.
		t.log.Warn("blank package", "sourceId", src.ID, "path", src.Path)
		return t.cat.RecordItems(ctx, src, nil)
	}

	recorded := make([]catalogue.NewItem, 0, len(items))
	for _, item := range items {
		ni := catalogue.NewItem{Name: item.Name}
		for _, e := range item.Entries {
			ni.Entries = append(ni.Entries, catalogue.NewEntry{
				Extension: e.Extension,
				Type:      e.Type,
				ByteSize:  e.ByteSize,
			})
		}
		recorded = append(recorded, ni)
	}

	if err := t.cat.RecordItems(ctx, src, recorded); err != nil {
		return err
	}
	t.log.Debug("examined source",
		"sourceId", src.ID, "items", len(recorded))
	return nil
}
