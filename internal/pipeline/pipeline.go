// Package pipeline assembles the store-and-forward stages over one
// catalogue and one file store and runs each stage on its own executor.
//
// Stage order at startup is recovery scan, then tracker, aggregator,
// forwarder and cleanup loops. Every inter-stage queue lives in the
// catalogue, so Stop may interrupt any stage between work units without
// losing state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/aggregator"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/cleanup"
	"github.com/xtxerr/relay/internal/executor"
	"github.com/xtxerr/relay/internal/forwarder"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/payload"
	"github.com/xtxerr/relay/internal/repo"
	"github.com/xtxerr/relay/internal/tracker"
)

// Config holds the assembled configuration for a pipeline instance.
type Config struct {
	// RepoDir is the root of the sequential file store.
	RepoDir string

	// RepoFormat is the payload path template. Empty selects the
	// default id-bucketed layout.
	RepoFormat string

	// LockDeleteAge is how old an orphaned lock file must be before
	// the recovery scan deletes it.
	LockDeleteAge time.Duration

	// ScanConcurrency bounds parallel parts-directory recovery.
	ScanConcurrency int

	// Database configures the embedded catalogue.
	Database catalogue.Config

	Tracker    tracker.Config
	Aggregator aggregator.Config
	Forward    forwarder.Config
	Cleanup    cleanup.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RepoDir:         config.DefaultRepoDir,
		RepoFormat:      config.DefaultRepositoryFormat,
		LockDeleteAge:   config.DefaultLockDeleteAge,
		ScanConcurrency: config.DefaultScanConcurrency,
		Database:        catalogue.DefaultConfig(),
		Tracker:         tracker.DefaultConfig(),
		Aggregator:      aggregator.DefaultConfig(),
		Forward:         forwarder.DefaultConfig(),
		Cleanup:         cleanup.DefaultConfig(),
	}
}

// Pipeline owns the catalogue, the file store and the stage executors.
type Pipeline struct {
	config Config

	cat   *catalogue.Catalogue
	store *repo.Store

	tracker    *tracker.Tracker
	aggregator *aggregator.Aggregator
	forwarder  *forwarder.Forwarder
	cleaner    *cleanup.Cleaner

	executors []*executor.Executor

	running  atomic.Bool
	received atomic.Int64

	startTime time.Time
	scan      repo.ScanResult

	log *slog.Logger
}

// New opens the catalogue and file store and constructs every stage.
// Destinations come from the caller so transports stay pluggable.
func New(cfg Config, dests []forwarder.Destination) (*Pipeline, error) {
	cat, err := catalogue.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}

	store, err := repo.Open(cfg.RepoDir, cfg.RepoFormat)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("open repository: %w", err)
	}

	p := &Pipeline{
		config:     cfg,
		cat:        cat,
		store:      store,
		tracker:    tracker.New(cat, store, cfg.Tracker),
		aggregator: aggregator.New(cat, cfg.Aggregator),
		forwarder:  forwarder.New(cat, store, cfg.Forward, dests),
		cleaner:    cleanup.New(cat, store, cfg.Cleanup),
		log:        logging.Component("pipeline"),
	}
	return p, nil
}

// Start runs the recovery scan, then launches one executor per stage.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.running.Load() {
		return fmt.Errorf("pipeline already running")
	}

	scanner := repo.NewScanner(p.store, p.config.LockDeleteAge, p.config.ScanConcurrency)
	scan, err := scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	p.scan = scan
	p.log.Info("recovery scan complete",
		"payloads", scan.PayloadsFound,
		"min_id", scan.MinID,
		"max_id", scan.MaxID,
		"parts_recovered", scan.PartsRecovered,
		"locks_deleted", scan.LocksDeleted,
		"migrated", scan.Migrated,
		"rejected", len(scan.Rejected))
	for _, path := range scan.Rejected {
		p.log.Warn("foreign file in repository", "path", path)
	}

	stages := []struct {
		name     string
		supplier executor.Supplier
		threads  int
		idle     time.Duration
	}{
		{"tracker", p.tracker.Supply(), p.config.Tracker.Threads, p.config.Tracker.Frequency},
		{"aggregator", p.aggregator.Supply(), 1, p.config.Aggregator.Frequency},
		{"forwarder", p.forwarder.Supply(), p.config.Forward.Threads, p.config.Forward.Frequency},
		{"cleanup", p.cleaner.Supply(), 1, p.config.Cleanup.Frequency},
	}
	for _, st := range stages {
		ex := executor.New(st.name, st.supplier, st.threads)
		ex.SetIdleDelay(st.idle)
		ex.Start()
		p.executors = append(p.executors, ex)
	}

	p.running.Store(true)
	p.startTime = time.Now()
	return nil
}

// Stop halts the stage executors in reverse order, then closes the
// catalogue and file store.
func (p *Pipeline) Stop() error {
	if !p.running.Load() {
		return nil
	}
	p.running.Store(false)

	for i := len(p.executors) - 1; i >= 0; i-- {
		p.executors[i].Stop()
	}
	p.executors = nil

	var errs []error
	if err := p.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repository: %w", err))
	}
	if err := p.cat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalogue: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// Pause gates every stage executor after its in-flight work units.
func (p *Pipeline) Pause() {
	for _, ex := range p.executors {
		ex.Pause()
	}
}

// Resume releases paused stage executors.
func (p *Pipeline) Resume() {
	for _, ex := range p.executors {
		ex.Resume()
	}
}

// Receive stores one package and catalogues it as a new source. The
// write callback adds entries to the handle; the payload only becomes
// visible once both the handle close and the catalogue insert succeed.
// A path collision returns catalogue.ErrDuplicatePath.
func (p *Pipeline) Receive(ctx context.Context, attrs *payload.AttributeMap, write func(h *repo.WriteHandle) error) (uint64, error) {
	if !p.running.Load() {
		return 0, fmt.Errorf("pipeline not running")
	}

	h, err := p.store.Put(attrs)
	if err != nil {
		return 0, err
	}
	if err := write(h); err != nil {
		h.Abort()
		return 0, err
	}
	if err := h.Close(); err != nil {
		return 0, err
	}

	feed := ""
	typ := ""
	if attrs != nil {
		feed = attrs.GetOr(payload.AttrFeed, "")
		typ = attrs.GetOr(payload.AttrType, "")
	}
	src := &catalogue.Source{
		ID:             h.ID(),
		Path:           h.RelPath(),
		FeedName:       feed,
		TypeName:       typ,
		LastModifiedMs: time.Now().UnixMilli(),
	}
	if err := p.cat.AddSource(ctx, src); err != nil {
		// Roll back the stored payload; the caller retries against a
		// fresh id. If the delete fails too, the stray payload falls
		// out through the missing-catalogue-row path at next startup.
		if delErr := p.store.DeletePath(h.RelPath()); delErr != nil {
			p.log.Warn("failed to delete orphaned payload", "path", h.RelPath(), "error", delErr)
		}
		return 0, err
	}

	p.received.Add(1)
	return h.ID(), nil
}

// Catalogue exposes the underlying catalogue, mainly for inspection.
func (p *Pipeline) Catalogue() *catalogue.Catalogue {
	return p.cat
}

// Store exposes the underlying file store.
func (p *Pipeline) Store() *repo.Store {
	return p.store
}

// Stats holds combined pipeline statistics.
type Stats struct {
	Uptime          time.Duration
	Received        int64
	Sources         int64
	Aggregates      int64
	Forward         forwarder.StatsSnapshot
	ScanPayloads    int
	ScanRecovered   int
	ScanLocksKilled int
}

// Stats returns combined statistics across the stages.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	st := Stats{
		Received:        p.received.Load(),
		Forward:         p.forwarder.Stats(),
		ScanPayloads:    p.scan.PayloadsFound,
		ScanRecovered:   p.scan.PartsRecovered,
		ScanLocksKilled: p.scan.LocksDeleted,
	}
	if p.running.Load() {
		st.Uptime = time.Since(p.startTime)
	}
	if n, err := p.cat.CountSources(ctx); err == nil {
		st.Sources = n
	}
	if n, err := p.cat.CountAggregates(ctx); err == nil {
		st.Aggregates = n
	}
	return st
}
