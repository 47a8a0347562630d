// Package config provides configuration defaults and utilities
// for the relay pipeline.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Repository Defaults
// =============================================================================

const (
	// DefaultRepoDir is the default root directory for stored packages.
	// Override via config: repo.dir
	DefaultRepoDir = "repo"

	// DefaultRepositoryFormat is the default path template for new packages.
	// Recognized placeholders: ${pathId}, ${id}, ${feed}, ${year}, ${month},
	// ${day} and any attribute name carried by the package.
	// Override via config: repo.format
	DefaultRepositoryFormat = "${pathId}/${id}"

	// DefaultLockDeleteAge is how old an abandoned .lock file must be before
	// the recovery scanner removes it. Writes normally finish in seconds, so
	// an hour-old lock belongs to a crashed process.
	// Override via config: repo.lock_delete_age
	DefaultLockDeleteAge = time.Hour

	// DefaultScanConcurrency bounds how many interrupted multi-part uploads
	// the recovery scanner merges in parallel at startup.
	// Override via config: repo.scan_concurrency
	DefaultScanConcurrency = 4
)

// =============================================================================
// Catalogue Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the default location of the embedded catalogue.
	// Override via config: database.path
	DefaultDatabasePath = "relay.db"

	// DefaultQueryTimeout is the default timeout for catalogue queries.
	// Override via config: database.query_timeout
	DefaultQueryTimeout = 30 * time.Second
)

// =============================================================================
// Tracker Defaults
// =============================================================================

const (
	// DefaultTrackerThreads is the number of concurrent source examiners.
	// Override via config: tracker.threads
	DefaultTrackerThreads = 2

	// DefaultTrackerBatchSize is how many unexamined sources are claimed per
	// poll. Bounded to cap memory and transaction duration.
	// Override via config: tracker.batch_size
	DefaultTrackerBatchSize = 100

	// DefaultTrackerFrequency is the idle delay between tracker polls.
	// Override via config: tracker.frequency
	DefaultTrackerFrequency = 10 * time.Second
)

// =============================================================================
// Aggregator Defaults
// =============================================================================

const (
	// DefaultMaxAggregateItems is the maximum number of items per aggregate
	// before it is closed to further growth.
	// Override via config: aggregator.max_items
	DefaultMaxAggregateItems = 1000

	// DefaultMaxAggregateBytes is the maximum uncompressed byte size of an
	// aggregate before it is closed to further growth.
	// Override via config: aggregator.max_bytes
	DefaultMaxAggregateBytes = 1024 * 1024 * 1024

	// DefaultMaxAggregateAge is how long an open aggregate may wait to fill
	// before the age sweep closes it regardless of size. Guarantees that
	// low-volume feeds are forwarded promptly.
	// Override via config: aggregator.max_age
	DefaultMaxAggregateAge = 10 * time.Minute

	// DefaultAggregatorBatchSize is how many unassigned items are pulled per
	// aggregation pass.
	// Override via config: aggregator.batch_size
	DefaultAggregatorBatchSize = 1000

	// DefaultAggregatorFrequency is the idle delay between aggregation passes.
	// Override via config: aggregator.frequency
	DefaultAggregatorFrequency = 10 * time.Second

	// AggregatorLockStripes is the number of striped locks serializing
	// aggregate mutation per feed key.
	AggregatorLockStripes = 32
)

// =============================================================================
// Forwarder Defaults
// =============================================================================

const (
	// DefaultForwardThreads is the number of concurrent delivery workers.
	// Override via config: forward.threads
	DefaultForwardThreads = 4

	// DefaultForwardFrequency is the idle delay between forward sweeps.
	// Failed records are simply retried on the next sweep.
	// Override via config: forward.frequency
	DefaultForwardFrequency = 10 * time.Second

	// DefaultForwardTimeout bounds a single delivery call to a destination.
	// A timeout is treated as an ordinary delivery failure.
	// Override via config: forward.destinations[].timeout
	DefaultForwardTimeout = 30 * time.Second

	// DefaultForwardBatchSize is how many pending forward records are claimed
	// per sweep.
	// Override via config: forward.batch_size
	DefaultForwardBatchSize = 100
)

// =============================================================================
// Cleanup Defaults
// =============================================================================

const (
	// DefaultCleanupFrequency is the idle delay between cleanup passes.
	// Override via config: cleanup.frequency
	DefaultCleanupFrequency = time.Minute

	// DefaultCleanupBatchSize is how many deletable sources are processed per
	// pass. The deletable set is recomputed every pass, never cached.
	// Override via config: cleanup.batch_size
	DefaultCleanupBatchSize = 100
)
