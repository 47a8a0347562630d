// Package loader - Configuration Types
//
// Defines the YAML configuration structure for relayd.

package loader

import (
	"time"

	"github.com/xtxerr/relay/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for relayd.
type Config struct {
	// Repo configures the sequential file store.
	Repo RepoConfig `yaml:"repo"`

	// Database configures the embedded catalogue.
	Database DatabaseConfig `yaml:"database"`

	// Tracker configures source examination.
	Tracker TrackerConfig `yaml:"tracker"`

	// Aggregator configures item grouping.
	Aggregator AggregatorConfig `yaml:"aggregator"`

	// Forward configures delivery to downstream destinations.
	Forward ForwardConfig `yaml:"forward"`

	// Cleanup configures source and aggregate retirement.
	Cleanup CleanupConfig `yaml:"cleanup"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

// =============================================================================
// Repository
// =============================================================================

// RepoConfig configures the on-disk package store.
type RepoConfig struct {
	// Dir is the root directory for stored packages.
	Dir string `yaml:"dir"`

	// Format is the payload path template. Placeholders: ${pathId},
	// ${id}, ${feed}, ${year}, ${month}, ${day} and attribute names.
	Format string `yaml:"format"`

	// LockDeleteAge is how old an abandoned lock file must be before
	// the startup scan removes it.
	LockDeleteAge time.Duration `yaml:"lock_delete_age"`

	// ScanConcurrency bounds parallel parts-directory recovery during
	// the startup scan.
	ScanConcurrency int `yaml:"scan_concurrency"`
}

// =============================================================================
// Catalogue
// =============================================================================

// DatabaseConfig configures the embedded catalogue database.
type DatabaseConfig struct {
	// Path is the database file path. Empty selects in-memory, which
	// loses all tracking state on restart and is only useful in tests.
	Path string `yaml:"path"`

	// QueryTimeout bounds individual catalogue queries.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// =============================================================================
// Stages
// =============================================================================

// TrackerConfig configures the source tracker stage.
type TrackerConfig struct {
	Threads   int           `yaml:"threads"`
	BatchSize int           `yaml:"batch_size"`
	Frequency time.Duration `yaml:"frequency"`
}

// AggregatorConfig configures the aggregator stage.
type AggregatorConfig struct {
	// MaxItems closes an aggregate once its item count exceeds this.
	MaxItems int64 `yaml:"max_items"`

	// MaxBytes closes an aggregate once its byte size exceeds this.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxAge force-closes aggregates older than this even when under
	// both bounds, so quiet feeds still ship.
	MaxAge time.Duration `yaml:"max_age"`

	BatchSize int           `yaml:"batch_size"`
	Frequency time.Duration `yaml:"frequency"`
}

// ForwardConfig configures the forwarder stage.
type ForwardConfig struct {
	Threads   int           `yaml:"threads"`
	BatchSize int           `yaml:"batch_size"`
	Frequency time.Duration `yaml:"frequency"`

	// Aggregating selects what is forwarded: completed aggregates
	// (true) or raw source payloads (false).
	Aggregating *bool `yaml:"aggregating"`

	// Destinations lists where delivery units are sent. At least one
	// is required.
	Destinations []DestinationConfig `yaml:"destinations"`
}

// DestinationConfig configures a single forward destination.
type DestinationConfig struct {
	// URL is an HTTP(S) endpoint receiving zip POSTs, or a file://
	// path receiving zip copies.
	URL string `yaml:"url"`

	// Timeout bounds one delivery attempt. HTTP destinations only.
	Timeout time.Duration `yaml:"timeout"`
}

// CleanupConfig configures the cleanup stage.
type CleanupConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Frequency time.Duration `yaml:"frequency"`
}

// =============================================================================
// Logging
// =============================================================================

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON records.
	JSON bool `yaml:"json"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Dir:             config.DefaultRepoDir,
			Format:          config.DefaultRepositoryFormat,
			LockDeleteAge:   config.DefaultLockDeleteAge,
			ScanConcurrency: config.DefaultScanConcurrency,
		},
		Database: DatabaseConfig{
			Path:         config.DefaultDatabasePath,
			QueryTimeout: config.DefaultQueryTimeout,
		},
		Tracker: TrackerConfig{
			Threads:   config.DefaultTrackerThreads,
			BatchSize: config.DefaultTrackerBatchSize,
			Frequency: config.DefaultTrackerFrequency,
		},
		Aggregator: AggregatorConfig{
			MaxItems:  config.DefaultMaxAggregateItems,
			MaxBytes:  config.DefaultMaxAggregateBytes,
			MaxAge:    config.DefaultMaxAggregateAge,
			BatchSize: config.DefaultAggregatorBatchSize,
			Frequency: config.DefaultAggregatorFrequency,
		},
		Forward: ForwardConfig{
			Threads:   config.DefaultForwardThreads,
			BatchSize: config.DefaultForwardBatchSize,
			Frequency: config.DefaultForwardFrequency,
		},
		Cleanup: CleanupConfig{
			BatchSize: config.DefaultCleanupBatchSize,
			Frequency: config.DefaultCleanupFrequency,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Aggregating resolves the forward mode, defaulting to true.
func (f *ForwardConfig) IsAggregating() bool {
	if f.Aggregating == nil {
		return true
	}
	return *f.Aggregating
}
