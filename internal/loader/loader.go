// Package loader handles configuration file loading, validation, and
// assembly into a runnable pipeline configuration.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result
//   - Converting between YAML and internal representations

package loader

import (
	"fmt"
	"os"
	"strings"

	"github.com/xtxerr/relay/internal/aggregator"
	"github.com/xtxerr/relay/internal/catalogue"
	"github.com/xtxerr/relay/internal/cleanup"
	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/forwarder"
	"github.com/xtxerr/relay/internal/pipeline"
	"github.com/xtxerr/relay/internal/repo"
	"github.com/xtxerr/relay/internal/tracker"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables. Unset names are left as literal
	// ${name} so repo path templates like ${feed}/${id} survive expansion.
	expanded := os.Expand(string(data), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	if cfg.Repo.Dir == "" {
		errs.AddMissing("repo.dir")
	}
	if cfg.Repo.Format != "" {
		if err := repo.ValidateTemplate(cfg.Repo.Format); err != nil {
			errs.AddField("repo.format", err.Error())
		}
	}
	if cfg.Repo.LockDeleteAge < 0 {
		errs.AddField("repo.lock_delete_age", "cannot be negative")
	}
	if cfg.Repo.ScanConcurrency < 1 {
		errs.AddField("repo.scan_concurrency", "must be at least 1")
	}

	if cfg.Database.QueryTimeout <= 0 {
		errs.AddField("database.query_timeout", "must be positive")
	}

	if cfg.Tracker.Threads < 1 {
		errs.AddField("tracker.threads", "must be at least 1")
	}
	if cfg.Tracker.BatchSize < 1 {
		errs.AddField("tracker.batch_size", "must be at least 1")
	}
	if cfg.Tracker.Frequency <= 0 {
		errs.AddField("tracker.frequency", "must be positive")
	}

	if cfg.Aggregator.MaxItems < 1 {
		errs.AddField("aggregator.max_items", "must be at least 1")
	}
	if cfg.Aggregator.MaxBytes < 1 {
		errs.AddField("aggregator.max_bytes", "must be at least 1")
	}
	if cfg.Aggregator.MaxAge <= 0 {
		errs.AddField("aggregator.max_age", "must be positive")
	}
	if cfg.Aggregator.BatchSize < 1 {
		errs.AddField("aggregator.batch_size", "must be at least 1")
	}
	if cfg.Aggregator.Frequency <= 0 {
		errs.AddField("aggregator.frequency", "must be positive")
	}

	if cfg.Forward.Threads < 1 {
		errs.AddField("forward.threads", "must be at least 1")
	}
	if cfg.Forward.BatchSize < 1 {
		errs.AddField("forward.batch_size", "must be at least 1")
	}
	if cfg.Forward.Frequency <= 0 {
		errs.AddField("forward.frequency", "must be positive")
	}
	if len(cfg.Forward.Destinations) == 0 {
		errs.AddMissing("forward.destinations")
	}
	for i, dest := range cfg.Forward.Destinations {
		field := fmt.Sprintf("forward.destinations[%d].url", i)
		switch {
		case dest.URL == "":
			errs.AddField(field, "cannot be empty")
		case strings.HasPrefix(dest.URL, "http://"),
			strings.HasPrefix(dest.URL, "https://"),
			strings.HasPrefix(dest.URL, "file://"):
		default:
			errs.AddField(field, "scheme must be http, https or file")
		}
		if dest.Timeout < 0 {
			errs.AddField(fmt.Sprintf("forward.destinations[%d].timeout", i), "cannot be negative")
		}
	}

	if cfg.Cleanup.BatchSize < 1 {
		errs.AddField("cleanup.batch_size", "must be at least 1")
	}
	if cfg.Cleanup.Frequency <= 0 {
		errs.AddField("cleanup.frequency", "must be positive")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("logging.level", "must be debug, info, warn or error")
	}

	return errs.Err()
}

// =============================================================================
// Assembly
// =============================================================================

// Build converts a validated Config into a pipeline configuration and
// its forward destinations.
func Build(cfg *Config) (pipeline.Config, []forwarder.Destination) {
	pc := pipeline.Config{
		RepoDir:         cfg.Repo.Dir,
		RepoFormat:      cfg.Repo.Format,
		LockDeleteAge:   cfg.Repo.LockDeleteAge,
		ScanConcurrency: cfg.Repo.ScanConcurrency,
		Database: catalogue.Config{
			DSN:             cfg.Database.Path,
			MaxOpenConns:    catalogue.DefaultConfig().MaxOpenConns,
			MaxIdleConns:    catalogue.DefaultConfig().MaxIdleConns,
			ConnMaxLifetime: catalogue.DefaultConfig().ConnMaxLifetime,
			QueryTimeout:    cfg.Database.QueryTimeout,
		},
		Tracker: tracker.Config{
			Threads:   cfg.Tracker.Threads,
			BatchSize: cfg.Tracker.BatchSize,
			Frequency: cfg.Tracker.Frequency,
		},
		Aggregator: aggregator.Config{
			MaxItems:  cfg.Aggregator.MaxItems,
			MaxBytes:  cfg.Aggregator.MaxBytes,
			MaxAge:    cfg.Aggregator.MaxAge,
			BatchSize: cfg.Aggregator.BatchSize,
			Frequency: cfg.Aggregator.Frequency,
		},
		Forward: forwarder.Config{
			Threads:     cfg.Forward.Threads,
			BatchSize:   cfg.Forward.BatchSize,
			Frequency:   cfg.Forward.Frequency,
			Aggregating: cfg.Forward.IsAggregating(),
		},
		Cleanup: cleanup.Config{
			BatchSize:   cfg.Cleanup.BatchSize,
			Frequency:   cfg.Cleanup.Frequency,
			Aggregating: cfg.Forward.IsAggregating(),
		},
	}

	var dests []forwarder.Destination
	for _, d := range cfg.Forward.Destinations {
		if strings.HasPrefix(d.URL, "file://") {
			dests = append(dests, forwarder.NewFileDestination(strings.TrimPrefix(d.URL, "file://")))
			continue
		}
		dests = append(dests, forwarder.NewHTTPDestination(d.URL, d.Timeout))
	}
	return pc, dests
}
