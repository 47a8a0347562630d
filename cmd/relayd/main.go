// relayd is the store-and-forward repository daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/relay/internal/loader"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/pipeline"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "relay.yaml", "config file path")
	repoDir := flag.String("repo", "", "repository directory (overrides config)")
	dbPath := flag.String("db", "", "catalogue database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	statsEvery := flag.Duration("stats", time.Minute, "stats log interval (0 disables)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("relayd %s starting...", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = loader.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *repoDir != "" {
		cfg.Repo.Dir = *repoDir
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	// =========================================================================
	// Create and Start Pipeline
	// =========================================================================

	pipeCfg, dests := loader.Build(cfg)
	p, err := pipeline.New(pipeCfg, dests)
	if err != nil {
		log.Fatalf("Create pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("Repository: %s (format %q)", cfg.Repo.Dir, cfg.Repo.Format)
	log.Printf("Catalogue: %s", cfg.Database.Path)
	log.Printf("Destinations: %d, aggregating=%v", len(dests), cfg.Forward.IsAggregating())

	if err := p.Start(ctx); err != nil {
		log.Fatalf("Start pipeline: %v", err)
	}

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var ticker *time.Ticker
	var tick <-chan time.Time
	if *statsEvery > 0 {
		ticker = time.NewTicker(*statsEvery)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-tick:
			st := p.Stats(ctx)
			log.Printf("stats: received=%d sources=%d aggregates=%d forwarded=%d failed=%d p99=%.0fms",
				st.Received, st.Sources, st.Aggregates,
				st.Forward.Success, st.Forward.Failure, st.Forward.LatencyP99)
		case s := <-sig:
			log.Printf("Received %v, shutting down...", s)
			cancel()
			if err := p.Stop(); err != nil {
				log.Printf("Warning: stop: %v", err)
			}
			log.Println("Shutdown complete")
			return
		}
	}
}
