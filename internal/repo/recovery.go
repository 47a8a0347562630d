package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/logging"
)

// Scanner repairs the repository at startup: it recovers interrupted
// multi-part uploads, removes stale lock files left by crashed writes,
// migrates payloads from legacy locations to the canonical layout, and
// reports the id range found so the store's sequence continues correctly.
type Scanner struct {
	store         *Store
	lockDeleteAge time.Duration
	concurrency   int
	log           *slog.Logger
}

// ScanResult summarizes one recovery pass.
type ScanResult struct {
	PayloadsFound  int
	MinID          uint64
	MaxID          uint64
	PartsRecovered int
	PartsDiscarded int
	LocksDeleted   int
	Migrated       int
	Rejected       []string
}

// NewScanner creates a recovery scanner for a store. lockDeleteAge bounds
// how old a .lock file must be before it is considered abandoned.
func NewScanner(store *Store, lockDeleteAge time.Duration, concurrency int) *Scanner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scanner{
		store:         store,
		lockDeleteAge: lockDeleteAge,
		concurrency:   concurrency,
		log:           logging.Component("recovery"),
	}
}

// Scan performs one recovery pass over the whole repository.
func (sc *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	var partsDirs []string
	var legacy []string
	cutoff := time.Now().Add(-sc.lockDeleteAge)

	err := filepath.WalkDir(sc.store.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == sc.store.root {
			return nil
		}
		name := d.Name()

		if d.IsDir() {
			if IsPartsDir(name) {
				partsDirs = append(partsDirs, p)
				return fs.SkipDir
			}
			// Bucketing dir; contents are visited normally.
			return nil
		}

		if filepath.Ext(name) == LockExtension {
			info, err := d.Info()
			if err == nil && info.ModTime().Before(cutoff) {
				if err := os.Remove(p); err == nil {
					result.LocksDeleted++
					sc.log.Info("removed stale lock file", "path", p)
				}
			}
			return nil
		}

		id, ok := ParseFileID(name)
		if !ok {
			// Corrupt or foreign file: record it, never silently skip.
			if vErr := ValidateRepoName(name); vErr != nil {
				result.Rejected = append(result.Rejected, p)
				sc.log.Warn("rejected foreign file in repository", "path", p, "error", vErr)
			}
			return nil
		}

		result.PayloadsFound++
		if result.MinID == 0 || id < result.MinID {
			result.MinID = id
		}
		if id > result.MaxID {
			result.MaxID = id
		}

		// A payload found away from its canonical location was written by
		// a legacy layout; move it if the canonical slot is free.
		if rel, relErr := filepath.Rel(sc.store.root, p); relErr == nil {
			if filepath.ToSlash(rel) != IDRelativePath(id) && sc.store.format == DefaultFormat {
				legacy = append(legacy, p)
			}
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walk repository: %w", err)
	}

	// Recover parts directories with bounded parallelism; each merge is
	// independent.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.concurrency)
	recovered := make(chan bool, len(partsDirs))
	for _, dir := range partsDirs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ok, err := sc.recoverPartsDir(dir)
			if err != nil {
				sc.log.Warn("failed to recover parts dir", "dir", dir, "error", err)
				return nil // keep going; one bad dir must not halt recovery
			}
			recovered <- ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	close(recovered)
	for ok := range recovered {
		if ok {
			result.PartsRecovered++
		} else {
			result.PartsDiscarded++
		}
	}

	for _, p := range legacy {
		if err := sc.migrate(p); err != nil {
			sc.log.Warn("failed to migrate legacy payload", "path", p, "error", err)
			continue
		}
		result.Migrated++
	}

	if result.MaxID > 0 {
		sc.store.observeID(result.MaxID)
	}

	sc.log.Info("recovery scan complete",
		"payloads", result.PayloadsFound,
		"minId", result.MinID,
		"maxId", result.MaxID,
		"partsRecovered", result.PartsRecovered,
		"locksDeleted", result.LocksDeleted,
		"migrated", result.Migrated,
		"rejected", len(result.Rejected))
	return result, nil
}

// recoverPartsDir completes or discards one interrupted multi-part upload.
// If the finished payload already exists the parts dir is a leftover from
// a crash after the merge and is simply removed. Returns true if a payload
// was produced by the merge.
func (sc *Scanner) recoverPartsDir(dir string) (bool, error) {
	zipName, ok := ZipNameForPartsDir(filepath.Base(dir))
	if !ok {
		return false, fmt.Errorf("not a parts dir: %s", dir)
	}
	final := filepath.Join(filepath.Dir(dir), zipName)

	if _, err := os.Stat(final); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return false, fmt.Errorf("remove leftover parts dir: %w", err)
		}
		return false, nil
	}

	if err := sc.store.mergeParts(dir, final); err != nil {
		if errors.Is(err, errors.ErrEmptyPackage) {
			// mergeParts already removed the dir; nothing to salvage.
			sc.log.Info("discarded empty parts dir", "dir", dir)
			return false, nil
		}
		return false, err
	}
	if id, ok := ParseFileID(zipName); ok {
		sc.store.observeID(id)
	}
	sc.log.Info("recovered multi-part upload", "payload", final)
	return true, nil
}

// migrate moves a payload to its canonical id-derived location.
func (sc *Scanner) migrate(p string) error {
	id, ok := ParseFileID(filepath.Base(p))
	if !ok {
		return fmt.Errorf("no id in %s", p)
	}
	target := filepath.Join(sc.store.root, filepath.FromSlash(IDRelativePath(id)))
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("canonical path %s already occupied", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(p, target); err != nil {
		return err
	}
	sc.store.pruneEmptyDirs(filepath.Dir(p))
	sc.log.Info("migrated legacy payload", "from", p, "to", target)
	return nil
}
