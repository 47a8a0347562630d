package forwarder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/xtxerr/relay/internal/payload"
)

// FileDestination copies delivery streams into a local directory tree,
// one subdirectory per feed. Useful for handing off to another process
// watching a drop directory, and for tests.
type FileDestination struct {
	dir string
}

// NewFileDestination creates a destination rooted at dir.
func NewFileDestination(dir string) *FileDestination {
	return &FileDestination{dir: dir}
}

// URL identifies the destination.
func (d *FileDestination) URL() string {
	return "file://" + d.dir
}

// Deliver writes one packaged unit to <dir>/<feed>/<forwardId>.zip via a
// temp file and rename, so a crash never leaves a half-written file with
// a final name. Re-delivery of the same record overwrites the same path,
// keeping retries idempotent.
func (d *FileDestination) Deliver(ctx context.Context, feed, typ string, attrs *payload.AttributeMap, stream func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if feed == "" {
		feed = "unknown"
	}
	name := ""
	if attrs != nil {
		name, _ = attrs.Get(payload.AttrForwardID)
	}
	if name == "" {
		name = fmt.Sprintf("%d", time.Now().UnixNano())
	}

	dir := filepath.Join(d.dir, safeSegment(feed))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create feed dir: %w", err)
	}

	final := filepath.Join(dir, name+".zip")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := stream(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write stream: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// safeSegment keeps feed names usable as directory names.
func safeSegment(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
