package repo

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/payload"
)

// PutParts allocates a fresh id and opens a parts directory for a
// multi-part upload. Each part is one named entry of the eventual payload,
// written as its own file so an interrupted upload can be resumed or
// recovered after a crash. Finalize merges the parts into the finished
// payload.
func (s *Store) PutParts(attrs *payload.AttributeMap) (*PartsHandle, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}

	id := s.nextID()
	rel := s.relPathFor(id, attrs) + ZipExtension
	final := filepath.Join(s.root, filepath.FromSlash(rel))
	dir := final + PartsSuffix

	s.writeMu.Lock()
	err := os.MkdirAll(dir, 0o755)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create parts dir: %w", err)
	}

	return &PartsHandle{store: s, id: id, relPath: rel, dir: dir}, nil
}

// PartsHandle is an open multi-part upload.
type PartsHandle struct {
	store   *Store
	id      uint64
	relPath string
	dir     string
	done    bool
}

// ID returns the id allocated for the payload under construction.
func (p *PartsHandle) ID() uint64 {
	return p.id
}

// RelPath returns the repository-relative path the finished payload will
// occupy.
func (p *PartsHandle) RelPath() string {
	return p.relPath
}

// WritePart stores one named entry. The part is written to a temp name and
// renamed so a crash never leaves a half-written part visible.
func (p *PartsHandle) WritePart(entryName string, r io.Reader) error {
	if p.done {
		return errors.ErrStoreClosed
	}
	tmp := filepath.Join(p.dir, entryName+LockExtension)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create part %s: %w", entryName, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write part %s: %w", entryName, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close part %s: %w", entryName, err)
	}
	if err := os.Rename(tmp, filepath.Join(p.dir, entryName)); err != nil {
		return fmt.Errorf("publish part %s: %w", entryName, err)
	}
	return nil
}

// Finalize merges the written parts into the finished payload and removes
// the parts directory.
func (p *PartsHandle) Finalize() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.store.mergeParts(p.dir, filepath.Join(p.store.root, filepath.FromSlash(p.relPath)))
}

// Abort discards the upload and its parts directory.
func (p *PartsHandle) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	return os.RemoveAll(p.dir)
}

// mergeParts assembles a finished payload from a parts directory. Part
// files become zip entries in sorted name order; leftover temp parts are
// dropped. The parts directory is removed once the payload is visible.
func (s *Store) mergeParts(dir, final string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read parts dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			return fmt.Errorf("%w: unexpected directory %q inside parts dir %s",
				errors.ErrInvalidPath, e.Name(), dir)
		}
		name := e.Name()
		if filepath.Ext(name) == LockExtension {
			// Part abandoned mid-write; the uploader never published it.
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		// Nothing was uploaded; a blank package is discarded as a no-op.
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove empty parts dir: %w", err)
		}
		return fmt.Errorf("parts dir %s: %w", dir, errors.ErrEmptyPackage)
	}
	sort.Strings(names)

	lock := final + LockExtension
	f, err := os.OpenFile(lock, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create merge target: %w", err)
	}
	zw := zip.NewWriter(f)

	for _, name := range names {
		w, err := zw.Create(name)
		if err == nil {
			err = copyFileInto(w, filepath.Join(dir, name))
		}
		if err != nil {
			zw.Close()
			f.Close()
			_ = os.Remove(lock)
			return fmt.Errorf("merge part %s: %w", name, err)
		}
	}

	if err := zw.Close(); err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		_ = os.Remove(lock)
		return fmt.Errorf("finish merge: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(lock)
		return fmt.Errorf("close merge target: %w", err)
	}
	if err := os.Rename(lock, final); err != nil {
		_ = os.Remove(lock)
		return fmt.Errorf("publish merged payload: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove parts dir: %w", err)
	}
	return nil
}

func copyFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
