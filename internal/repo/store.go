package repo

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/relay/config"
	"github.com/xtxerr/relay/internal/errors"
	"github.com/xtxerr/relay/internal/logging"
	"github.com/xtxerr/relay/internal/payload"
)

// Store is the sequential file store. It owns physical payload storage,
// id allocation, multi-part upload merging and payload deletion.
//
// Store is safe for concurrent use.
type Store struct {
	root   string
	format string
	log    *slog.Logger

	// lastID is the highest allocated id. Restored from a disk scan on
	// open so restarts never reuse an id.
	lastID atomic.Uint64

	// writeMu serializes directory creation against deletion pruning.
	writeMu sync.Mutex

	closed atomic.Bool

	// now is replaceable in tests.
	now func() time.Time
}

// Open opens (or creates) a repository rooted at dir. The format template
// controls where new payloads are placed; pass "" for the default.
// The highest id present on disk seeds the id sequence.
func Open(dir, format string) (*Store, error) {
	if format == "" {
		format = config.DefaultRepositoryFormat
	}
	if err := ValidateTemplate(format); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}

	s := &Store{
		root:   dir,
		format: format,
		log:    logging.Component("repo"),
		now:    time.Now,
	}

	_, max, err := s.ScanIDRange()
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	s.lastID.Store(max)
	s.log.Info("repository opened", "dir", dir, "lastId", max)
	return s, nil
}

// Root returns the repository root directory.
func (s *Store) Root() string {
	return s.root
}

// MaxAllocatedID returns the highest id allocated so far.
func (s *Store) MaxAllocatedID() uint64 {
	return s.lastID.Load()
}

// nextID allocates the next id.
func (s *Store) nextID() uint64 {
	return s.lastID.Add(1)
}

// observeID raises the id sequence to at least id. Used by the recovery
// scanner when it finds payloads above the scanned watermark.
func (s *Store) observeID(id uint64) {
	for {
		cur := s.lastID.Load()
		if id <= cur || s.lastID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// relPathFor renders the storage path for a new payload, without extension.
func (s *Store) relPathFor(id uint64, attrs *payload.AttributeMap) string {
	return ExpandTemplate(s.format, id, attrs, s.now())
}

// Put allocates a fresh id and returns a WriteHandle bound to it. Entries
// written through the handle become durably visible as one payload only
// when Close succeeds; until then the bytes live in a .lock file that the
// recovery scanner reclaims after a crash.
func (s *Store) Put(attrs *payload.AttributeMap) (*WriteHandle, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}

	id := s.nextID()
	rel := s.relPathFor(id, attrs) + ZipExtension
	final := filepath.Join(s.root, filepath.FromSlash(rel))
	lock := final + LockExtension

	s.writeMu.Lock()
	err := os.MkdirAll(filepath.Dir(final), 0o755)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create payload dir: %w", err)
	}

	f, err := os.OpenFile(lock, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create payload lock file: %w", err)
	}

	return &WriteHandle{
		store:     s,
		id:        id,
		relPath:   rel,
		lockPath:  lock,
		finalPath: final,
		file:      f,
		zw:        zip.NewWriter(f),
	}, nil
}

// Get opens the payload for an id stored under the canonical id-derived
// path. Returns ErrPayloadNotFound if no finished payload exists.
func (s *Store) Get(id uint64) (*ReadHandle, error) {
	return s.OpenPath(IDRelativePath(id))
}

// OpenPath opens a payload by its repository-relative path. Paths differing
// from the canonical layout occur when a custom path template is in use;
// callers hold the stored path in the catalogue.
func (s *Store) OpenPath(rel string) (*ReadHandle, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	rc, err := zip.OpenReader(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrPayloadNotFound, rel)
		}
		return nil, fmt.Errorf("open payload %s: %w", rel, err)
	}
	return &ReadHandle{rc: rc, relPath: rel}, nil
}

// OpenRaw opens a payload's raw bytes without interpreting the container.
// Used when a whole package is forwarded verbatim.
func (s *Store) OpenRaw(rel string) (io.ReadCloser, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrPayloadNotFound, rel)
		}
		return nil, fmt.Errorf("open payload %s: %w", rel, err)
	}
	return f, nil
}

// Delete removes the payload stored under the canonical path for an id.
func (s *Store) Delete(id uint64) error {
	return s.DeletePath(IDRelativePath(id))
}

// DeletePath removes a payload by its repository-relative path and prunes
// any bucketing directories the removal left empty. Deleting an absent
// payload is not an error so cleanup retries stay idempotent.
func (s *Store) DeletePath(rel string) error {
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete payload %s: %w", rel, err)
	}
	s.pruneEmptyDirs(filepath.Dir(abs))
	return nil
}

// pruneEmptyDirs removes now-empty bucketing directories up to the root.
// Held against writeMu so a concurrent Put never loses its parent dir.
func (s *Store) pruneEmptyDirs(dir string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for dir != s.root && len(dir) > len(s.root) {
		if err := os.Remove(dir); err != nil {
			// Not empty or already gone; either way stop here.
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ScanIDRange walks the repository and reports the minimum and maximum
// payload ids present. Both are zero for an empty repository.
func (s *Store) ScanIDRange() (min, max uint64, err error) {
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		id, ok := ParseFileID(d.Name())
		if !ok {
			return nil
		}
		if min == 0 || id < min {
			min = id
		}
		if id > max {
			max = id
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

// Close marks the store closed. Outstanding handles remain usable; new
// operations fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// =============================================================================
// WriteHandle
// =============================================================================

// WriteHandle writes a single payload. Entries are added in order; Close
// makes the payload durably visible via rename, Abort discards it. Either
// way no partial payload is ever visible under the final name.
type WriteHandle struct {
	store     *Store
	id        uint64
	relPath   string
	lockPath  string
	finalPath string
	file      *os.File
	zw        *zip.Writer
	entries   int
	done      bool
}

// ID returns the id allocated for this payload.
func (h *WriteHandle) ID() uint64 {
	return h.id
}

// RelPath returns the repository-relative path the payload will occupy.
func (h *WriteHandle) RelPath() string {
	return h.relPath
}

// AddEntry begins a new named entry and returns the writer for its bytes.
// The returned writer is valid until the next AddEntry or Close.
func (h *WriteHandle) AddEntry(name string) (io.Writer, error) {
	if h.done {
		return nil, errors.ErrStoreClosed
	}
	w, err := h.zw.Create(name)
	if err != nil {
		return nil, fmt.Errorf("add entry %s: %w", name, err)
	}
	h.entries++
	return w, nil
}

// Close finishes the payload and renames it into visibility. A payload
// with no entries is a blank package: it is discarded and ErrEmptyPackage
// returned, leaving nothing on disk.
func (h *WriteHandle) Close() error {
	if h.done {
		return nil
	}
	h.done = true

	if err := h.zw.Close(); err != nil {
		h.discard()
		return fmt.Errorf("finish payload %d: %w", h.id, err)
	}
	if err := h.file.Sync(); err != nil {
		h.discard()
		return fmt.Errorf("sync payload %d: %w", h.id, err)
	}
	if err := h.file.Close(); err != nil {
		h.discard()
		return fmt.Errorf("close payload %d: %w", h.id, err)
	}

	if h.entries == 0 {
		_ = os.Remove(h.lockPath)
		return fmt.Errorf("payload %d: %w", h.id, errors.ErrEmptyPackage)
	}

	if err := os.Rename(h.lockPath, h.finalPath); err != nil {
		h.discard()
		return fmt.Errorf("publish payload %d: %w", h.id, err)
	}
	return nil
}

// Abort discards the payload, removing the lock file.
func (h *WriteHandle) Abort() error {
	if h.done {
		return nil
	}
	h.done = true
	h.discard()
	return nil
}

func (h *WriteHandle) discard() {
	_ = h.zw.Close()
	_ = h.file.Close()
	_ = os.Remove(h.lockPath)
}

// =============================================================================
// ReadHandle
// =============================================================================

// ReadHandle reads a stored payload.
type ReadHandle struct {
	rc      *zip.ReadCloser
	relPath string
}

// RelPath returns the payload's repository-relative path.
func (h *ReadHandle) RelPath() string {
	return h.relPath
}

// EntryNames returns the payload's entry names in archive order.
func (h *ReadHandle) EntryNames() []string {
	names := make([]string, 0, len(h.rc.File))
	for _, f := range h.rc.File {
		names = append(names, f.Name)
	}
	return names
}

// OpenEntry opens a single entry by name.
func (h *ReadHandle) OpenEntry(name string) (io.ReadCloser, error) {
	for _, f := range h.rc.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("%w: entry %s in %s", errors.ErrNotFound, name, h.relPath)
}

// Items groups the payload's entries by base name into logical items,
// sorted by item name then entry type for deterministic processing.
// Entries with unknown extensions are skipped.
func (h *ReadHandle) Items() []payload.Item {
	grouped := make(map[string][]payload.Entry)
	for _, f := range h.rc.File {
		base, ext := payload.SplitEntryName(f.Name)
		typ := payload.ParseExtension(ext)
		if typ == payload.TypeUnknown && ext != "" {
			continue
		}
		if ext == "" {
			typ = payload.TypeData
		}
		grouped[base] = append(grouped[base], payload.Entry{
			BaseName:  base,
			Extension: ext,
			Type:      typ,
			ByteSize:  int64(f.UncompressedSize64),
		})
	}

	items := make([]payload.Item, 0, len(grouped))
	for base, entries := range grouped {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Type != entries[j].Type {
				return entries[i].Type < entries[j].Type
			}
			return entries[i].Extension < entries[j].Extension
		})
		items = append(items, payload.Item{Name: base, Entries: entries})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

// Close releases the payload.
func (h *ReadHandle) Close() error {
	return h.rc.Close()
}
