// Package store implements the cache directory store: a root directory,
// namespaced by scope, holding one archive per saved key.
//
// All writes go through temp files and renames so that a concurrent List
// never observes a partially written archive under its final name. The
// store keeps no in-memory state about its entries; every call reads the
// filesystem.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ArchiveExt is the file extension of cache archives.
	ArchiveExt = ".tar.lz4"

	// MetaExt is appended to an archive name to form its metadata sidecar.
	MetaExt = ".json"

	// LockExt is appended to an archive name to form its reservation file.
	LockExt = ".lock"

	// DefaultStaleLockAge is how old a reservation must be before another
	// writer may break it.
	DefaultStaleLockAge = time.Hour

	tempPattern     = ".volcache-*.tmp"
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

var (
	// ErrInvalidScope is returned for scopes that are absolute or escape the root.
	ErrInvalidScope = errors.New("store: invalid scope")

	// ErrInvalidName is returned for entry names that are not a single path element.
	ErrInvalidName = errors.New("store: invalid entry name")
)

// Store is a filesystem cache directory. It is safe for concurrent use,
// including by several processes sharing the same root.
type Store struct {
	root         string
	dirPerm      os.FileMode
	filePerm     os.FileMode
	staleLockAge time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDirPerm sets the permissions used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of committed archives and sidecars.
func WithFilePerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.filePerm = mode
	}
}

// WithStaleLockAge sets the age after which a reservation may be broken.
// Zero or negative values mean reservations never go stale.
func WithStaleLockAge(d time.Duration) Option {
	return func(s *Store) {
		s.staleLockAge = d
	}
}

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a store rooted at root. The root is not created until the
// first EnsureScope or Create call.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("store: root dir is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	s := &Store{
		root:         abs,
		dirPerm:      defaultDirPerm,
		filePerm:     defaultFilePerm,
		staleLockAge: DefaultStaleLockAge,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory for scope without creating it. An empty scope
// is the root itself. Slash-separated scopes such as "owner/repo" map to
// nested directories.
func (s *Store) Dir(scope string) (string, error) {
	if scope == "" {
		return s.root, nil
	}
	local := filepath.FromSlash(scope)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return filepath.Join(s.root, local), nil
}

// EnsureScope creates the scope directory if needed and returns it.
// It is idempotent and tolerates another process creating the directory
// concurrently.
func (s *Store) EnsureScope(scope string) (string, error) {
	dir, err := s.Dir(scope)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			return dir, nil
		}
		return "", fmt.Errorf("store: create scope dir: %w", err)
	}
	return dir, nil
}

// List returns the archive names in scope, in directory order (sorted by
// name). Temp files, reservations and metadata sidecars are not listed.
// A scope that does not exist yet has no entries.
func (s *Store) List(scope string) ([]string, error) {
	dir, err := s.Dir(scope)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}
	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if isArchive(d) {
			names = append(names, d.Name())
		}
	}
	s.log().Debug("listed store entries", "dir", dir, "count", len(names))
	return names, nil
}

func isArchive(d fs.DirEntry) bool {
	name := d.Name()
	return d.Type().IsRegular() && !strings.HasPrefix(name, ".") && strings.HasSuffix(name, ArchiveExt)
}

// Path returns the absolute path of the named entry in scope.
func (s *Store) Path(scope, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	dir, err := s.Dir(scope)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Open opens the named archive for reading.
func (s *Store) Open(scope, name string) (*os.File, error) {
	path, err := s.Path(scope, name)
	if err != nil {
		return nil, err
	}
	return os.Open(path) //nolint:gosec // name is validated as a single path element
}

// Stat returns file info for the named archive.
func (s *Store) Stat(scope, name string) (fs.FileInfo, error) {
	path, err := s.Path(scope, name)
	if err != nil {
		return nil, err
	}
	return os.Stat(path)
}

// Remove deletes the named archive and its metadata sidecar. Missing files
// are not an error.
func (s *Store) Remove(scope, name string) error {
	path, err := s.Path(scope, name)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + MetaExt} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store: remove %s: %w", p, err)
		}
	}
	return nil
}

// Prune removes archives in scope last modified before cutoff and returns
// their names. Stale temp files left behind by crashed writers are removed
// as well.
func (s *Store) Prune(scope string, cutoff time.Time) ([]string, error) {
	dir, err := s.Dir(scope)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: prune %s: %w", dir, err)
	}

	var removed []string
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		switch {
		case isArchive(d):
			if err := s.Remove(scope, d.Name()); err != nil {
				return removed, err
			}
			removed = append(removed, d.Name())
			s.log().Info("pruned cache entry", "name", d.Name(), "mod_time", info.ModTime())
		case isTemp(d.Name()):
			_ = os.Remove(filepath.Join(dir, d.Name())) //nolint:errcheck // best-effort cleanup
		}
	}
	return removed, nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, ".volcache-") && strings.HasSuffix(name, ".tmp")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}
