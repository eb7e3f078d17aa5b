package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Writer streams an archive into the store.
//
// Data is written to a hidden temp file in the scope directory and renamed
// to the final name on Commit, so the entry appears all at once. The
// content digest and size are computed while writing.
type Writer struct {
	tmp      *os.File
	final    string
	perm     os.FileMode
	digester digest.Digester
	size     int64
	done     bool
}

// Create starts writing the named archive in scope, creating the scope
// directory if needed. The caller must call Commit or Discard.
func (s *Store) Create(scope, name string) (*Writer, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir, err := s.EnsureScope(scope)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("store: create temp file: %w", err)
	}
	return &Writer{
		tmp:      tmp,
		final:    filepath.Join(dir, name),
		perm:     s.filePerm,
		digester: digest.Canonical.Digester(),
	}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.tmp.Write(p)
	w.size += int64(n)
	_, _ = w.digester.Hash().Write(p[:n]) //nolint:errcheck // hash writes never fail
	return n, err
}

// Digest returns the digest of the bytes written so far.
func (w *Writer) Digest() digest.Digest {
	return w.digester.Digest()
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.size
}

// Path returns the final path the archive is committed to.
func (w *Writer) Path() string {
	return w.final
}

// Commit flushes the temp file and renames it to the final name, replacing
// any existing archive with the same name.
func (w *Writer) Commit() error {
	if w.done {
		return errors.New("store: writer already closed")
	}
	w.done = true
	tmpPath := w.tmp.Name()

	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, w.perm); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("store: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, w.final); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("store: rename to %s: %w", w.final, err)
	}
	return nil
}

// Discard closes and removes the temp file. It is a no-op after Commit.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	tmpPath := w.tmp.Name()
	_ = w.tmp.Close() //nolint:errcheck // we're cleaning up
	return os.Remove(tmpPath)
}

// writeFileAtomic writes data to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func writeFileAtomic(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
