// Package testutil provides helpers for building and comparing file trees in
// tests.
package testutil

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// WriteTree creates files under dir from a map of slash-separated relative
// paths to contents. Parent directories are created as needed.
func WriteTree(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

// ReadTree returns the regular files under dir as a map of slash-separated
// relative paths to contents. Symlinks are reported with a "-> target"
// value.
func ReadTree(t testing.TB, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			out[rel] = "-> " + target
		case d.Type().IsRegular():
			data, err := os.ReadFile(p) //nolint:gosec // test helper
			if err != nil {
				return err
			}
			out[rel] = string(data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tree %s: %v", dir, err)
	}
	return out
}

// PackCall records one Pack invocation on a RecordingArchiver.
type PackCall struct {
	Base    string
	Members []string
}

// RecordingArchiver is an archiver for tests that writes a fixed payload on
// Pack and records calls. Unpack drains the reader and records dest.
type RecordingArchiver struct {
	mu       sync.Mutex
	Payload  []byte
	PackErr  error
	Packs    []PackCall
	Unpacked []string
	// Read holds the unpacked payloads, in call order.
	Read [][]byte
	// Started, when non-nil, receives a value as Pack begins and Pack then
	// blocks until Release is closed.
	Started chan struct{}
	Release chan struct{}
}

// Pack records the call and writes Payload to w.
func (a *RecordingArchiver) Pack(ctx context.Context, base string, members []string, w io.Writer) error {
	a.mu.Lock()
	a.Packs = append(a.Packs, PackCall{Base: base, Members: append([]string(nil), members...)})
	started, release := a.Started, a.Release
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.PackErr != nil {
		return a.PackErr
	}
	_, err := w.Write(a.Payload)
	return err
}

// Unpack records dest and reads r to the end.
func (a *RecordingArchiver) Unpack(_ context.Context, r io.Reader, dest string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Unpacked = append(a.Unpacked, dest)
	a.Read = append(a.Read, data)
	return nil
}
