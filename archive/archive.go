// Package archive packs cached paths into tar+LZ4 archives and unpacks them.
//
// Members are stored relative to a base directory, the parent of the first
// cached path, so that restoring into that directory recreates the paths in
// place. Two interchangeable implementations produce the same format: [Exec]
// drives the system tar and lz4 programs, [Native] does the work in-process.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
)

// Ext is the file extension of archives produced by this package.
const Ext = ".tar.lz4"

var (
	// ErrNoPaths is returned when there is nothing to pack.
	ErrNoPaths = errors.New("archive: no paths")

	// ErrOutsideBase is returned for a path that does not live under the
	// base directory derived from the first path.
	ErrOutsideBase = errors.New("archive: path is outside the base directory")

	// ErrUnsafePath is returned when an archive member would be written
	// outside the destination directory.
	ErrUnsafePath = errors.New("archive: unsafe member path")
)

// Archiver packs and unpacks tar+LZ4 archives.
type Archiver interface {
	// Pack writes an archive of base/member for every member to w.
	// Members are relative to base and are stored under those names.
	Pack(ctx context.Context, base string, members []string, w io.Writer) error

	// Unpack extracts the archive read from r into dest, creating dest if
	// needed and overwriting existing files.
	Unpack(ctx context.Context, r io.Reader, dest string) error
}

// Members resolves paths to a base directory and base-relative member
// names. The base is the parent directory of the first path; every path must
// be inside it. Duplicate members are dropped.
func Members(paths []string) (base string, members []string, err error) {
	if len(paths) == 0 {
		return "", nil, ErrNoPaths
	}
	first, err := filepath.Abs(paths[0])
	if err != nil {
		return "", nil, fmt.Errorf("archive: resolve %q: %w", paths[0], err)
	}
	base = filepath.Dir(first)

	seen := make(map[string]struct{}, len(paths))
	members = make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", nil, fmt.Errorf("archive: resolve %q: %w", p, err)
		}
		rel, err := filepath.Rel(base, abs)
		if err != nil || !filepath.IsLocal(rel) {
			return "", nil, fmt.Errorf("%w: %q is not under %q", ErrOutsideBase, p, base)
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		members = append(members, rel)
	}
	return base, members, nil
}
