package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// Native archives in-process with archive/tar and LZ4 frames. Its output
// can be read by "lz4 -d | tar -x" and it reads what "tar -c | lz4" writes.
//
// Extraction is confined to the destination directory: members with
// absolute or parent-relative names are rejected and symlinks cannot be
// used to write outside it.
type Native struct {
	logger *slog.Logger
}

// NativeOption configures a Native archiver.
type NativeOption func(*Native)

// NativeWithLogger sets the logger.
func NativeWithLogger(logger *slog.Logger) NativeOption {
	return func(n *Native) {
		n.logger = logger
	}
}

// NewNative returns an in-process archiver.
func NewNative(opts ...NativeOption) *Native {
	n := &Native{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Pack implements Archiver.
//
// Directories are walked recursively. Symbolic links are stored as links
// and not followed. Sockets, devices and named pipes are skipped.
func (n *Native) Pack(ctx context.Context, base string, members []string, w io.Writer) error {
	if len(members) == 0 {
		return ErrNoPaths
	}
	n.log().Info("packing archive", "base", base, "members", members)

	zw := lz4.NewWriter(w)
	tw := tar.NewWriter(zw)
	buf := make([]byte, copyBufSize)

	var files int
	for _, m := range members {
		top := filepath.Join(base, m)
		err := filepath.WalkDir(top, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			added, err := n.addEntry(ctx, tw, p, filepath.ToSlash(rel), d, buf)
			if added {
				files++
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("archive: pack %s: %w", m, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: finish lz4 stream: %w", err)
	}
	n.log().Debug("archive packed", "entries", files)
	return nil
}

// addEntry writes one filesystem entry to tw.
func (n *Native) addEntry(ctx context.Context, tw *tar.Writer, p, name string, d fs.DirEntry, buf []byte) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, err
	}

	var link string
	switch mode := info.Mode(); {
	case mode.IsRegular(), mode.IsDir():
	case mode&fs.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return false, err
		}
	default:
		n.log().Debug("skipping special file", "path", p, "mode", mode.String())
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return false, err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() {
		return true, nil
	}

	f, err := os.Open(p) //nolint:gosec // p comes from walking the caller's paths
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := copyExact(ctx, tw, f, hdr.Size, buf); err != nil {
		return false, fmt.Errorf("copy %s: %w", p, err)
	}
	return true, nil
}

// Unpack implements Archiver.
func (n *Native) Unpack(ctx context.Context, r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil { //nolint:gosec // extracted trees keep conventional permissions
		return fmt.Errorf("archive: create destination: %w", err)
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("archive: open destination: %w", err)
	}
	defer root.Close()

	n.log().Info("unpacking archive", "dest", dest)

	tr := tar.NewReader(lz4.NewReader(r))
	x := &extractor{ctx: ctx, root: root, logger: n.log(), buf: make([]byte, copyBufSize)}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("archive: read tar stream: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := x.extract(hdr, tr); err != nil {
			return fmt.Errorf("archive: extract %s: %w", hdr.Name, err)
		}
	}
	return x.finishDirs()
}

// extractor writes tar members below an os.Root.
type extractor struct {
	ctx    context.Context //nolint:containedctx // scoped to one Unpack call
	root   *os.Root
	logger *slog.Logger
	buf    []byte
	dirs   []*tar.Header
	files  int
}

func (x *extractor) extract(hdr *tar.Header, r io.Reader) error {
	name, err := memberName(hdr.Name)
	if err != nil {
		return err
	}
	if name == "." {
		return nil
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := x.root.MkdirAll(name, 0o755); err != nil {
			return err
		}
		h := *hdr
		h.Name = name
		x.dirs = append(x.dirs, &h)
		return nil
	case tar.TypeReg:
		return x.writeFile(name, hdr, r)
	case tar.TypeSymlink:
		if err := x.prepare(name); err != nil {
			return err
		}
		return x.root.Symlink(hdr.Linkname, name)
	case tar.TypeLink:
		target, err := memberName(hdr.Linkname)
		if err != nil {
			return err
		}
		if err := x.prepare(name); err != nil {
			return err
		}
		return x.root.Link(target, name)
	default:
		x.logger.Debug("skipping unsupported member", "name", hdr.Name, "type", string(hdr.Typeflag))
		return nil
	}
}

// prepare creates the parent of name and removes whatever is at name.
func (x *extractor) prepare(name string) error {
	if err := x.root.MkdirAll(path.Dir(name), 0o755); err != nil {
		return err
	}
	if err := x.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeFile writes a regular file through a temp file and renames it into
// place, replacing any existing file.
func (x *extractor) writeFile(name string, hdr *tar.Header, r io.Reader) error {
	dir := path.Dir(name)
	if err := x.root.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path.Join(dir, ".volcache-"+uuid.NewString()+".tmp")
	f, err := x.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := copyContext(x.ctx, f, r, x.buf); err != nil {
		f.Close()
		_ = x.root.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := f.Close(); err != nil {
		_ = x.root.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := x.root.Chmod(tmp, hdr.FileInfo().Mode().Perm()); err != nil {
		_ = x.root.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := x.root.Chtimes(tmp, accessTime(hdr), hdr.ModTime); err != nil {
		_ = x.root.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := x.root.Rename(tmp, name); err != nil {
		_ = x.root.Remove(tmp) //nolint:errcheck // best-effort cleanup
		return err
	}
	x.files++
	return nil
}

// finishDirs applies directory modes and times after their contents are
// written, deepest first.
func (x *extractor) finishDirs() error {
	for i := len(x.dirs) - 1; i >= 0; i-- {
		hdr := x.dirs[i]
		if err := x.root.Chmod(hdr.Name, hdr.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("archive: chmod %s: %w", hdr.Name, err)
		}
		if err := x.root.Chtimes(hdr.Name, accessTime(hdr), hdr.ModTime); err != nil {
			return fmt.Errorf("archive: chtimes %s: %w", hdr.Name, err)
		}
	}
	x.logger.Debug("archive unpacked", "files", x.files, "dirs", len(x.dirs))
	return nil
}

func accessTime(hdr *tar.Header) time.Time {
	if hdr.AccessTime.IsZero() {
		return hdr.ModTime
	}
	return hdr.AccessTime
}

// memberName cleans a tar member name and rejects names that would escape
// the destination.
func memberName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." {
		return ".", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (n *Native) log() *slog.Logger {
	if n.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return n.logger
}
