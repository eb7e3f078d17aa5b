package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volcache/internal/procpipe"
	"github.com/meigma/volcache/internal/testutil"
)

var sampleTree = map[string]string{
	"project/README.md":                  "# project\n",
	"project/node_modules/a/index.js":    "module.exports = 1\n",
	"project/node_modules/b/lib/main.js": "module.exports = 2\n",
	"project/empty.txt":                  "",
}

func requireTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"tar", "lz4"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
}

func pack(t *testing.T, a Archiver, paths ...string) []byte {
	t.Helper()
	base, members, err := Members(paths)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, a.Pack(context.Background(), base, members, &buf))
	return buf.Bytes()
}

type rawEntry struct {
	hdr  tar.Header
	body string
}

// rawArchive builds a tar+lz4 archive from headers and contents.
func rawArchive(t *testing.T, entries ...rawEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := e.hdr
		hdr.Size = int64(len(e.body))
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		_, err := io.WriteString(tw, e.body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestMembers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base, members, err := Members([]string{
		filepath.Join(dir, "project"),
		filepath.Join(dir, "project", "sub"),
		filepath.Join(dir, "other"),
		filepath.Join(dir, "project"),
	})
	require.NoError(t, err)
	assert.Equal(t, dir, base)
	assert.Equal(t, []string{"project", filepath.Join("project", "sub"), "other"}, members)
}

func TestMembersOutsideBase(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, _, err := Members([]string{filepath.Join(dir, "a", "b"), filepath.Join(dir, "c")})
	require.ErrorIs(t, err, ErrOutsideBase)

	_, _, err = Members(nil)
	require.ErrorIs(t, err, ErrNoPaths)
}

func TestNativeRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, sampleTree)
	require.NoError(t, os.Mkdir(filepath.Join(src, "project", "emptydir"), 0o750))
	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink("a/index.js", filepath.Join(src, "project", "node_modules", "link.js")))
		require.NoError(t, os.Chmod(filepath.Join(src, "project", "README.md"), 0o755))
	}
	mtime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "project", "empty.txt"), mtime, mtime))

	a := NewNative()
	data := pack(t, a, filepath.Join(src, "project"))

	dest := t.TempDir()
	require.NoError(t, a.Unpack(context.Background(), bytes.NewReader(data), dest))

	assert.Equal(t, testutil.ReadTree(t, src), testutil.ReadTree(t, dest))

	info, err := os.Stat(filepath.Join(dest, "project", "emptydir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = os.Stat(filepath.Join(dest, "project", "empty.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime), "mtime = %v, want %v", info.ModTime(), mtime)

	if runtime.GOOS != "windows" {
		info, err = os.Stat(filepath.Join(dest, "project", "README.md"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}
}

func TestNativeMultiplePaths(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{
		"a/1.txt": "one",
		"b/2.txt": "two",
		"c/3.txt": "skipped",
	})

	a := NewNative()
	data := pack(t, a, filepath.Join(src, "a"), filepath.Join(src, "b"))

	dest := t.TempDir()
	require.NoError(t, a.Unpack(context.Background(), bytes.NewReader(data), dest))
	assert.Equal(t, map[string]string{"a/1.txt": "one", "b/2.txt": "two"}, testutil.ReadTree(t, dest))
}

func TestNativeUnpackOverwrites(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, map[string]string{"p/file.txt": "cached"})
	a := NewNative()
	data := pack(t, a, filepath.Join(src, "p"))

	dest := t.TempDir()
	testutil.WriteTree(t, dest, map[string]string{"p/file.txt": "stale", "p/extra.txt": "kept"})
	require.NoError(t, a.Unpack(context.Background(), bytes.NewReader(data), dest))

	assert.Equal(t, map[string]string{"p/file.txt": "cached", "p/extra.txt": "kept"}, testutil.ReadTree(t, dest))
}

func TestNativeUnpackCreatesDest(t *testing.T) {
	t.Parallel()

	data := rawArchive(t, rawEntry{hdr: tar.Header{Name: "x/y.txt", Typeflag: tar.TypeReg}, body: "y"})
	dest := filepath.Join(t.TempDir(), "missing", "dest")
	require.NoError(t, NewNative().Unpack(context.Background(), bytes.NewReader(data), dest))
	assert.Equal(t, map[string]string{"x/y.txt": "y"}, testutil.ReadTree(t, dest))
}

func TestNativeUnpackRejectsTraversal(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs/evil.txt"} {
		data := rawArchive(t, rawEntry{hdr: tar.Header{Name: name, Typeflag: tar.TypeReg}, body: "x"})
		parent := t.TempDir()
		dest := filepath.Join(parent, "dest")
		err := NewNative().Unpack(context.Background(), bytes.NewReader(data), dest)
		require.ErrorIs(t, err, ErrUnsafePath, "member %q", name)
		_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
		assert.True(t, os.IsNotExist(statErr))
	}
}

func TestNativeUnpackRejectsSymlinkEscape(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	outside := t.TempDir()
	data := rawArchive(t,
		rawEntry{hdr: tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside}},
		rawEntry{hdr: tar.Header{Name: "link/pwned.txt", Typeflag: tar.TypeReg}, body: "x"},
	)
	err := NewNative().Unpack(context.Background(), bytes.NewReader(data), t.TempDir())
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(outside, "pwned.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNativeUnpackCorruptInput(t *testing.T) {
	t.Parallel()

	err := NewNative().Unpack(context.Background(), bytes.NewReader([]byte("not an lz4 stream")), t.TempDir())
	require.Error(t, err)
}

func TestNativePackMissingPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := NewNative().Pack(context.Background(), dir, []string{"missing"}, io.Discard)
	require.Error(t, err)
}

func TestNativePackCancelled(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.WriteTree(t, src, sampleTree)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewNative().Pack(ctx, src, []string{"project"}, io.Discard)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecRoundTrip(t *testing.T) {
	t.Parallel()
	requireTools(t)

	src := t.TempDir()
	testutil.WriteTree(t, src, sampleTree)

	a := NewExec()
	data := pack(t, a, filepath.Join(src, "project"))

	dest := t.TempDir()
	require.NoError(t, a.Unpack(context.Background(), bytes.NewReader(data), dest))
	assert.Equal(t, testutil.ReadTree(t, src), testutil.ReadTree(t, dest))
}

func TestExecAndNativeInteroperate(t *testing.T) {
	t.Parallel()
	requireTools(t)

	src := t.TempDir()
	testutil.WriteTree(t, src, sampleTree)
	want := testutil.ReadTree(t, src)

	t.Run("native to exec", func(t *testing.T) {
		t.Parallel()
		data := pack(t, NewNative(), filepath.Join(src, "project"))
		dest := t.TempDir()
		require.NoError(t, NewExec().Unpack(context.Background(), bytes.NewReader(data), dest))
		assert.Equal(t, want, testutil.ReadTree(t, dest))
	})

	t.Run("exec to native", func(t *testing.T) {
		t.Parallel()
		data := pack(t, NewExec(), filepath.Join(src, "project"))
		dest := t.TempDir()
		require.NoError(t, NewNative().Unpack(context.Background(), bytes.NewReader(data), dest))
		assert.Equal(t, want, testutil.ReadTree(t, dest))
	})
}

func TestExecPackFailureCarriesStderr(t *testing.T) {
	t.Parallel()
	requireTools(t)

	dir := t.TempDir()
	err := NewExec().Pack(context.Background(), dir, []string{"does-not-exist"}, io.Discard)
	require.Error(t, err)

	var exitErr *procpipe.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "does-not-exist")
}

func TestExecMissingProgram(t *testing.T) {
	t.Parallel()

	a := NewExec(ExecWithTar("volcache-no-such-tar"), ExecWithLZ4("volcache-no-such-lz4"))
	err := a.Pack(context.Background(), t.TempDir(), []string{"x"}, io.Discard)
	var exitErr *procpipe.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, -1, exitErr.ExitCode)
}

func TestCopyExact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	buf := make([]byte, 4)

	var out bytes.Buffer
	require.NoError(t, copyExact(ctx, &out, strings.NewReader("hello world"), 11, buf))
	assert.Equal(t, "hello world", out.String())

	require.ErrorIs(t, copyExact(ctx, io.Discard, strings.NewReader("short"), 10, buf), ErrSizeChanged)
	require.ErrorIs(t, copyExact(ctx, io.Discard, strings.NewReader("too long"), 3, buf), ErrSizeChanged)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, copyExact(cancelled, io.Discard, strings.NewReader("x"), 1, buf), context.Canceled)
}
