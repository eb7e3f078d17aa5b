package action

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/volcache"
	"github.com/meigma/volcache/internal/testutil"
)

type harness struct {
	env    map[string]string
	out    bytes.Buffer
	output string
	state  string
	runner *Runner
}

func newHarness(t *testing.T, c Cache) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		env: map[string]string{
			EnvRef:       "refs/heads/main",
			EnvEventName: "push",
		},
		output: filepath.Join(dir, "output"),
		state:  filepath.Join(dir, "state"),
	}
	h.env[EnvOutput] = h.output
	h.env[EnvState] = h.state
	h.runner = New(c, WithGetenv(func(k string) string { return h.env[k] }), WithOutput(&h.out))
	return h
}

func (h *harness) input(name, value string) {
	h.env["INPUT_"+strings.ToUpper(name)] = value
}

// commands parses a file written in the name<<delimiter format.
func commands(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test file
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}
	}
	require.NoError(t, err)

	out := make(map[string]string)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		name, delim, ok := strings.Cut(lines[i], "<<")
		require.True(t, ok, "malformed line %q", lines[i])
		var value []string
		for i++; i < len(lines) && lines[i] != delim; i++ {
			value = append(value, lines[i])
		}
		out[name] = strings.Join(value, "\n")
	}
	return out
}

func newCache(t *testing.T, a *testutil.RecordingArchiver) *volcache.Cache {
	t.Helper()
	c, err := volcache.New(
		volcache.WithRoot(filepath.Join(t.TempDir(), "cache")),
		volcache.WithScope("octo/repo"),
		volcache.WithArchiver(a),
	)
	require.NoError(t, err)
	return c
}

type stubCache struct {
	saveErr    error
	restoreErr error
	match      volcache.Match
	saves      [][]string
	saveKeys   []string
	restores   int
	lookups    int
}

func (s *stubCache) Save(_ context.Context, paths []string, key string) (volcache.Entry, error) {
	s.saves = append(s.saves, paths)
	s.saveKeys = append(s.saveKeys, key)
	return volcache.Entry{Key: key}, s.saveErr
}

func (s *stubCache) Restore(context.Context, []string, string, []string) (volcache.Match, error) {
	s.restores++
	return s.match, s.restoreErr
}

func (s *stubCache) Lookup(context.Context, string, []string) (volcache.Match, error) {
	s.lookups++
	return s.match, s.restoreErr
}

func TestInputs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubCache{})
	h.input("key", "  linux-deps  ")
	h.env["INPUT_RESTORE-KEYS"] = "linux-deps-\n\n   linux-  \n"
	h.input("lookup-only", "True")
	h.input("fail-on-cache-miss", "maybe")

	assert.Equal(t, "linux-deps", h.runner.Input(InputKey))
	assert.Equal(t, []string{"linux-deps-", "linux-"}, h.runner.InputList(InputRestoreKeys))
	assert.Empty(t, h.runner.InputList(InputPath))

	v, err := h.runner.InputBool(InputLookupOnly)
	require.NoError(t, err)
	assert.True(t, v)

	_, err = h.runner.InputBool(InputFailOnCacheMiss)
	require.Error(t, err)

	_, err = h.runner.RequiredInput(InputPath)
	require.ErrorIs(t, err, ErrInputRequired)
}

func TestIsGHES(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{url: "", want: false},
		{url: "https://github.com", want: false},
		{url: "https://GitHub.com/", want: false},
		{url: "https://ghe.example.com", want: true},
	}
	for _, tt := range tests {
		h := newHarness(t, &stubCache{})
		h.env[EnvServerURL] = tt.url
		assert.Equal(t, tt.want, h.runner.IsGHES(), "url %q", tt.url)
	}
}

func TestFileCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubCache{})
	require.NoError(t, h.runner.SetOutput("a", "1"))
	require.NoError(t, h.runner.SetOutput("multi", "line one\nline two"))
	require.NoError(t, h.runner.SaveState("S", "v"))

	assert.Equal(t, map[string]string{"a": "1", "multi": "line one\nline two"}, commands(t, h.output))
	assert.Equal(t, map[string]string{"S": "v"}, commands(t, h.state))
}

func TestLegacyCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &stubCache{})
	delete(h.env, EnvOutput)
	require.NoError(t, h.runner.SetOutput("cache-hit", "true"))
	h.runner.Warning("50% done\nnext")

	assert.Equal(t, "::set-output name=cache-hit::true\n::warning::50%25 done%0Anext\n", h.out.String())
}

func TestRunRestoreThenSave(t *testing.T) {
	t.Parallel()

	arch := &testutil.RecordingArchiver{Payload: []byte("deps")}
	c := newCache(t, arch)
	work := t.TempDir()
	modules := filepath.Join(work, "node_modules")
	ctx := context.Background()

	// First run: miss on restore, then save.
	first := newHarness(t, c)
	first.input("key", "linux-deps-abc123")
	first.env["INPUT_RESTORE-KEYS"] = "linux-deps-"
	first.input("path", modules)
	require.NoError(t, first.runner.RunRestore(ctx))

	assert.Equal(t, map[string]string{
		OutputPrimaryKey: "linux-deps-abc123",
		OutputCacheHit:   "false",
	}, commands(t, first.output))
	state := commands(t, first.state)
	assert.Equal(t, map[string]string{StatePrimaryKey: "linux-deps-abc123"}, state)
	assert.Contains(t, first.out.String(), "Cache not found for input keys: linux-deps-abc123, linux-deps-")

	first.env["STATE_"+StatePrimaryKey] = state[StatePrimaryKey]
	first.runner.RunSave(ctx)
	assert.Contains(t, first.out.String(), "Cache saved with key: linux-deps-abc123")
	require.Len(t, arch.Packs, 1)
	assert.Equal(t, []string{"node_modules"}, arch.Packs[0].Members)

	// Second run with a new key: fallback hit, not exact.
	second := newHarness(t, c)
	second.input("key", "linux-deps-xyz999")
	second.env["INPUT_RESTORE-KEYS"] = "linux-deps-"
	second.input("path", modules)
	require.NoError(t, second.runner.RunRestore(ctx))

	assert.Equal(t, map[string]string{
		OutputPrimaryKey: "linux-deps-xyz999",
		OutputMatchedKey: "linux-deps-abc123",
		OutputCacheHit:   "false",
	}, commands(t, second.output))
	assert.Equal(t, []string{work}, arch.Unpacked)
	assert.Contains(t, second.out.String(), "Cache restored from key: linux-deps-abc123")

	// Third run with the original key: exact hit, save is skipped.
	third := newHarness(t, c)
	third.input("key", "linux-deps-abc123")
	third.input("path", modules)
	require.NoError(t, third.runner.RunRestore(ctx))
	assert.Equal(t, "true", commands(t, third.output)[OutputCacheHit])

	for k, v := range commands(t, third.state) {
		third.env["STATE_"+k] = v
	}
	third.runner.RunSave(ctx)
	assert.Contains(t, third.out.String(), "Cache hit occurred on the primary key linux-deps-abc123, not saving cache.")
	assert.Len(t, arch.Packs, 1)
}

func TestRunRestoreLookupOnly(t *testing.T) {
	t.Parallel()

	stub := &stubCache{match: volcache.Match{Key: "k", Entry: volcache.Entry{Name: "k.tar.lz4"}}}
	h := newHarness(t, stub)
	h.input("key", "k")
	h.input("path", "out")
	h.input("lookup-only", "true")
	require.NoError(t, h.runner.RunRestore(context.Background()))

	assert.Equal(t, 1, stub.lookups)
	assert.Zero(t, stub.restores)
	assert.Equal(t, "true", commands(t, h.output)[OutputCacheHit])
	assert.Contains(t, h.out.String(), "Cache found and can be restored from key: k")
}

func TestRunRestoreFailures(t *testing.T) {
	t.Parallel()

	t.Run("validation is fatal", func(t *testing.T) {
		t.Parallel()
		c := newCache(t, &testutil.RecordingArchiver{})
		h := newHarness(t, c)
		h.input("key", "a,b")
		h.input("path", "out")
		err := h.runner.RunRestore(context.Background())
		require.Error(t, err)
		assert.True(t, volcache.IsValidation(err))
	})

	t.Run("other errors are warnings", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{restoreErr: &volcache.Error{Kind: volcache.KindIO, Err: errors.New("disk on fire")}}
		h := newHarness(t, stub)
		h.input("key", "k")
		h.input("path", "out")
		require.NoError(t, h.runner.RunRestore(context.Background()))
		assert.Contains(t, h.out.String(), "::warning::volcache: disk on fire")
		assert.Equal(t, "false", commands(t, h.output)[OutputCacheHit])
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCache{})
		h.input("path", "out")
		require.ErrorIs(t, h.runner.RunRestore(context.Background()), ErrInputRequired)
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCache{})
		h.input("key", "k")
		require.ErrorIs(t, h.runner.RunRestore(context.Background()), ErrInputRequired)
	})

	t.Run("fail on cache miss", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &stubCache{})
		h.input("key", "k")
		h.input("path", "out")
		h.input("fail-on-cache-miss", "true")
		require.ErrorIs(t, h.runner.RunRestore(context.Background()), ErrCacheMiss)
	})

	t.Run("ghes", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		h.env[EnvServerURL] = "https://ghe.example.com"
		require.NoError(t, h.runner.RunRestore(context.Background()))
		assert.Contains(t, h.out.String(), "::warning::Cache action is not supported on GHES")
		assert.Equal(t, "false", commands(t, h.output)[OutputCacheHit])
		assert.Zero(t, stub.restores)
	})

	t.Run("invalid event", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		delete(h.env, EnvRef)
		h.env[EnvEventName] = "commit_comment"
		require.NoError(t, h.runner.RunRestore(context.Background()))
		assert.Contains(t, h.out.String(),
			"Event Validation Error: The event type commit_comment is not supported because it's not tied to a branch or tag ref.")
		assert.Zero(t, stub.restores)
	})
}

func TestRunSave(t *testing.T) {
	t.Parallel()

	const primary = "Linux-node-bb828da54c148048dd17899ba9fda624811cfb43"

	t.Run("no primary key in state", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		h.env["STATE_"+StateMatchedKey] = primary
		h.runner.RunSave(context.Background())
		assert.Contains(t, h.out.String(), "::warning::Error retrieving key from state.")
		assert.Empty(t, stub.saves)
	})

	t.Run("exact match ignores case", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		h.env["STATE_"+StatePrimaryKey] = primary
		h.env["STATE_"+StateMatchedKey] = strings.ToLower(primary)
		h.input("path", "node_modules")
		h.runner.RunSave(context.Background())
		assert.Contains(t, h.out.String(), "not saving cache")
		assert.Empty(t, stub.saves)
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		h.env["STATE_"+StatePrimaryKey] = primary
		h.env["STATE_"+StateMatchedKey] = "Linux-node-"
		h.runner.RunSave(context.Background())
		assert.Contains(t, h.out.String(), "::warning::Input required and not supplied: path")
		assert.Empty(t, stub.saves)
	})

	t.Run("reserve conflict is informational", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{saveErr: &volcache.Error{Kind: volcache.KindReserve, Err: volcache.ErrContended}}
		h := newHarness(t, stub)
		h.env["STATE_"+StatePrimaryKey] = primary
		h.input("path", "node_modules")
		h.runner.RunSave(context.Background())
		assert.Equal(t, [][]string{{"node_modules"}}, stub.saves)
		assert.Equal(t, []string{primary}, stub.saveKeys)
		assert.Contains(t, h.out.String(),
			"Unable to reserve cache with key "+primary+", another job may be creating this cache.")
		assert.NotContains(t, h.out.String(), "::warning::")
	})

	t.Run("other errors warn", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{saveErr: errors.New("HTTP Error Occurred")}
		h := newHarness(t, stub)
		h.env["STATE_"+StatePrimaryKey] = primary
		h.input("path", "node_modules")
		h.runner.RunSave(context.Background())
		assert.Contains(t, h.out.String(), "::warning::HTTP Error Occurred")
	})

	t.Run("ghes", func(t *testing.T) {
		t.Parallel()
		stub := &stubCache{}
		h := newHarness(t, stub)
		h.env[EnvServerURL] = "https://ghe.example.com"
		h.runner.RunSave(context.Background())
		assert.Contains(t, h.out.String(), "Cache action is not supported on GHES")
		assert.Empty(t, stub.saves)
	})
}

func TestExpandPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{
		"pkgs/a/dist/a.js": "a",
		"pkgs/b/dist/b.js": "b",
		"pkgs/c/dist/c.js": "c",
	})
	pattern := filepath.Join(dir, "pkgs", "*", "dist")

	got, err := ExpandPaths([]string{
		filepath.Join(dir, "literal"),
		pattern,
		"!" + filepath.Join(dir, "pkgs", "c", "**"),
		filepath.Join(dir, "literal"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "literal"),
		filepath.Join(dir, "pkgs", "a", "dist"),
		filepath.Join(dir, "pkgs", "b", "dist"),
	}, got)

	_, err = ExpandPaths([]string{"![unclosed"})
	require.Error(t, err)
}
