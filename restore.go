package volcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/meigma/volcache/archive"
	"github.com/meigma/volcache/resolve"
	"github.com/meigma/volcache/store"
)

// Restore finds the best entry for primaryKey and restoreKeys and extracts
// it into the parent directory of the first path.
//
// An entry named exactly after the primary key is preferred over any entry
// that only contains it. Otherwise candidates are tried in order, primary
// key first, and the first matching entry in listing order wins.
//
// A miss is not an error: Restore returns a Match for which Found reports
// false. Errors are KindValidation for bad keys or paths and KindIO for
// store, verification or extraction failures.
func (c *Cache) Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (Match, error) {
	const op = "restore"

	if err := ValidatePaths(paths); err != nil {
		return Match{}, withOp(err, op)
	}
	first, err := filepath.Abs(paths[0])
	if err != nil {
		return Match{}, newError(KindValidation, op, primaryKey, fmt.Errorf("path validation: %w", err))
	}
	dest := filepath.Dir(first)

	m, err := c.lookup(ctx, op, primaryKey, restoreKeys)
	if err != nil || !m.Found() {
		return Match{}, err
	}
	log := c.log().With("key", m.Key, "name", m.Entry.Name)

	e, err := c.extract(ctx, m.Entry, dest)
	if err != nil {
		return Match{}, newError(KindIO, op, primaryKey, err)
	}
	m.Key, m.Entry = e.Key, e
	log.Info("cache restored", "dest", dest, "exact", m.ExactHit(primaryKey))
	return m, nil
}

// Lookup resolves primaryKey and restoreKeys to an entry without
// extracting it, using the same preference as Restore.
func (c *Cache) Lookup(ctx context.Context, primaryKey string, restoreKeys []string) (Match, error) {
	return c.lookup(ctx, "lookup", primaryKey, restoreKeys)
}

func (c *Cache) lookup(ctx context.Context, op, primaryKey string, restoreKeys []string) (Match, error) {
	candidates := resolve.Candidates(primaryKey, restoreKeys)
	for i, key := range candidates {
		// Empty restore keys are ignored; the primary key must be set.
		if i > 0 && key == "" {
			continue
		}
		if err := ValidateKey(key, c.cfg.MaxKeyLength); err != nil {
			return Match{}, withOp(err, op)
		}
	}
	if err := ctx.Err(); err != nil {
		return Match{}, newError(KindIO, op, primaryKey, err)
	}

	scope := c.cfg.Scope
	if _, err := c.store.EnsureScope(scope); err != nil {
		return Match{}, newError(KindIO, op, primaryKey, err)
	}
	names, err := c.store.List(scope)
	if err != nil {
		return Match{}, newError(KindIO, op, primaryKey, err)
	}

	// An entry named exactly after the primary key beats any partial match.
	var (
		res resolve.Result
		ok  bool
	)
	if exact := c.Name(primaryKey); slices.Contains(names, exact) {
		res, ok = resolve.Result{Candidate: primaryKey, Entry: exact}, true
	} else {
		res, ok = resolve.Resolve(candidates, names, c.namer.Name, c.cfg.MatchMode)
	}
	if !ok {
		c.log().Info("cache not found", "keys", candidates)
		return Match{}, nil
	}
	entry, err := c.entry(res.Entry)
	if err != nil {
		return Match{}, newError(KindIO, op, primaryKey, err)
	}
	c.log().Debug("cache entry resolved", "candidate", res.Candidate, "name", entry.Name)
	return Match{Key: entry.Key, Candidate: res.Candidate, Entry: entry}, nil
}

// entry describes the named archive, falling back to the file name when no
// metadata was recorded.
func (c *Cache) entry(name string) (Entry, error) {
	scope := c.cfg.Scope
	path, err := c.store.Path(scope, name)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Name: name, Path: path}

	info, err := c.store.Stat(scope, name)
	if err != nil {
		return Entry{}, err
	}
	e.Size = info.Size()
	e.Created = info.ModTime()

	metas, err := c.store.ReadMeta(scope, name)
	switch {
	case err == nil:
		// The newest generation may not be committed yet; prefer the one
		// whose size matches the archive on disk.
		meta := metas[0]
		if i := slices.IndexFunc(metas, func(m store.Meta) bool { return m.Size == info.Size() }); i >= 0 {
			meta = metas[i]
		}
		e.withMeta(meta)
	case errors.Is(err, store.ErrNoMeta):
	default:
		return Entry{}, err
	}
	if e.Key == "" {
		e.Key = strings.TrimSuffix(name, archive.Ext)
	}
	return e, nil
}

func (e *Entry) withMeta(m store.Meta) {
	e.Key = m.Key
	e.Digest = m.Digest
	e.Size = m.Size
	if !m.Created.IsZero() {
		e.Created = m.Created
	}
}

// extract unpacks e into dest. When verification is enabled and metadata
// was recorded, the open archive is checked against it first and the
// returned Entry describes the generation that was unpacked.
func (c *Cache) extract(ctx context.Context, e Entry, dest string) (Entry, error) {
	scope := c.cfg.Scope
	f, err := c.store.Open(scope, e.Name)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	if c.verify {
		// Read after opening so the sidecar already lists this generation.
		metas, err := c.store.ReadMeta(scope, e.Name)
		switch {
		case err == nil:
			meta, err := store.VerifyFile(f, metas...)
			if err != nil {
				return Entry{}, err
			}
			e.withMeta(meta)
			if e.Key == "" {
				e.Key = strings.TrimSuffix(e.Name, archive.Ext)
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return Entry{}, err
			}
		case errors.Is(err, store.ErrNoMeta):
		default:
			return Entry{}, err
		}
	}
	if err := c.archiver.Unpack(ctx, f, dest); err != nil {
		return Entry{}, fmt.Errorf("unpack: %w", err)
	}
	return e, nil
}
