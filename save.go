package volcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/meigma/volcache/archive"
	"github.com/meigma/volcache/store"
)

// Save packs paths into an entry stored under key.
//
// Paths are archived relative to the parent directory of the first path,
// and every path must live below that directory. An existing entry with the
// same name is replaced atomically.
//
// Save returns a KindValidation error for bad keys or paths, a KindReserve
// error when another writer is saving the same entry, and a KindIO error
// for anything else.
func (c *Cache) Save(ctx context.Context, paths []string, key string) (Entry, error) {
	const op = "save"

	if err := ValidatePaths(paths); err != nil {
		return Entry{}, withOp(err, op)
	}
	if err := ValidateKey(key, c.cfg.MaxKeyLength); err != nil {
		return Entry{}, withOp(err, op)
	}
	base, members, err := archive.Members(paths)
	if err != nil {
		kind := KindIO
		if errors.Is(err, archive.ErrOutsideBase) || errors.Is(err, archive.ErrNoPaths) {
			kind = KindValidation
		}
		return Entry{}, newError(kind, op, key, fmt.Errorf("path validation: %w", err))
	}

	scope := c.cfg.Scope
	name := c.Name(key)
	log := c.log().With("key", key, "name", name)

	if _, err := c.store.EnsureScope(scope); err != nil {
		return Entry{}, newError(KindIO, op, key, err)
	}

	release, err := c.reserver.Reserve(ctx, scope, name)
	if err != nil {
		if errors.Is(err, ErrContended) {
			log.Info("cache entry is already being saved")
			return Entry{}, newError(KindReserve, op, key, fmt.Errorf("unable to reserve cache with key %s: %w", key, err))
		}
		return Entry{}, newError(KindIO, op, key, err)
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn("failed to release reservation", "error", err)
		}
	}()

	w, err := c.store.Create(scope, name)
	if err != nil {
		return Entry{}, newError(KindIO, op, key, err)
	}
	log.Debug("packing cache entry", "base", base, "members", members)
	if err := c.archiver.Pack(ctx, base, members, w); err != nil {
		if derr := w.Discard(); derr != nil {
			log.Warn("failed to discard partial archive", "path", w.Path(), "error", derr)
		}
		return Entry{}, newError(KindIO, op, key, fmt.Errorf("pack: %w", err))
	}

	entry := Entry{
		Key:     key,
		Name:    name,
		Path:    w.Path(),
		Digest:  w.Digest(),
		Size:    w.Size(),
		Created: c.now().UTC(),
	}
	meta := store.Meta{Key: key, Digest: entry.Digest, Size: entry.Size, Created: entry.Created}
	// The sidecar must describe the archive before the archive is visible.
	if err := c.store.WriteMeta(scope, name, meta); err != nil {
		if derr := w.Discard(); derr != nil {
			log.Warn("failed to discard archive", "path", w.Path(), "error", derr)
		}
		return Entry{}, newError(KindIO, op, key, err)
	}
	if err := w.Commit(); err != nil {
		return Entry{}, newError(KindIO, op, key, err)
	}

	log.Info("cache saved", "size", entry.Size, "digest", entry.Digest)
	return entry, nil
}

// withOp sets the operation on a validation error.
func withOp(err error, op string) error {
	var e *Error
	if errors.As(err, &e) {
		out := *e
		out.Op = op
		return &out
	}
	return err
}
