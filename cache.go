package volcache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meigma/volcache/archive"
	"github.com/meigma/volcache/naming"
	"github.com/meigma/volcache/store"
)

// Cache saves and restores entries in a filesystem store.
//
// A Cache is safe for concurrent use.
type Cache struct {
	cfg      Config
	naming   naming.Options
	store    *store.Store
	namer    *naming.Namer
	archiver archive.Archiver
	reserver Reserver
	verify   bool
	logger   *slog.Logger
	now      func() time.Time

	storeOpts []store.Option
}

// New creates a Cache with the given options.
//
// Without options the cache uses DefaultConfig, the tar and lz4 programs
// on PATH, and claim-file reservations.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		cfg:    DefaultConfig(),
		verify: true,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.cfg.MaxKeyLength <= 0 {
		c.cfg.MaxKeyLength = DefaultMaxKeyLength
	}

	namer, err := naming.New(c.naming)
	if err != nil {
		return nil, fmt.Errorf("volcache: %w", err)
	}
	c.namer = namer

	storeOpts := append([]store.Option{
		store.WithLogger(c.logger),
		store.WithClock(c.now),
	}, c.storeOpts...)
	st, err := store.New(c.cfg.Root, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("volcache: %w", err)
	}
	if _, err := st.Dir(c.cfg.Scope); err != nil {
		return nil, fmt.Errorf("volcache: %w", err)
	}
	c.store = st

	if c.archiver == nil {
		c.archiver = archive.NewExec(archive.ExecWithLogger(c.logger))
	}
	if c.reserver == nil {
		c.reserver = NewLockReserver(st)
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Store returns the underlying store.
func (c *Cache) Store() *store.Store {
	return c.store
}

// Name returns the archive file name for key.
func (c *Cache) Name(key string) string {
	return c.namer.Name(key) + archive.Ext
}

// Prune removes entries in the cache scope last modified before cutoff.
func (c *Cache) Prune(cutoff time.Time) ([]string, error) {
	removed, err := c.store.Prune(c.cfg.Scope, cutoff)
	if err != nil {
		return removed, newError(KindIO, "prune", "", err)
	}
	return removed, nil
}

// log returns the configured logger or a discard logger if none is set.
func (c *Cache) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}
