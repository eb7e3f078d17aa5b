package volcache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/volcache/archive"
	"github.com/meigma/volcache/naming"
	"github.com/meigma/volcache/resolve"
	"github.com/meigma/volcache/store"
)

// Option configures a Cache.
type Option func(*Cache) error

// WithConfig replaces the whole configuration. Later options override
// individual fields.
func WithConfig(cfg Config) Option {
	return func(c *Cache) error {
		c.cfg = cfg
		return nil
	}
}

// WithRoot sets the store root directory.
func WithRoot(root string) Option {
	return func(c *Cache) error {
		if root == "" {
			return errors.New("volcache: root must not be empty")
		}
		c.cfg.Root = root
		return nil
	}
}

// WithScope sets the scope entries are stored under.
func WithScope(scope string) Option {
	return func(c *Cache) error {
		c.cfg.Scope = scope
		return nil
	}
}

// WithMaxKeyLength sets the maximum key length in characters.
// Use LegacyMaxKeyLength for the limit of earlier releases.
func WithMaxKeyLength(n int) Option {
	return func(c *Cache) error {
		if n <= 0 {
			return errors.New("volcache: max key length must be positive")
		}
		c.cfg.MaxKeyLength = n
		return nil
	}
}

// WithMatchMode sets how fallback keys match entry names.
func WithMatchMode(mode resolve.Mode) Option {
	return func(c *Cache) error {
		c.cfg.MatchMode = mode
		return nil
	}
}

// WithNaming sets the options used to derive archive names from keys.
// Changing them makes previously saved entries unreachable by exact key.
func WithNaming(opts naming.Options) Option {
	return func(c *Cache) error {
		c.naming = opts
		return nil
	}
}

// WithArchiver sets the archiver used to pack and unpack entries.
func WithArchiver(a archive.Archiver) Option {
	return func(c *Cache) error {
		if a == nil {
			return errors.New("volcache: archiver must not be nil")
		}
		c.archiver = a
		return nil
	}
}

// WithReserver sets the reservation strategy for saves.
// Use NoReserver to disable reservations.
func WithReserver(r Reserver) Option {
	return func(c *Cache) error {
		if r == nil {
			return errors.New("volcache: reserver must not be nil")
		}
		c.reserver = r
		return nil
	}
}

// WithVerify controls whether restores check archive digests against the
// recorded metadata before extracting. Enabled by default.
func WithVerify(enabled bool) Option {
	return func(c *Cache) error {
		c.verify = enabled
		return nil
	}
}

// WithStaleReservation sets the age after which an abandoned reservation
// may be broken.
func WithStaleReservation(d time.Duration) Option {
	return func(c *Cache) error {
		c.storeOpts = append(c.storeOpts, store.WithStaleLockAge(d))
		return nil
	}
}

// WithLogger sets the logger for cache operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		c.logger = logger
		return nil
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) error {
		if now == nil {
			return errors.New("volcache: clock must not be nil")
		}
		c.now = now
		return nil
	}
}
