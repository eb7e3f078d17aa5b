// Package volcache provides a content-keyed build cache backed by a shared
// filesystem directory, such as a volume mounted into self-hosted CI
// runners.
//
// A cache entry is a tar archive compressed with LZ4, stored under a name
// derived from its key. Saving packs a set of paths into an entry; restoring
// looks up the best entry for a primary key and a list of fallback keys and
// extracts it next to the first path.
//
// # Quick Start
//
// Save a directory after a build:
//
//	c, err := volcache.New(volcache.WithConfig(volcache.ConfigFromEnv(nil)))
//	if err != nil {
//	    return err
//	}
//	_, err = c.Save(ctx, []string{"node_modules"}, "linux-deps-"+hash)
//
// Restore it in a later run, falling back to any entry whose name contains
// "linux-deps":
//
//	m, err := c.Restore(ctx, []string{"node_modules"}, "linux-deps-"+hash,
//	    []string{"linux-deps"})
//	if err != nil {
//	    return err
//	}
//	if m.ExactHit("linux-deps-" + hash) {
//	    // skip the install step
//	}
//
// # Matching
//
// Keys are mapped to portable file names by the [naming] package. Fallback
// keys match any entry whose name contains the fallback's name (see
// [resolve.ModeSubstring]); [WithMatchMode] selects prefix matching
// instead. An entry named exactly after the primary key always wins. Past
// that, entries are scanned in directory listing order, so when several
// match a candidate, which one wins is unspecified.
//
// # Concurrency
//
// Archives are written to a temporary file and renamed into place, so
// readers never observe a partial entry. Concurrent saves of the same key
// are serialised by a reservation; the loser fails with an error for which
// [IsReserve] reports true.
package volcache
