package volcache

import (
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Entry describes a stored cache archive.
type Entry struct {
	// Key is the raw key the archive was saved under.
	Key string

	// Name is the archive file name within the scope directory.
	Name string

	// Path is the absolute path of the archive.
	Path string

	// Digest is the content digest of the archive. It is empty for entries
	// saved without metadata.
	Digest digest.Digest

	// Size is the archive size in bytes.
	Size int64

	// Created is when the archive was committed.
	Created time.Time
}

// ID returns an opaque identifier for the entry.
func (e Entry) ID() string {
	if e.Digest != "" {
		return e.Digest.String()
	}
	return e.Name
}

// Match is the result of a lookup.
type Match struct {
	// Key is the raw key of the matched entry.
	Key string

	// Candidate is the requested key (primary or fallback) that matched.
	Candidate string

	// Entry is the matched archive.
	Entry Entry
}

// Found reports whether an entry matched.
func (m Match) Found() bool {
	return m.Entry.Name != ""
}

// ExactHit reports whether the matched key equals primaryKey, ignoring
// case differences.
func (m Match) ExactHit(primaryKey string) bool {
	return m.Found() && KeysEqual(m.Key, primaryKey)
}

var (
	keyCollatorMu sync.Mutex
	keyCollator   = collate.New(language.Und, collate.IgnoreCase)
)

// KeysEqual reports whether a and b are the same key when case is
// ignored. Accents and other diacritics still distinguish keys.
func KeysEqual(a, b string) bool {
	if a == b {
		return true
	}
	keyCollatorMu.Lock()
	defer keyCollatorMu.Unlock()
	return keyCollator.CompareString(a, b) == 0
}
