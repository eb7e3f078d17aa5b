// Package resolve selects the cache entry to restore from an ordered list of
// candidate keys.
package resolve

import (
	"fmt"
	"strings"
)

// Mode controls how a candidate name is compared with an entry name.
type Mode uint8

const (
	// ModeSubstring matches when the entry name contains the candidate name
	// anywhere. This is the historical behavior and the default.
	ModeSubstring Mode = iota

	// ModePrefix matches only when the entry name starts with the candidate
	// name.
	ModePrefix
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSubstring:
		return "substring"
	case ModePrefix:
		return "prefix"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// ParseMode parses a mode name as returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "substring":
		return ModeSubstring, nil
	case "prefix":
		return ModePrefix, nil
	default:
		return 0, fmt.Errorf("resolve: unknown match mode %q", s)
	}
}

// NameFunc maps a key to the name its archive is stored under, without
// extension.
type NameFunc func(key string) string

// Result is a resolved entry.
type Result struct {
	// Candidate is the candidate key that matched.
	Candidate string

	// Entry is the matched entry name as listed by the store.
	Entry string

	// Index is the position of Candidate in the candidate list.
	Index int
}

// Resolve returns the first entry matching the first candidate that matches
// anything.
//
// Candidates are tried in order; for each candidate, entries are scanned in
// the given order and the first entry containing (or, in ModePrefix,
// starting with) name(candidate) wins. Empty and repeated candidates are
// skipped. The second return value is false when nothing matched.
func Resolve(candidates, entries []string, name NameFunc, mode Mode) (Result, bool) {
	seen := make(map[string]struct{}, len(candidates))
	for i, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}

		want := name(candidate)
		for _, entry := range entries {
			if matches(entry, want, mode) {
				return Result{Candidate: candidate, Entry: entry, Index: i}, true
			}
		}
	}
	return Result{}, false
}

func matches(entry, want string, mode Mode) bool {
	if mode == ModePrefix {
		return strings.HasPrefix(entry, want)
	}
	return strings.Contains(entry, want)
}

// Candidates builds the ordered candidate list [primary, restoreKeys...].
func Candidates(primary string, restoreKeys []string) []string {
	out := make([]string, 0, len(restoreKeys)+1)
	out = append(out, primary)
	return append(out, restoreKeys...)
}
