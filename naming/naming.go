// Package naming maps cache keys to file names that are safe to use as a
// single path component on every common filesystem.
//
// The transform keeps the key readable: for keys without reserved characters
// the name is the key itself, so a shorter key's name is usually a substring
// of a longer key's name. Key resolution relies on that property.
package naming

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultReplacement replaces reserved and control characters.
	DefaultReplacement = "!"

	// DefaultMaxLength is the maximum name length in bytes.
	DefaultMaxLength = 100

	// hashSuffixLen is the length of "~" plus 16 hex digits.
	hashSuffixLen = 17
)

// Options configures a Namer.
type Options struct {
	// Replacement is substituted for reserved characters. Defaults to "!".
	// It must not itself contain reserved or control characters.
	Replacement string

	// MaxLength bounds the name length in bytes. Defaults to 100.
	// Names longer than this are truncated and suffixed with a hash of the
	// full key.
	MaxLength int
}

// Namer converts keys to file names.
type Namer struct {
	replacement string
	maxLength   int
}

// New returns a Namer for the given options.
func New(opts Options) (*Namer, error) {
	n := &Namer{
		replacement: opts.Replacement,
		maxLength:   opts.MaxLength,
	}
	if n.replacement == "" {
		n.replacement = DefaultReplacement
	}
	if n.maxLength == 0 {
		n.maxLength = DefaultMaxLength
	}
	if strings.IndexFunc(n.replacement, isReserved) >= 0 || strings.Contains(n.replacement, ".") {
		return nil, fmt.Errorf("naming: replacement %q contains reserved characters", n.replacement)
	}
	if n.maxLength <= hashSuffixLen+len(n.replacement) {
		return nil, fmt.Errorf("naming: max length %d is too small", n.maxLength)
	}
	return n, nil
}

var defaultNamer = &Namer{replacement: DefaultReplacement, maxLength: DefaultMaxLength}

// Name converts key using the default options.
func Name(key string) string {
	return defaultNamer.Name(key)
}

// Name returns the file name for key.
func (n *Namer) Name(key string) string {
	r := n.replacement

	var b strings.Builder
	b.Grow(len(key))
	for _, c := range key {
		if isReserved(c) {
			b.WriteString(r)
			continue
		}
		b.WriteRune(c)
	}
	s := b.String()

	s = strings.TrimRight(s, ".")
	s = collapse(s, r)
	s = trimOuter(s, r)
	if isDeviceName(s) {
		s += r
	}
	if len(s) > n.maxLength {
		s = truncate(s, n.maxLength-hashSuffixLen) + fmt.Sprintf("~%016x", xxhash.Sum64String(key))
	}
	if s == "" {
		s = r
	}
	return s
}

func isReserved(c rune) bool {
	switch c {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return c <= 0x1f || (c >= 0x80 && c <= 0x9f)
}

// collapse replaces runs of r with a single r.
func collapse(s, r string) string {
	double := r + r
	for strings.Contains(s, double) {
		s = strings.ReplaceAll(s, double, r)
	}
	return s
}

// trimOuter strips leading dots and a leading or trailing replacement so
// names are never hidden or relative.
func trimOuter(s, r string) string {
	for len(s) > 1 {
		switch {
		case strings.HasPrefix(s, "."):
			s = s[1:]
		case strings.HasPrefix(s, r):
			s = s[len(r):]
		case strings.HasSuffix(s, r):
			s = s[:len(s)-len(r)]
		default:
			return s
		}
	}
	return s
}

func isDeviceName(s string) bool {
	switch strings.ToLower(s) {
	case "con", "prn", "aux", "nul":
		return true
	}
	if len(s) != 4 {
		return false
	}
	prefix := strings.ToLower(s[:3])
	return (prefix == "com" || prefix == "lpt") && s[3] >= '0' && s[3] <= '9'
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.TrimRight(s[:n], ".")
}
