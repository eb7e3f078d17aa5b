package action

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandPaths resolves path input lines to concrete paths.
//
// Lines without glob metacharacters are kept as written. Glob lines are
// expanded against the filesystem, and lines starting with "!" remove
// matching paths from the result. The order of first appearance is kept.
func ExpandPaths(lines []string) ([]string, error) {
	var include, exclude []string
	for _, line := range lines {
		if pattern, ok := strings.CutPrefix(line, "!"); ok {
			if !doublestar.ValidatePathPattern(pattern) {
				return nil, fmt.Errorf("action: invalid path pattern %q", line)
			}
			exclude = append(exclude, filepath.Clean(pattern))
			continue
		}
		include = append(include, line)
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		for _, ex := range exclude {
			if ok, _ := doublestar.PathMatch(ex, filepath.Clean(p)); ok {
				return
			}
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, line := range include {
		if !hasMeta(line) {
			add(line)
			continue
		}
		matches, err := doublestar.FilepathGlob(line)
		if err != nil {
			return nil, fmt.Errorf("action: expand %q: %w", line, err)
		}
		for _, m := range matches {
			add(m)
		}
	}
	return out, nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
