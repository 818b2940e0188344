package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternError wraps an invalid discovery pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Discover returns the files under root matching at least one include pattern
// and no exclude pattern. Patterns use doublestar syntax with forward slashes
// and are relative to root. Hidden path segments are never matched. Results are
// absolute paths in lexical order, which fixes the order configurations are
// processed in.
func Discover(root string, includes, excludes []string) ([]string, error) {
	if len(includes) == 0 {
		return nil, fmt.Errorf("at least one include pattern is required")
	}
	for _, p := range append(append([]string{}, includes...), excludes...) {
		if !doublestar.ValidatePattern(normalizePattern(p)) {
			return nil, &PatternError{Pattern: p, Err: doublestar.ErrBadPattern}
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve build root: %w", err)
	}
	fsys := os.DirFS(abs)

	seen := make(map[string]bool)
	var matches []string
	for _, include := range includes {
		found, err := doublestar.Glob(fsys, normalizePattern(include), doublestar.WithFilesOnly())
		if err != nil {
			return nil, &PatternError{Pattern: include, Err: err}
		}
		for _, rel := range found {
			if seen[rel] || isHidden(rel) || excluded(rel, excludes) {
				continue
			}
			seen[rel] = true
			matches = append(matches, rel)
		}
	}

	sort.Strings(matches)
	paths := make([]string, 0, len(matches))
	for _, rel := range matches {
		paths = append(paths, filepath.Join(abs, filepath.FromSlash(rel)))
	}
	return paths, nil
}

func excluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(normalizePattern(ex), rel); ok {
			return true
		}
	}
	return false
}

func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func normalizePattern(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimPrefix(path.Clean(p), "./")
}
