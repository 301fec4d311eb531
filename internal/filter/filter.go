// Package filter matches paths against include and exclude patterns.
//
// A pattern is a sequence of filepath.Match patterns separated by slashes.
// The component "**" matches any number of intermediate directories. A
// pattern starting with a slash is anchored at the root, any other pattern
// may match at every depth. A pattern that matches a directory also matches
// everything below it.
package filter

import (
	"path/filepath"
	"strings"

	"github.com/packvault/packvault/internal/errors"
)

// ErrBadString is returned when an empty path is matched.
var ErrBadString = errors.New("filter.Match: string is empty")

const anyDirs = "**"

// Pattern is a pattern split into its path components. An absolute pattern
// starts with an empty component.
type Pattern []string

func splitSlash(s string) []string {
	return strings.Split(filepath.ToSlash(s), "/")
}

func parsePattern(pattern string) Pattern {
	return Pattern(splitSlash(filepath.Clean(pattern)))
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrBadString
	}
	return splitSlash(path), nil
}

func (p Pattern) absolute() bool {
	return p[0] == ""
}

func matchPart(pattern, name string) (bool, error) {
	ok, err := filepath.Match(pattern, name)
	if err != nil {
		return false, errors.Wrap(err, "Match")
	}
	return ok, nil
}

// matchPrefix reports whether p matches the first components of path.
func matchPrefix(p Pattern, path []string) (bool, error) {
	if len(p) == 0 {
		return true, nil
	}

	if p[0] == anyDirs {
		for skip := 0; skip <= len(path); skip++ {
			ok, err := matchPrefix(p[1:], path[skip:])
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}

	if len(path) == 0 {
		return false, nil
	}
	ok, err := matchPart(p[0], path[0])
	if err != nil || !ok {
		return false, err
	}
	return matchPrefix(p[1:], path[1:])
}

// matches reports whether path or one of its parents matches p.
func (p Pattern) matches(path []string) (bool, error) {
	if p.absolute() {
		return matchPrefix(p, path)
	}
	for start := range path {
		ok, err := matchPrefix(p, path[start:])
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// mayMatchBelow reports whether some path below path can match p.
func (p Pattern) mayMatchBelow(path []string) (bool, error) {
	if !p.absolute() {
		return true, nil
	}
	for i, part := range p {
		if part == anyDirs || i == len(path) {
			return true, nil
		}
		ok, err := matchPart(part, path[i])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Match reports whether path matches pattern. The empty pattern matches
// every path. A malformed pattern returns filepath.ErrBadPattern.
func Match(pattern, path string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, err
	}
	return parsePattern(pattern).matches(parts)
}

// ChildMatch reports whether a path below path can match pattern.
func ChildMatch(pattern, path string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, err
	}
	return parsePattern(pattern).mayMatchBelow(parts)
}

// InvalidPatternError lists the patterns rejected by ValidatePatterns.
type InvalidPatternError struct {
	InvalidPatterns []string
}

func (e *InvalidPatternError) Error() string {
	return "invalid pattern(s) provided:\n" + strings.Join(e.InvalidPatterns, "\n")
}

// ValidatePatterns returns an *InvalidPatternError if any pattern is
// malformed.
func ValidatePatterns(patterns []string) error {
	var invalid []string
	for _, pattern := range patterns {
		for _, part := range parsePattern(pattern) {
			if part == anyDirs {
				continue
			}
			if _, err := filepath.Match(part, ""); err != nil {
				invalid = append(invalid, pattern)
				break
			}
		}
	}

	if len(invalid) == 0 {
		return nil
	}
	return &InvalidPatternError{InvalidPatterns: invalid}
}

// ParsePatterns prepares patterns for List. Empty patterns are dropped.
func ParsePatterns(patterns []string) []Pattern {
	parsed := make([]Pattern, 0, len(patterns))
	for _, pattern := range patterns {
		if pattern != "" {
			parsed = append(parsed, parsePattern(pattern))
		}
	}
	return parsed
}

// List reports whether path matches any of the patterns.
func List(patterns []Pattern, path string) (bool, error) {
	if len(patterns) == 0 {
		return false, nil
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, err
	}

	for _, p := range patterns {
		ok, err := p.matches(parts)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// ListWithChild is like List and also reports whether a path below path can
// match any of the patterns.
func ListWithChild(patterns []Pattern, path string) (matched bool, childMayMatch bool, err error) {
	if len(patterns) == 0 {
		return false, false, nil
	}
	parts, err := splitPath(path)
	if err != nil {
		return false, false, err
	}

	for _, p := range patterns {
		m, err := p.matches(parts)
		if err != nil {
			return false, false, err
		}
		c, err := p.mayMatchBelow(parts)
		if err != nil {
			return false, false, err
		}

		matched = matched || m
		childMayMatch = childMayMatch || c
		if matched && childMayMatch {
			break
		}
	}
	return matched, childMayMatch, nil
}
