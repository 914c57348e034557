package foldercache

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnore contains patterns excluded from hashing and watching.
var DefaultIgnore = []string{
	".git",
	"node_modules",
	".DS_Store",
	"*.tmp",
	"*.swp",
	"*~",
}

// Matcher decides whether a path inside a tracked tree is excluded.
//
// Patterns without a separator match a file name (glob) or any path segment;
// patterns with a separator match the slash-separated relative path (glob) or
// a run of consecutive segments.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher. Nil patterns select DefaultIgnore.
func NewMatcher(patterns []string) *Matcher {
	if patterns == nil {
		patterns = DefaultIgnore
	}
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, filepath.ToSlash(p))
		}
	}
	return &Matcher{patterns: cleaned}
}

// Match reports whether rel, a path relative to the tree root, is ignored.
func (m *Matcher) Match(rel string) bool {
	if m == nil || rel == "" || rel == "." {
		return false
	}
	normalized := filepath.ToSlash(rel)
	name := path.Base(normalized)

	for _, pattern := range m.patterns {
		if name == pattern {
			return true
		}

		hasPathSep := strings.Contains(pattern, "/")
		hasGlob := strings.ContainsAny(pattern, "*?[")

		if hasGlob {
			target := name
			if hasPathSep {
				target = normalized
			}
			if matched, _ := path.Match(pattern, target); matched {
				return true
			}
			continue
		}

		if hasPathSep {
			if pathMatchesSegments(normalized, pattern) {
				return true
			}
			continue
		}

		if pathHasSegment(normalized, pattern) {
			return true
		}
	}

	return false
}

func pathHasSegment(p, segment string) bool {
	for _, part := range splitPathSegments(p) {
		if part == segment {
			return true
		}
	}
	return false
}

func pathMatchesSegments(p, pattern string) bool {
	pathParts := splitPathSegments(p)
	patternParts := splitPathSegments(pattern)
	if len(patternParts) == 0 || len(patternParts) > len(pathParts) {
		return false
	}

	for i := 0; i <= len(pathParts)-len(patternParts); i++ {
		match := true
		for j := range patternParts {
			if pathParts[i+j] != patternParts[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}

	return false
}

func splitPathSegments(p string) []string {
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			result = append(result, part)
		}
	}
	return result
}
