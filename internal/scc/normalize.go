package scc

import (
	"regexp"
	"strings"
)

var (
	bulletMarkerRe = regexp.MustCompile(`^\s*(?:[-*•]\s*)+`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	pathSeparators = strings.NewReplacer("\\", "/")
	repeatSlashRe  = regexp.MustCompile(`/{2,}`)
)

// NormalizeBullet strips leading bullet markers (repeated markers collapse)
// and flattens internal whitespace.
func NormalizeBullet(s string) string {
	s = bulletMarkerRe.ReplaceAllString(s, "")
	return CollapseWhitespace(s)
}

// CollapseWhitespace trims and squeezes runs of whitespace to one space.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// NormalizePath unifies separators to "/", collapses repeats and strips
// trailing punctuation. `a\b//c.ts.` becomes `a/b/c.ts`.
func NormalizePath(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "`'\"()<>")
	s = pathSeparators.Replace(s)
	s = repeatSlashRe.ReplaceAllString(s, "/")
	s = strings.TrimRight(s, ".,;:!?")
	return strings.TrimSpace(s)
}

// DedupeOrdered removes duplicates while preserving first-seen order.
// Comparison is case-insensitive after whitespace collapse; the first
// spelling wins.
func DedupeOrdered(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		cleaned := CollapseWhitespace(item)
		if cleaned == "" {
			continue
		}
		key := strings.ToLower(cleaned)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" || max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
