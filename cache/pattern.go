package cache

import (
	"regexp"
	"strings"

	"github.com/saiset-co/sai-reliability/types"
)

const regexPrefix = "re:"

// compilePattern turns an invalidation pattern into a matcher. Patterns
// prefixed with "re:" are regular expressions, anything else is a glob where
// "*" matches any run of characters including separators and newlines and "?"
// matches one.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, types.Errorf(types.ErrCachePatternInvalid, "pattern is empty")
	}

	if expr, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, types.Errorf(types.ErrCachePatternInvalid, "%v", err)
		}
		return re, nil
	}

	var b strings.Builder
	b.Grow(len(pattern) + 12)
	b.WriteString("(?s)^")

	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	if escaped {
		return nil, types.Errorf(types.ErrCachePatternInvalid, "trailing escape in %q", pattern)
	}

	b.WriteByte('$')

	return regexp.Compile(b.String())
}
