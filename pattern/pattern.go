// Package pattern implements glob style path patterns used to select the
// forwarding target for a request, together with the specificity order
// applied when more than one pattern matches and the prefix rewrite of
// the matched path.
//
// The grammar is restricted: '*' matches exactly one path segment, '**'
// matches any run of characters including '/', any other character is a
// literal. The patterns "/*" and "/**" are full catch-alls and match
// every path.
package pattern

import (
	"errors"
	"math"
	"regexp"
	"strings"
)

// Wildcard placeholders survive regexp escaping of the literal parts.
// The deep wildcard is substituted first so it never degenerates into
// two single segment wildcards.
const (
	deepMark    = "\x00"
	segmentMark = "\x01"
)

var ErrInvalidPattern = errors.New("pattern must start with '/'")

// Pattern is a compiled path pattern.
type Pattern struct {
	source   string
	catchAll bool
	rx       *regexp.Regexp
}

// IsCatchAll reports whether a pattern matches every path.
func IsCatchAll(p string) bool {
	return p == "/*" || p == "/**"
}

// Compile validates and compiles a pattern. Malformed patterns are
// rejected here, at registration time, so a bad target definition fails
// the mutation instead of silently matching nothing.
func Compile(p string) (*Pattern, error) {
	if p == "" || p[0] != '/' {
		return nil, ErrInvalidPattern
	}

	if IsCatchAll(p) {
		return &Pattern{source: p, catchAll: true}, nil
	}

	marked := strings.ReplaceAll(p, "**", deepMark)
	marked = strings.ReplaceAll(marked, "*", segmentMark)
	quoted := regexp.QuoteMeta(marked)
	quoted = strings.ReplaceAll(quoted, deepMark, ".*")
	quoted = strings.ReplaceAll(quoted, segmentMark, "[^/]+")

	rx, err := regexp.Compile("^" + quoted + "$")
	if err != nil {
		// cannot happen with the restricted grammar; degrade to
		// match nothing rather than fail the whole registry
		return &Pattern{source: p}, nil
	}

	return &Pattern{source: p, rx: rx}, nil
}

// Match tests a request path against the pattern.
func (p *Pattern) Match(path string) bool {
	if p.catchAll {
		return true
	}

	if p.rx == nil {
		return false
	}

	return p.rx.MatchString(path)
}

// String returns the pattern source.
func (p *Pattern) String() string { return p.source }

// Specificity returns the ordering score of a pattern. Catch-alls rank
// below everything, otherwise a longer pattern is more specific. The
// registry sorts targets by descending specificity so the most specific
// matching pattern wins.
func Specificity(p string) int {
	if IsCatchAll(p) {
		return math.MinInt
	}

	return len(p)
}

// Prefix returns the static leading portion of a pattern: trailing
// wildcard segments and trailing slashes stripped. The prefix of a
// catch-all is empty.
func Prefix(p string) string {
	for {
		switch {
		case strings.HasSuffix(p, "/**"):
			p = p[:len(p)-3]
		case strings.HasSuffix(p, "/*"):
			p = p[:len(p)-2]
		default:
			return strings.TrimRight(p, "/")
		}
	}
}

// Rewrite strips the pattern's static prefix from a path, producing the
// path sent upstream. The result is never empty and always starts with
// '/'. A path that does not carry the prefix is returned unchanged; the
// registry matched it before, so this is a fallback, not a normal case.
func Rewrite(path, p string) string {
	prefix := Prefix(p)
	if prefix == "" {
		if path == "" {
			return "/"
		}

		return path
	}

	if !strings.HasPrefix(path, prefix) {
		return path
	}

	rest := path[len(prefix):]
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}

	return rest
}
