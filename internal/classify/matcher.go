package classify

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher reports whether a slash-separated relative path matches a rule.
type Matcher interface {
	Match(path string) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(path string) bool

// Match calls f(path).
func (f MatcherFunc) Match(path string) bool { return f(path) }

type globMatcher struct {
	pattern string
	globs   []glob.Glob
}

func (m *globMatcher) Match(path string) bool {
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")
	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
	}

	return false
}

func (m *globMatcher) String() string { return m.pattern }

// CompileGlob compiles a picomatch-style pattern. "**" crosses directory
// boundaries, "*" does not, and "(a|b)" groups are treated as {a,b}.
func CompileGlob(pattern string) (Matcher, error) {
	normalized := strings.TrimPrefix(filepath.ToSlash(pattern), "./")
	normalized = rewriteGroups(normalized)

	var variants []string

	seen := make(map[string]bool)

	for _, v := range expandGlobstars(normalized) {
		candidates := []string{v}
		if rest, ok := strings.CutPrefix(v, "**/"); ok {
			candidates = append(candidates, rest)
		}

		for _, c := range candidates {
			if !seen[c] {
				seen[c] = true
				variants = append(variants, c)
			}
		}
	}

	m := &globMatcher{pattern: pattern}

	for _, v := range variants {
		g, err := glob.Compile(v, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
		}

		m.globs = append(m.globs, g)
	}

	return m, nil
}

// expandGlobstars returns every form of p in which each "/**/" either
// stays or collapses to "/", so "dir/**/x" also matches "dir/x". The
// forms are compiled separately: gobwas/glob cannot nest "**" inside an
// alternation.
func expandGlobstars(p string) []string {
	i := strings.Index(p, "/**/")
	if i < 0 {
		return []string{p}
	}

	head, tail := p[:i], p[i+len("/**/"):]

	var out []string

	for _, rest := range expandGlobstars(tail) {
		out = append(out, head+"/**/"+rest, head+"/"+rest)
	}

	return out
}

// rewriteGroups turns "(a|b)" into "{a,b}". Unbalanced parentheses are
// left untouched.
func rewriteGroups(p string) string {
	var b strings.Builder

	depth := 0

	for _, r := range p {
		switch {
		case r == '(':
			if !strings.ContainsRune(p, ')') {
				b.WriteRune(r)
				continue
			}

			depth++

			b.WriteRune('{')
		case r == ')' && depth > 0:
			depth--

			b.WriteRune('}')
		case r == '|' && depth > 0:
			b.WriteRune(',')
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
