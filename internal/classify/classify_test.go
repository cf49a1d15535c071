package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, rules ...Rule) *Classifier {
	t.Helper()

	c, err := New(rules)
	require.NoError(t, err)

	return c
}

// ---------------------------------------------------------------------------
// Matcher
// ---------------------------------------------------------------------------

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"public/**/*.(js|css)", "public/styles/main.css", true},
		{"public/**/*.(js|css)", "public/app.js", true},
		{"public/**/*.(js|css)", "public/a/b/c.js", true},
		{"public/**/*.(js|css)", "public/logo.png", false},
		{"public/**/*.(js|css)", "src/public/app.js", false},
		{"resources/views/**/*.edge", "resources/views/home.edge", true},
		{"resources/views/*.edge", "resources/views/partials/nav.edge", false},
		{"**/*.md", "README.md", true},
		{"**/*.md", "docs/guide/intro.md", true},
		{"./config/*.{yaml,yml}", "config/app.yml", true},
		{"config/*.{yaml,yml}", "./config/app.yaml", true},
		{"*.json", "package.json", true},
		{"*.json", "config/app.json", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.path, func(t *testing.T) {
			m, err := CompileGlob(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.path))
		})
	}
}

func TestCompileGlob_Invalid(t *testing.T) {
	_, err := CompileGlob("public/[a-")
	assert.Error(t, err)

	_, err = New([]Rule{{Pattern: "ok/*"}, {Pattern: "bad/[a-"}})
	assert.ErrorContains(t, err, "rule 1")
}

func TestExpandGlobstars(t *testing.T) {
	assert.Equal(t, []string{"*.md"}, expandGlobstars("*.md"))
	assert.Equal(t, []string{"a/**/*.js", "a/*.js"}, expandGlobstars("a/**/*.js"))
	assert.Equal(t,
		[]string{"a/**/b/**/c", "a/b/**/c", "a/**/b/c", "a/b/c"},
		expandGlobstars("a/**/b/**/c"))
}

func TestCompileGlob_NestedGlobstars(t *testing.T) {
	m, err := CompileGlob("src/**/generated/**/*.(ts|js)")
	require.NoError(t, err)

	assert.True(t, m.Match("src/generated/types.ts"))
	assert.True(t, m.Match("src/api/generated/v1/client.js"))
	assert.False(t, m.Match("src/api/client.ts"))
}

func TestRewriteGroups(t *testing.T) {
	assert.Equal(t, "*.{js,css}", rewriteGroups("*.(js|css)"))
	assert.Equal(t, "a(b", rewriteGroups("a(b"))
	assert.Equal(t, "x|y", rewriteGroups("x|y"))
}

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify_LogOnlyRule(t *testing.T) {
	c := mustNew(t, Rule{Pattern: "public/**/*.(js|css)", ReloadServer: false})

	var got Category

	require.NotPanics(t, func() {
		got = c.Classify(Event{Kind: Change, RelativePath: "public/styles/main.css"})
	})
	assert.Equal(t, LogOnly, got)
	assert.False(t, got.Restarts())

	assert.Equal(t, LogOnly, c.Classify(Event{Kind: Change, RelativePath: "public/app.js"}))
	assert.Equal(t, Ignore, c.Classify(Event{Kind: Change, RelativePath: "public/logo.png"}))
}

func TestClassify_SourceWithoutRule(t *testing.T) {
	c := mustNew(t)

	got := c.Classify(Event{Kind: SourceChange, RelativePath: "src/foo.ts"})
	assert.Equal(t, RestartAlways, got)
	assert.True(t, got.Restarts())
}

func TestClassify_ReloadRule(t *testing.T) {
	c := mustNew(t, Rule{Pattern: "config/**/*.yaml", ReloadServer: true})

	for _, kind := range []Kind{Add, Change, Delete} {
		assert.Equal(t, RestartAlways, c.Classify(Event{Kind: kind, RelativePath: "config/db/pg.yaml"}))
	}
}

func TestClassify_BuiltinFilesAlwaysRestart(t *testing.T) {
	// A rule that would otherwise make these log-only must not win.
	c := mustNew(t, Rule{Pattern: "*", ReloadServer: false}, Rule{Pattern: ".*", ReloadServer: false})

	for _, p := range []string{".env", ".env.local", ".devlooprc.yaml", ".devlooprc.json"} {
		assert.Equal(t, RestartAlways, c.Classify(Event{Kind: Change, RelativePath: p}), p)
	}
}

func TestClassify_GenericUnmatchedIsIgnored(t *testing.T) {
	c := mustNew(t, Rule{Pattern: "public/**", ReloadServer: false})

	assert.Equal(t, Ignore, c.Classify(Event{Kind: Change, RelativePath: "tmp/cache.bin"}))
	assert.Equal(t, Ignore, c.Classify(Event{Kind: Delete, RelativePath: "notes.txt"}))
}

func TestClassify_RestartTierWinsOverLogTier(t *testing.T) {
	// Log-only rule is inserted first; the restart tier still wins.
	c := mustNew(t,
		Rule{Pattern: "resources/**", ReloadServer: false},
		Rule{Pattern: "resources/lang/*.json", ReloadServer: true},
	)

	assert.Equal(t, RestartAlways, c.Classify(Event{Kind: Change, RelativePath: "resources/lang/en.json"}))
	assert.Equal(t, LogOnly, c.Classify(Event{Kind: Change, RelativePath: "resources/views/home.edge"}))
}

func TestClassify_SourceMatchedByLogOnlyRule(t *testing.T) {
	c := mustNew(t, Rule{Pattern: "src/generated/**", ReloadServer: false})

	assert.Equal(t, LogOnly, c.Classify(Event{Kind: SourceChange, RelativePath: "src/generated/types.ts"}))
}

func TestClassify_CustomMatcher(t *testing.T) {
	calls := 0
	c := NewWithMatchers([]RuleMatcher{{
		Matcher: MatcherFunc(func(path string) bool {
			calls++
			return path == "schema.sql"
		}),
		ReloadServer: true,
	}})

	assert.Equal(t, RestartAlways, c.Classify(Event{Kind: Change, RelativePath: "schema.sql"}))
	assert.Equal(t, Ignore, c.Classify(Event{Kind: Change, RelativePath: "other.sql"}))
	assert.Equal(t, 2, calls)
}

func TestKind(t *testing.T) {
	tests := []struct {
		kind   Kind
		source bool
		action string
		name   string
	}{
		{SourceAdd, true, "add", "source:add"},
		{SourceChange, true, "update", "source:change"},
		{SourceDelete, true, "delete", "source:unlink"},
		{Add, false, "add", "add"},
		{Change, false, "update", "change"},
		{Delete, false, "delete", "unlink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.source, tt.kind.IsSource())
			assert.Equal(t, tt.action, tt.kind.Action())
			assert.Equal(t, tt.name, tt.kind.String())
		})
	}
}

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "restart", RestartAlways.String())
	assert.Equal(t, "log-only", LogOnly.String())
	assert.Equal(t, "ignore", Ignore.String())
	assert.True(t, RestartIfConfigured.Restarts())
}
