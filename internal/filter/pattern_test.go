package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, pattern string, opts Options) *Pattern {
	t.Helper()
	p, err := CompilePattern(pattern, opts)
	require.NoError(t, err)
	return p
}

func TestBasenamePattern(t *testing.T) {
	p := compile(t, "*.log", Options{})

	assert.True(t, p.Match("app.log", false))
	assert.True(t, p.Match("sub/debug.log", false))
	assert.False(t, p.Match("app.txt", false))
}

func TestAnchoredPattern(t *testing.T) {
	p := compile(t, "/root.txt", Options{})

	assert.True(t, p.Match("root.txt", false))
	assert.False(t, p.Match("sub/root.txt", false))
}

func TestEmbeddedSlashAnchors(t *testing.T) {
	p := compile(t, "build/cache", Options{})

	assert.True(t, p.Match("build/cache", false))
	assert.False(t, p.Match("sub/build/cache", false))
}

func TestDirOnlyPattern(t *testing.T) {
	p := compile(t, "build/", Options{})

	assert.True(t, p.Match("build", true))
	assert.False(t, p.Match("build", false)) // a file named "build" is not matched
}

func TestDoubleStar(t *testing.T) {
	p := compile(t, "**/*.tmp", Options{})

	assert.True(t, p.Match("a.tmp", false))
	assert.True(t, p.Match("deep/nested/b.tmp", false))
	assert.False(t, p.Match("deep/nested/b.txt", false))
}

func TestDoubleStarDisabled(t *testing.T) {
	p := compile(t, "**/*.tmp", Options{NoDoubleStar: true})

	// ** degrades to *, so only a single level matches.
	assert.True(t, p.Match("cache/a.tmp", false))
	assert.False(t, p.Match("deep/nested/b.tmp", false))
}

func TestCaseSensitivityDefault(t *testing.T) {
	p := compile(t, "*.LOG", Options{})

	assert.True(t, p.Match("app.LOG", false))
	assert.False(t, p.Match("app.log", false))
}

func TestCaseInsensitiveOption(t *testing.T) {
	p := compile(t, "*.LOG", Options{CaseInsensitive: true})

	assert.True(t, p.Match("app.LOG", false))
	assert.True(t, p.Match("app.log", false))
}

func TestCharacterClass(t *testing.T) {
	p := compile(t, "file[0-9].txt", Options{})

	assert.True(t, p.Match("file3.txt", false))
	assert.False(t, p.Match("fileA.txt", false))
}

func TestQuestionMark(t *testing.T) {
	p := compile(t, "?.txt", Options{})

	assert.True(t, p.Match("a.txt", false))
	assert.False(t, p.Match("ab.txt", false))
	// Unanchored patterns match the basename at any depth.
	assert.True(t, p.Match("sub/x/y.txt", false))
	assert.False(t, p.Match("sub/x/yz.txt", false))
}
