package filter

import (
	"regexp"
	"strings"
)

// Options controls glob matching semantics. The zero value is the
// documented default: case-sensitive matching with `**` recursion
// enabled.
type Options struct {
	// CaseInsensitive makes pattern matching ignore case.
	CaseInsensitive bool
	// NoDoubleStar disables `**` recursive matching; a `**` in a
	// pattern then behaves like a plain `*`.
	NoDoubleStar bool
}

// Pattern is a compiled exclude glob that matches paths relative to an
// include root.
type Pattern struct {
	re       *regexp.Regexp
	original string
	anchored bool // pattern starts with / or contains /
	dirOnly  bool // pattern ends with /
}

// CompilePattern converts a glob pattern into a compiled matcher.
//
// Semantics follow rsync-style excludes: a trailing / restricts the
// pattern to directories, a leading / (or any embedded /) anchors the
// pattern to the root of the relative path, and an unanchored pattern
// matches against the basename or any path suffix. `*` never crosses
// a path separator; `**` does, unless disabled via Options.
func CompilePattern(pattern string, opts Options) (*Pattern, error) {
	p := &Pattern{original: pattern}

	if strings.HasSuffix(pattern, "/") {
		p.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	if strings.HasPrefix(pattern, "/") {
		p.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	} else if strings.Contains(pattern, "/") {
		// Contains a / but doesn't start with one — still anchored,
		// per rsync rules.
		p.anchored = true
	}

	reStr := globToRegex(pattern, !opts.NoDoubleStar)

	if p.anchored {
		reStr = "^" + reStr + "$"
	} else {
		// Match against basename or any path suffix.
		reStr = "(^|/)" + reStr + "$"
	}
	if opts.CaseInsensitive {
		reStr = "(?i)" + reStr
	}

	re, err := regexp.Compile(reStr)
	if err != nil {
		return nil, err
	}
	p.re = re
	return p, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.original }

// Match tests whether a relative path matches this pattern.
func (p *Pattern) Match(relPath string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	return p.re.MatchString(relPath)
}

// globToRegex converts a glob pattern to a regex string.
//
//nolint:gocyclo // character-by-character glob parser
func globToRegex(pattern string, doubleStar bool) string {
	var b strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			if doubleStar && i+1 < len(pattern) && pattern[i+1] == '*' {
				// ** matches anything including /
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					b.WriteString("(.*/)?")
					i += 3
				} else {
					b.WriteString(".*")
					i += 2
				}
			} else {
				// * matches anything except /
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j < len(pattern) {
				cls := pattern[i+1 : j]
				// Convert ! to ^ for negation.
				if strings.HasPrefix(cls, "!") {
					cls = "^" + cls[1:]
				}
				b.WriteString("[" + cls + "]")
				i = j + 1
			} else {
				b.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '.', '(', ')', '+', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
