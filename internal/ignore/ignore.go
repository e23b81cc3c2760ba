// Package ignore implements gitignore-style pattern matching with a
// per-directory matcher cache. Syntax follows
// https://git-scm.com/docs/gitignore: negation, directory-only rules,
// anchoring, * ? [] and ** globs.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Matcher holds compiled patterns. Build it fully before sharing;
// matching is read-only and safe for concurrent use.
type Matcher struct {
	rules []rule
}

type rule struct {
	regex    *regexp.Regexp
	negation bool
	dirOnly  bool
	anchored bool

	// base scopes a rule from a nested ignore file to its directory.
	base string
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Add compiles one pattern scoped to base ("" for the root file).
// Blank lines and comments are dropped.
func (m *Matcher) Add(pattern, base string) {
	escapedSpace := strings.HasSuffix(pattern, `\ `)
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || (strings.HasPrefix(pattern, "#") && !strings.HasPrefix(pattern, `\#`)) {
		return
	}

	r := rule{base: base}

	switch {
	case strings.HasPrefix(pattern, `\#`), strings.HasPrefix(pattern, `\!`):
		pattern = pattern[1:]
	case strings.HasPrefix(pattern, "!"):
		r.negation = true
		pattern = pattern[1:]
	}

	if escapedSpace && strings.HasSuffix(pattern, `\`) {
		pattern = strings.TrimSuffix(pattern, `\`) + " "
	}
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}
	if strings.HasPrefix(pattern, "/") {
		r.anchored = true
		pattern = strings.TrimPrefix(pattern, "/")
	}
	// A slash inside the pattern anchors it to the ignore file's
	// directory ("doc/frotz" means "/doc/frotz").
	if strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") && !strings.HasPrefix(pattern, "*") {
		r.anchored = true
	}

	r.regex = regexp.MustCompile("^" + globToRegex(pattern) + "$")
	m.rules = append(m.rules, r)
}

// Load reads one ignore file, scoping its rules to base.
func (m *Matcher) Load(path, base string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ignore file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m.Add(sc.Text(), base)
	}
	return sc.Err()
}

// Ignored reports whether a slash-separated relative path is excluded.
// Later rules win, so negations re-include.
func (m *Matcher) Ignored(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)

	ignored := false
	for _, r := range m.rules {
		if r.match(relPath, isDir) {
			ignored = !r.negation
		}
	}
	return ignored
}

func (r rule) match(path string, isDir bool) bool {
	if r.base != "" {
		if path == r.base {
			path = filepath.Base(path)
		} else if strings.HasPrefix(path, r.base+"/") {
			path = strings.TrimPrefix(path, r.base+"/")
		} else {
			return false
		}
	}

	parts := strings.Split(path, "/")

	if r.anchored {
		if r.regex.MatchString(path) {
			return !r.dirOnly || isDir
		}
		// Files under an anchored directory rule are covered too.
		if r.dirOnly {
			for i := range parts[:len(parts)-1] {
				if r.regex.MatchString(strings.Join(parts[:i+1], "/")) {
					return true
				}
			}
		}
		return false
	}

	if r.dirOnly {
		for i, part := range parts {
			if r.regex.MatchString(part) {
				if i == len(parts)-1 {
					return isDir
				}
				return true
			}
		}
		return false
	}

	if r.regex.MatchString(parts[len(parts)-1]) || r.regex.MatchString(path) {
		return true
	}
	for _, part := range parts {
		if r.regex.MatchString(part) {
			return true
		}
	}
	return false
}

// globToRegex translates one gitignore glob into a regular expression.
func globToRegex(pattern string) string {
	var out strings.Builder

	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch c {
		case '*':
			if strings.HasPrefix(pattern[i:], "**/") {
				out.WriteString("(?:.*/)?")
				i += 3
				continue
			}
			if strings.HasPrefix(pattern[i:], "**") && (i == 0 || pattern[i-1] == '/') {
				out.WriteString(".*")
				i += 2
				continue
			}
			out.WriteString("[^/]*")
			i++
		case '?':
			out.WriteString("[^/]")
			i++
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end > 0 {
				out.WriteString(pattern[i : i+end+1])
				i += end + 1
			} else {
				out.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		case '\\':
			if i+1 < len(pattern) {
				out.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				out.WriteString(regexp.QuoteMeta(string(c)))
				i++
			}
		default:
			out.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	return out.String()
}
