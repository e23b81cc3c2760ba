package ignore

import (
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheSize bounds cached per-directory matchers; long-running watch
// mode would otherwise grow without bound on large trees.
const cacheSize = 1000

// Cache resolves whether a path is gitignored, consulting the root
// .gitignore plus every nested one on the path, with parsed matchers
// cached per directory.
type Cache struct {
	root     string
	matchers *lru.Cache[string, *Matcher]
}

// NewCache builds a cache rooted at the project directory.
func NewCache(root string) *Cache {
	matchers, _ := lru.New[string, *Matcher](cacheSize)
	return &Cache{root: root, matchers: matchers}
}

// Ignored reports whether relPath is excluded by any .gitignore
// between the root and the file's directory.
func (c *Cache) Ignored(relPath string, isDir bool) bool {
	if m := c.matcher(c.root, ""); m != nil && m.Ignored(relPath, isDir) {
		return true
	}

	dir := filepath.Dir(relPath)
	if dir == "." {
		return false
	}

	current := c.root
	base := ""
	for _, part := range strings.Split(dir, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		base = filepath.Join(base, part)
		if m := c.matcher(current, filepath.ToSlash(base)); m != nil && m.Ignored(relPath, isDir) {
			return true
		}
	}
	return false
}

// Invalidate drops all cached matchers; callers invoke it when a
// .gitignore changes on disk.
func (c *Cache) Invalidate() {
	c.matchers.Purge()
}

// matcher loads (or returns the cached) matcher for one directory;
// nil when the directory has no .gitignore. Absence is cached too so
// deep trees don't re-stat on every file.
func (c *Cache) matcher(dir, base string) *Matcher {
	if m, ok := c.matchers.Get(dir); ok {
		return m
	}

	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		c.matchers.Add(dir, nil)
		return nil
	}

	m := NewMatcher()
	if err := m.Load(path, base); err != nil {
		c.matchers.Add(dir, nil)
		return nil
	}
	c.matchers.Add(dir, m)
	return m
}
