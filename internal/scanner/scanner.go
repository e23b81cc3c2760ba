// Package scanner walks a project tree and streams the source files
// worth indexing. Exclusion has four layers: the embedded scan rules
// (directory and file name lists), hidden entries, per-directory
// .gitignore files, and a binary sniff on the file contents.
package scanner

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/specmem/specmem/configs"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/ignore"
)

// Scanner discovers indexable files under one project root.
type Scanner struct {
	root        string
	rules       configs.ScanRules
	ignore      *ignore.Cache
	logger      *slog.Logger
	excludeDirs map[string]struct{}
	hiddenAllow map[string]struct{}
}

// New builds a scanner rooted at root. The root must be an existing
// directory; it is resolved to an absolute path so relative paths in
// results are stable.
func New(root string, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "resolve scan root", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "stat scan root", err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodeEnvironmentUnusable, "scan root is not a directory: %s", abs)
	}

	rules := configs.DefaultScanRules()
	s := &Scanner{
		root:        abs,
		rules:       rules,
		ignore:      ignore.NewCache(abs),
		logger:      logger,
		excludeDirs: make(map[string]struct{}, len(rules.ExcludeDirs)),
		hiddenAllow: make(map[string]struct{}, len(rules.HiddenAllow)),
	}
	for _, d := range rules.ExcludeDirs {
		s.excludeDirs[d] = struct{}{}
	}
	for _, f := range rules.HiddenAllow {
		s.hiddenAllow[f] = struct{}{}
	}
	return s, nil
}

// Root returns the absolute scan root.
func (s *Scanner) Root() string { return s.root }

// InvalidateIgnores drops cached .gitignore matchers. The watcher
// calls this when a .gitignore file changes.
func (s *Scanner) InvalidateIgnores() { s.ignore.Invalidate() }

// Scan walks the tree and streams results. The channel closes when
// the walk finishes or ctx is cancelled. Per-file problems surface as
// Result.Err entries; they do not stop the walk.
func (s *Scanner) Scan(ctx context.Context) <-chan Result {
	results := make(chan Result, 64)
	go func() {
		defer close(results)
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				// Unreadable entry. Report and move on.
				if path != s.root {
					s.emit(ctx, results, Result{Err: errors.New(errors.ErrCodeFilePermission, "read "+path, err)})
					return nil
				}
				return err
			}

			rel, relErr := filepath.Rel(s.root, path)
			if relErr != nil || rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if s.skipDir(d.Name(), rel) {
					return fs.SkipDir
				}
				return nil
			}

			info := s.examine(rel, path, d)
			if info != nil {
				s.emit(ctx, results, Result{File: info})
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			s.emit(ctx, results, Result{Err: errors.New(errors.ErrCodeEnvironmentUnusable, "walk "+s.root, err)})
		}
	}()
	return results
}

func (s *Scanner) emit(ctx context.Context, ch chan<- Result, r Result) {
	select {
	case ch <- r:
	case <-ctx.Done():
	}
}

func (s *Scanner) skipDir(name, rel string) bool {
	if _, ok := s.excludeDirs[name]; ok {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.Count(rel, "/")+1 >= s.rules.MaxDepth {
		s.logger.Warn("max scan depth reached, pruning", "dir", rel, "max_depth", s.rules.MaxDepth)
		return true
	}
	return s.ignore.Ignored(rel, true)
}

// examine decides whether one regular file belongs in the index and
// fills in its metadata. Returns nil for files that should be skipped.
func (s *Scanner) examine(rel, abs string, d fs.DirEntry) *FileInfo {
	name := d.Name()
	_, allowed := s.hiddenAllow[name]

	if !allowed {
		if strings.HasPrefix(name, ".") {
			return nil
		}
		for _, pat := range s.rules.ExcludeFiles {
			if ok, _ := filepath.Match(pat, name); ok {
				return nil
			}
		}
	}

	lang, ok := s.rules.Languages[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return nil
	}

	fi, err := d.Info()
	if err != nil {
		return nil
	}
	if !fi.Mode().IsRegular() {
		return nil
	}
	if fi.Size() == 0 {
		return nil
	}
	if fi.Size() > MaxFileSize {
		s.logger.Debug("file exceeds size cap, skipping", "path", rel, "size", fi.Size())
		return nil
	}

	if s.ignore.Ignored(rel, false) {
		return nil
	}

	binary, err := isBinary(abs)
	if err != nil || binary {
		return nil
	}

	return &FileInfo{
		Path:     rel,
		AbsPath:  abs,
		Language: lang,
		Size:     fi.Size(),
		ModTime:  fi.ModTime(),
	}
}

// isBinary sniffs the leading bytes for a NUL, which no text source
// file contains.
func isBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, binarySniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}
