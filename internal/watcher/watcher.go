// Package watcher turns filesystem events into debounced batches the
// index reconciler consumes. It shares the scanner's exclusion rules
// so watched and indexed trees agree, and surfaces .gitignore edits as
// their own event kind because they change what the rest of the tree
// means.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/specmem/specmem/configs"
	"github.com/specmem/specmem/internal/errors"
	"github.com/specmem/specmem/internal/ignore"
)

// Operation classifies one file event.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	// OpGitignoreChange means ignore rules moved underneath the index;
	// the consumer should invalidate matcher caches and reconcile.
	OpGitignoreChange
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpGitignoreChange:
		return "GITIGNORE_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change, path relative to the project root.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// DefaultDebounceWindow coalesces editor save storms.
const DefaultDebounceWindow = 200 * time.Millisecond

// Watcher follows one project tree via fsnotify.
type Watcher struct {
	root        string
	rules       configs.ScanRules
	ignore      *ignore.Cache
	fsw         *fsnotify.Watcher
	debouncer   *Debouncer
	errs        chan error
	logger      *slog.Logger
	excludeDirs map[string]struct{}

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New prepares a watcher rooted at root. Start actually begins
// delivery.
func New(root string, window time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "resolve watch root", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(errors.ErrCodeEnvironmentUnusable, "create filesystem watcher", err)
	}

	rules := configs.DefaultScanRules()
	w := &Watcher{
		root:        abs,
		rules:       rules,
		ignore:      ignore.NewCache(abs),
		fsw:         fsw,
		debouncer:   NewDebouncer(window),
		errs:        make(chan error, 10),
		logger:      logger,
		excludeDirs: make(map[string]struct{}, len(rules.ExcludeDirs)),
		done:        make(chan struct{}),
	}
	for _, d := range rules.ExcludeDirs {
		w.excludeDirs[d] = struct{}{}
	}
	return w, nil
}

// Start registers the tree and begins delivering batches. It returns
// once the watch is established; delivery runs until Stop.
func (w *Watcher) Start() error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Events yields debounced batches. Closed on Stop.
func (w *Watcher) Events() <-chan []FileEvent { return w.debouncer.Output() }

// Errors yields non-fatal watch errors. Closed on Stop.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Stop tears the watch down. Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	w.debouncer.Stop()
	close(w.errs)
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// addTree registers dir and every non-excluded subdirectory.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.skipDir(d.Name(), rel) {
			return fs.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Debug("watch add failed", "dir", rel, "error", addErr)
		}
		return nil
	})
}

func (w *Watcher) skipDir(name, rel string) bool {
	if _, ok := w.excludeDirs[name]; ok {
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return w.ignore.Ignored(rel, true)
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	base := filepath.Base(ev.Name)

	if base == ".gitignore" {
		w.ignore.Invalidate()
		w.debouncer.Add(FileEvent{Path: rel, Operation: OpGitignoreChange, Timestamp: time.Now()})
		return
	}

	// New directories join the watch; their contents arrive as
	// subsequent events.
	if ev.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if !w.skipDir(base, rel) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("watch extend failed", "dir", rel, "error", err)
				}
			}
			return
		}
	}

	if w.skipFile(base, rel) {
		return
	}

	var op Operation
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
	case ev.Op.Has(fsnotify.Write):
		op = OpModify
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return
	}
	w.debouncer.Add(FileEvent{Path: rel, Operation: op, Timestamp: time.Now()})
}

// skipFile mirrors the scanner's candidacy rules so watch events track
// only files the index would hold.
func (w *Watcher) skipFile(name, rel string) bool {
	hidden := strings.HasPrefix(name, ".")
	allowed := false
	for _, h := range w.rules.HiddenAllow {
		if name == h {
			allowed = true
			break
		}
	}
	if hidden && !allowed {
		return true
	}
	if !allowed {
		for _, pat := range w.rules.ExcludeFiles {
			if ok, _ := filepath.Match(pat, name); ok {
				return true
			}
		}
	}
	if _, known := w.rules.Languages[strings.ToLower(filepath.Ext(name))]; !known {
		return true
	}
	return w.ignore.Ignored(rel, false)
}
