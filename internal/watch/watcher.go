package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/devloop/internal/classify"
	"github.com/hupe1980/devloop/internal/logging"
	"github.com/hupe1980/devloop/internal/project"
)

// ErrInvalidConfig is returned by New when the compiler configuration
// cannot produce a watch list.
var ErrInvalidConfig = errors.New("invalid watch configuration")

// EventType identifies a watcher event.
type EventType int

const (
	// Ready is sent once, after the initial directory walk.
	Ready EventType = iota
	// Changed carries one file change.
	Changed
	// Failed reports a fatal watcher error.
	Failed
)

// Event is one item of the watcher's event stream.
type Event struct {
	Type   EventType
	Change classify.Event
	Err    error
}

// SourceExtensions are the file extensions compiled by the toolchain.
var SourceExtensions = []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// skippedDirs are never descended into.
var skippedDirs = map[string]bool{
	"node_modules": true,
}

// Options configures New.
type Options struct {
	// Root is the project root. Events carry paths relative to it.
	Root string

	// Compiler provides the source roots and excludes.
	Compiler *project.CompilerConfig

	// MetaPatterns are additional globs whose directories are watched.
	MetaPatterns []string

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// Watcher turns fsnotify events into typed source/generic changes.
type Watcher struct {
	root        string
	sourceRoots []string
	recursive   []string
	outDir      string
	exclude     []classify.Matcher
	logger      *slog.Logger

	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// New builds the watch list and starts delivering events. It fails when
// the compiler configuration is missing or names no include targets.
func New(opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	if opts.Compiler == nil {
		return nil, fmt.Errorf("%w: no compiler config", ErrInvalidConfig)
	}

	sourceRoots, err := opts.Compiler.SourceRoots()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	w := &Watcher{
		root:        root,
		sourceRoots: sourceRoots,
		outDir:      opts.Compiler.OutDir(),
		logger:      opts.Logger,
		events:      make(chan Event),
		done:        make(chan struct{}),
	}

	for _, ex := range opts.Compiler.Exclude {
		m, compileErr := classify.CompileGlob(ex)
		if compileErr != nil {
			return nil, fmt.Errorf("%w: exclude: %w", ErrInvalidConfig, compileErr)
		}

		// "build" excludes everything below it as well.
		w.exclude = append(w.exclude, m, dirMatcher(ex))
	}

	w.recursive = watchRoots(sourceRoots, opts.MetaPatterns)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w.fsw = fsw

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Events returns the event stream. It is closed after Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watcher. Once it returns no further event is delivered.
// It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fsw.Close()
		w.wg.Wait()
	})

	return w.closeErr
}

func (w *Watcher) run() {
	defer w.wg.Done()
	defer close(w.events)

	if err := w.addTargets(); err != nil {
		w.send(Event{Type: Failed, Err: err})
		<-w.done

		return
	}

	if !w.send(Event{Type: Ready}) {
		return
	}

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.handle(event)

		case watchErr, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.logger.Error("watcher error", slog.String("error", watchErr.Error()))

			if !w.send(Event{Type: Failed, Err: watchErr}) {
				return
			}
		}
	}
}

// send delivers ev unless the watcher is closing.
func (w *Watcher) send(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

func (w *Watcher) addTargets() error {
	// The root itself, for .env and the rc file.
	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("watching %s: %w", w.root, err)
	}

	for _, rel := range w.recursive {
		dir := filepath.Join(w.root, filepath.FromSlash(rel))

		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("skipping missing watch root", slog.String("dir", rel))
			continue
		}

		if err != nil {
			return fmt.Errorf("watching %s: %w", rel, err)
		}

		if !info.IsDir() {
			continue
		}

		if err := w.addRecursive(dir); err != nil {
			return fmt.Errorf("watching %s: %w", rel, err)
		}
	}

	w.logger.Debug("watching file system",
		slog.String("root", w.root),
		slog.Any("dirs", w.recursive),
	)

	return nil
}

// addRecursive walks root and adds all directories to the watcher.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if p != root && w.skipDir(p, d.Name()) {
			return filepath.SkipDir
		}

		return w.fsw.Add(p)
	})
}

func (w *Watcher) skipDir(p, name string) bool {
	if strings.HasPrefix(name, ".") || skippedDirs[name] {
		return true
	}

	rel := w.rel(p)

	return w.outDir != "" && rel == w.outDir
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isRelevant(event) {
		return
	}

	rel := w.rel(event.Name)
	if rel == "" || rel == "." {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.skipDir(event.Name, info.Name()) && w.inRecursiveRoot(rel) {
				if err := w.addRecursive(event.Name); err != nil {
					w.logger.Warn("watching new directory", slog.String("dir", rel), slog.String("error", err.Error()))
				}
			}

			return
		}
	}

	w.send(Event{Type: Changed, Change: classify.Event{Kind: w.kind(event, rel), RelativePath: rel}})
}

func (w *Watcher) kind(event fsnotify.Event, rel string) classify.Kind {
	source := w.isSource(rel)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if source {
			return classify.SourceDelete
		}

		return classify.Delete
	case event.Has(fsnotify.Create):
		if source {
			return classify.SourceAdd
		}

		return classify.Add
	default:
		if source {
			return classify.SourceChange
		}

		return classify.Change
	}
}

// isSource reports whether rel is compiled by the toolchain.
func (w *Watcher) isSource(rel string) bool {
	if !hasSourceExt(rel) {
		return false
	}

	if w.outDir != "" && isWithin(rel, w.outDir) {
		return false
	}

	for _, ex := range w.exclude {
		if ex.Match(rel) {
			return false
		}
	}

	for _, r := range w.sourceRoots {
		if isWithin(rel, r) {
			return true
		}
	}

	return false
}

func (w *Watcher) inRecursiveRoot(rel string) bool {
	for _, r := range w.recursive {
		if isWithin(rel, r) {
			return true
		}
	}

	return false
}

func (w *Watcher) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil {
		return ""
	}

	return filepath.ToSlash(r)
}

// isRelevant filters out editor noise and chmod-only events.
func isRelevant(event fsnotify.Event) bool {
	if event.Op == 0 {
		return false
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Base(event.Name)

	if project.IsEnvFile(name) || project.IsMetadataFile(name) {
		return true
	}

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") || strings.HasPrefix(name, "#") {
		return false
	}

	return true
}

// watchRoots merges source roots and meta pattern bases. A "." root makes
// every other root redundant.
func watchRoots(sourceRoots, metaPatterns []string) []string {
	candidates := append([]string(nil), sourceRoots...)
	for _, p := range metaPatterns {
		candidates = append(candidates, project.GlobBase(p))
	}

	seen := make(map[string]bool, len(candidates))
	roots := make([]string, 0, len(candidates))

	for _, c := range candidates {
		if c == "." {
			return []string{"."}
		}

		if seen[c] {
			continue
		}

		seen[c] = true
		roots = append(roots, c)
	}

	return roots
}

func hasSourceExt(rel string) bool {
	ext := strings.ToLower(path.Ext(rel))
	for _, e := range SourceExtensions {
		if ext == e {
			return true
		}
	}

	return false
}

// isWithin reports whether rel is dir or below it. "." contains everything.
func isWithin(rel, dir string) bool {
	if dir == "." || rel == dir {
		return true
	}

	return strings.HasPrefix(rel, dir+"/")
}

// dirMatcher matches everything below a literal exclude entry.
func dirMatcher(dir string) classify.Matcher {
	dir = strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(dir), "./"), "/")
	literal := dir != "" && dir != "." && !strings.ContainsAny(dir, "*?[{")

	return classify.MatcherFunc(func(rel string) bool {
		return literal && isWithin(rel, dir)
	})
}
