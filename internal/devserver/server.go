// Package devserver runs an application under a watch-and-restart loop.
//
// A Server resolves a port, launches the application through a process
// Supervisor, optionally runs an asset bundler next to it, and in watch
// mode restarts the application whenever a classified file change asks
// for it. Every input (child messages and exits, watcher events, timers,
// shutdown) is turned into one event type and handled to completion by a
// single goroutine, so a restart triggered by one change is finished
// before the next change is classified.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/devloop/internal/assets"
	"github.com/hupe1980/devloop/internal/classify"
	"github.com/hupe1980/devloop/internal/logging"
	"github.com/hupe1980/devloop/internal/metrics"
	"github.com/hupe1980/devloop/internal/port"
	"github.com/hupe1980/devloop/internal/process"
	"github.com/hupe1980/devloop/internal/project"
	"github.com/hupe1980/devloop/internal/ui"
	"github.com/hupe1980/devloop/internal/watch"
)

// Watcher is the file watcher consumed by the Server.
type Watcher interface {
	Events() <-chan watch.Event
	Close() error
}

// WatcherConfig is passed to a WatcherFactory.
type WatcherConfig struct {
	Root               string
	CompilerConfigFile string
	MetaPatterns       []string
	Logger             *slog.Logger
}

// WatcherFactory creates the file watcher for watch mode.
type WatcherFactory func(cfg WatcherConfig) (Watcher, error)

// AssetServer is the asset bundler coordinator.
type AssetServer interface {
	Start(ctx context.Context) error
	Stop() error
	SetLogger(logger *slog.Logger)
}

// AssetsFactory creates the asset coordinator.
type AssetsFactory func(opts assets.Options) AssetServer

// Options configures a Server.
type Options struct {
	// ProjectRoot is the application directory. Defaults to ".".
	ProjectRoot string

	// PreferredPort overrides PORT from the environment and .env.
	PreferredPort int

	// Env is merged over the inherited environment of the application.
	// It also overrides the injected PORT.
	Env map[string]string

	// RuntimeBinary runs EntryScript. Defaults to node.
	RuntimeBinary string

	// RuntimeArgs are passed to RuntimeBinary before the script.
	RuntimeArgs []string

	// ScriptArgs are passed after the script.
	ScriptArgs []string

	// MetaFiles are the additional change rules.
	MetaFiles []classify.Rule

	// ClearScreen resets the terminal before each change notice.
	ClearScreen bool

	// EntryScript is relative to ProjectRoot. Defaults to bin/server.js.
	EntryScript string

	// Assets configures the optional asset bundler.
	Assets assets.Options

	// CompilerConfigFile is read to build the watch list. Defaults to
	// tsconfig.json.
	CompilerConfigFile string

	// Out receives change notices and the ready banner. Defaults to stdout.
	Out io.Writer

	// NoColor disables styling of Out.
	NoColor bool

	// Debounce coalesces restart requests arriving within the interval.
	// Zero restarts on every change.
	Debounce time.Duration

	// CrashBackoff restarts an application that exits in watch mode after
	// an exponential delay. Off by default: a crashed application waits for
	// the next change.
	CrashBackoff bool

	// Metrics records session counters. May be nil.
	Metrics *metrics.Recorder

	// Launcher starts the application. Defaults to process.ExecLauncher.
	Launcher process.Launcher

	// PortResolver chooses the port. Defaults to port.Default.
	PortResolver port.Resolver

	// WatcherFactory creates the watcher. Defaults to DefaultWatcherFactory.
	WatcherFactory WatcherFactory

	// AssetsFactory creates the asset coordinator. Defaults to assets.New.
	AssetsFactory AssetsFactory
}

// DefaultWatcherFactory reads the compiler configuration and watches its
// include roots together with the meta file directories.
func DefaultWatcherFactory(cfg WatcherConfig) (Watcher, error) {
	compiler, err := project.LoadCompilerConfig(cfg.Root, cfg.CompilerConfigFile)
	if err != nil {
		return nil, err
	}

	w, err := watch.New(watch.Options{
		Root:         cfg.Root,
		Compiler:     compiler,
		MetaPatterns: cfg.MetaPatterns,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return w, nil
}

// event is the single input type of the loop.
type event struct {
	kind   eventKind
	proc   process.Event
	change classify.Event
	err    error

	// crashed is set on restart timers scheduled after a crash.
	crashed *process.Event
}

// outcome describes why the loop ended.
type outcome struct {
	// closeCode is reported to the close callback when err is nil and
	// shutdown is false.
	closeCode int
	err       error
	shutdown  bool
}

// Server supervises one application session.
type Server struct {
	opts         Options
	root         string
	classifier   *classify.Classifier
	metaPatterns []string
	printer      *ui.Printer
	logger       atomic.Pointer[slog.Logger]
	supervisor   *process.Supervisor
	assets       AssetServer

	mu      sync.Mutex
	state   State
	port    int
	started bool
	onClose func(code int)
	onError func(err error)

	internal  chan event
	closing   chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	done      chan struct{}

	// Owned by the loop goroutine until loopDone is closed.
	watcher    Watcher
	watcherCh  <-chan watch.Event
	debouncer  *watch.Debouncer
	crashDelay *backoff.ExponentialBackOff
	crashTimer *time.Timer

	teardownOnce sync.Once
	teardownErr  error
	finalOnce    sync.Once
	finalErr     error
}

// New validates opts and returns an idle Server.
func New(opts Options) (*Server, error) {
	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}

	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	if opts.EntryScript == "" {
		opts.EntryScript = project.DefaultEntry
	}

	if opts.RuntimeBinary == "" {
		opts.RuntimeBinary = project.DefaultRuntime
	}

	if opts.CompilerConfigFile == "" {
		opts.CompilerConfigFile = project.DefaultCompilerConfig
	}

	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	if opts.PortResolver == nil {
		opts.PortResolver = port.Default
	}

	if opts.WatcherFactory == nil {
		opts.WatcherFactory = DefaultWatcherFactory
	}

	if opts.AssetsFactory == nil {
		opts.AssetsFactory = func(o assets.Options) AssetServer { return assets.New(o, nil) }
	}

	if opts.Assets.Dir == "" {
		opts.Assets.Dir = root
	}

	classifier, err := classify.New(opts.MetaFiles)
	if err != nil {
		return nil, fmt.Errorf("compiling meta file rules: %w", err)
	}

	patterns := make([]string, 0, len(opts.MetaFiles))
	for _, r := range opts.MetaFiles {
		patterns = append(patterns, r.Pattern)
	}

	s := &Server{
		opts:         opts,
		root:         root,
		classifier:   classifier,
		metaPatterns: patterns,
		printer:      ui.New(opts.Out, opts.NoColor),
		supervisor: process.NewSupervisor(opts.Launcher, process.Spec{
			Dir:         root,
			Binary:      opts.RuntimeBinary,
			Script:      opts.EntryScript,
			Env:         opts.Env,
			RuntimeArgs: opts.RuntimeArgs,
			ScriptArgs:  opts.ScriptArgs,
		}),
		assets:   opts.AssetsFactory(opts.Assets),
		internal: make(chan event),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.SetLogger(logging.Discard())

	return s, nil
}

// OnClose registers the callback invoked with the application's exit code
// when a one-shot session ends, or with WatcherFailureCode when the
// watcher cannot be created.
func (s *Server) OnClose(fn func(code int)) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onClose = fn

	return s
}

// OnError registers the callback invoked when the session ends because of
// an error.
func (s *Server) OnError(fn func(err error)) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onError = fn

	return s
}

// SetLogger replaces the logger of the server, its supervisor and the
// asset coordinator. It may be called while the server runs; the file
// watcher keeps the logger it was started with.
func (s *Server) SetLogger(logger *slog.Logger) *Server {
	if logger == nil {
		return s
	}

	s.logger.Store(logger)
	s.supervisor.SetLogger(logger)
	s.assets.SetLogger(logger)

	return s
}

func (s *Server) log() *slog.Logger { return s.logger.Load() }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Port returns the resolved application port, or 0 before resolution.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.port
}

// Done is closed once the session has ended and the terminal callback, if
// any, has returned.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start runs the application once. The session ends when the application
// exits, when ctx is cancelled or when Close is called.
func (s *Server) Start(ctx context.Context) error {
	return s.begin(ctx, false)
}

// StartAndWatch runs the application and restarts it on file changes.
func (s *Server) StartAndWatch(ctx context.Context) error {
	return s.begin(ctx, true)
}

func (s *Server) begin(ctx context.Context, watching bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.started = true
	s.mu.Unlock()

	s.setState(Starting)

	go s.run(ctx, watching)

	return nil
}

// Close ends the session: it stops the watcher and the asset coordinator
// and kills the application. It may be called more than once and from
// within the close and error callbacks.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	if !s.started {
		s.started = true
		s.state = Closed
		close(s.loopDone)
		close(s.done)
	}
	s.mu.Unlock()

	<-s.loopDone

	return s.finalize()
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.opts.Metrics.State(int(state))
}

func (s *Server) run(parent context.Context, watching bool) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := s.boot(ctx, watching)
	for out == nil {
		out = s.dispatch(ctx, s.next(ctx))
	}

	s.finish(out)
}

// boot moves the server from Starting to a running state.
func (s *Server) boot(ctx context.Context, watching bool) *outcome {
	p, err := s.opts.PortResolver.Resolve(ctx, port.Options{
		ProjectRoot: s.root,
		Preferred:   s.opts.PreferredPort,
	})
	if err != nil {
		if s.isClosing() {
			return &outcome{shutdown: true}
		}

		s.log().Error("unable to resolve port", slog.String("error", err.Error()))

		return &outcome{err: fmt.Errorf("%w: %w", ErrPortResolution, err)}
	}

	s.mu.Lock()
	s.port = p
	s.mu.Unlock()

	if s.opts.ClearScreen {
		s.printer.ClearScreen()
	}

	s.log().Info("starting application", slog.Int("port", p), slog.String("entry", s.opts.EntryScript))

	mode := process.NonBlocking
	if watching {
		mode = process.Blocking
	}

	if err := s.supervisor.Start(ctx, p, mode); err != nil {
		s.log().Error("unable to start application", slog.String("error", err.Error()))

		if !watching {
			return &outcome{err: fmt.Errorf("%w: %w", ErrProcessLaunch, err)}
		}
	}

	if err := s.assets.Start(ctx); err != nil {
		s.log().Warn("asset server not started", slog.String("error", err.Error()))
	}

	if !watching {
		s.setState(RunningOneShot)
		return nil
	}

	w, err := s.opts.WatcherFactory(WatcherConfig{
		Root:               s.root,
		CompilerConfigFile: s.opts.CompilerConfigFile,
		MetaPatterns:       s.metaPatterns,
		Logger:             s.log(),
	})
	if err != nil {
		s.log().Error("unable to watch file system",
			slog.String("error", fmt.Errorf("%w: %w", ErrWatcherConstruction, err).Error()),
		)

		return &outcome{closeCode: WatcherFailureCode}
	}

	s.watcher = w
	s.watcherCh = w.Events()

	if s.opts.Debounce > 0 {
		s.debouncer = watch.NewDebouncer(s.opts.Debounce, func(ev classify.Event) {
			s.post(event{kind: evRestartTimer, change: ev})
		})
	}

	if s.opts.CrashBackoff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 0
		s.crashDelay = b
	}

	s.setState(RunningWatching)

	return nil
}

// next blocks until the loop has something to handle.
func (s *Server) next(ctx context.Context) event {
	select {
	case <-ctx.Done():
		return event{kind: evShutdown}

	case ev := <-s.supervisor.Events():
		switch ev.Kind {
		case process.EventMessage:
			return event{kind: evProcessMessage, proc: ev}
		case process.EventExit:
			return event{kind: evProcessExit, proc: ev}
		default:
			return event{kind: evProcessError, proc: ev, err: ev.Err}
		}

	case ev, ok := <-s.watcherCh:
		if !ok {
			s.watcherCh = nil
			return event{kind: evWatcherError, err: errors.New("event stream ended")}
		}

		switch ev.Type {
		case watch.Ready:
			return event{kind: evWatcherReady}
		case watch.Changed:
			return event{kind: evWatcherChange, change: ev.Change}
		default:
			return event{kind: evWatcherError, err: ev.Err}
		}

	case ev := <-s.internal:
		return ev
	}
}

// post hands ev to the loop unless it has ended.
func (s *Server) post(ev event) {
	select {
	case s.internal <- ev:
	case <-s.loopDone:
	}
}

func (s *Server) dispatch(ctx context.Context, ev event) *outcome {
	if ev.kind == evShutdown {
		return &outcome{shutdown: true}
	}

	switch s.State() {
	case RunningOneShot:
		return s.dispatchOneShot(ev)
	case RunningWatching:
		return s.dispatchWatching(ctx, ev)
	default:
		s.log().Debug("dropping event", slog.String("event", ev.kind.String()), slog.String("state", s.State().String()))
		return nil
	}
}

func (s *Server) dispatchOneShot(ev event) *outcome {
	switch ev.kind {
	case evProcessMessage:
		s.handleMessage(ev.proc, false)

	case evProcessExit:
		if !s.supervisor.Current(ev.proc) {
			return nil
		}

		s.opts.Metrics.ChildExit(ev.proc.Mode.String())
		s.log().Warn("application closed", slog.Int("code", ev.proc.ExitCode))

		return &outcome{closeCode: ev.proc.ExitCode}

	case evProcessError:
		if !s.supervisor.Current(ev.proc) {
			return nil
		}

		s.opts.Metrics.ChildExit(ev.proc.Mode.String())
		s.log().Error("unable to connect to application process", slog.String("error", ev.err.Error()))

		return &outcome{err: fmt.Errorf("%w: %w", ErrProcessLaunch, ev.err)}

	default:
		s.log().Debug("dropping event", slog.String("event", ev.kind.String()), slog.String("state", RunningOneShot.String()))
	}

	return nil
}

func (s *Server) dispatchWatching(ctx context.Context, ev event) *outcome {
	switch ev.kind {
	case evProcessMessage:
		s.handleMessage(ev.proc, true)

	case evProcessExit, evProcessError:
		if !s.supervisor.Current(ev.proc) {
			return nil
		}

		s.opts.Metrics.ChildExit(ev.proc.Mode.String())

		if ev.kind == evProcessError {
			s.log().Error("unable to connect to application process", slog.String("error", ev.err.Error()))
		} else {
			s.log().Warn("application closed", slog.Int("code", ev.proc.ExitCode))
		}

		s.scheduleCrashRestart(ev.proc)

	case evWatcherReady:
		s.log().Info("watching file system for changes")

	case evWatcherChange:
		s.handleChange(ctx, ev.change)

	case evWatcherError:
		s.log().Error("file system watcher failure", slog.String("error", ev.err.Error()))
		return &outcome{err: fmt.Errorf("%w: %w", ErrWatcherRuntime, ev.err)}

	case evRestartTimer:
		if ev.crashed != nil && !s.supervisor.Current(*ev.crashed) {
			// Restarted by a change in the meantime.
			return nil
		}

		s.restart(ctx, ev.crashed == nil)
	}

	return nil
}

func (s *Server) handleMessage(ev process.Event, watching bool) {
	if !s.supervisor.Current(ev) {
		return
	}

	ready, ok := process.ParseReady(ev.Message)
	if !ok {
		s.log().Debug("ignoring application message", slog.Any("message", map[string]any(ev.Message)))
		return
	}

	s.printer.Ready(ready.URL(), watching)
}

func (s *Server) handleChange(ctx context.Context, change classify.Event) {
	category := s.classifier.Classify(change)
	s.opts.Metrics.Change(category.String())

	s.log().Debug("file changed",
		slog.String("path", change.RelativePath),
		slog.String("kind", change.Kind.String()),
		slog.String("category", category.String()),
	)

	if category == classify.Ignore {
		return
	}

	if s.opts.ClearScreen {
		s.printer.ClearScreen()
	}

	s.printer.Change(change.Kind.Action(), change.RelativePath)

	if !category.Restarts() {
		return
	}

	if s.debouncer != nil {
		s.debouncer.Trigger(change)
		return
	}

	s.restart(ctx, true)
}

// restart replaces the application. byChange resets the crash backoff.
func (s *Server) restart(ctx context.Context, byChange bool) {
	s.setState(Restarting)
	defer s.setState(RunningWatching)

	if byChange {
		s.resetCrashBackoff()
	}

	s.opts.Metrics.Restart()

	if err := s.supervisor.Restart(ctx, s.Port()); err != nil {
		s.log().Error("unable to restart application, waiting for the next change",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) scheduleCrashRestart(crashed process.Event) {
	if s.crashDelay == nil {
		return
	}

	delay := s.crashDelay.NextBackOff()
	if delay == backoff.Stop {
		return
	}

	s.log().Info("restarting crashed application", slog.Duration("delay", delay))

	if s.crashTimer != nil {
		s.crashTimer.Stop()
	}

	s.crashTimer = time.AfterFunc(delay, func() {
		s.post(event{kind: evRestartTimer, crashed: &crashed})
	})
}

func (s *Server) resetCrashBackoff() {
	if s.crashDelay == nil {
		return
	}

	s.crashDelay.Reset()

	if s.crashTimer != nil {
		s.crashTimer.Stop()
		s.crashTimer = nil
	}
}

func (s *Server) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// finish tears down and reports the outcome. The loop no longer runs, so
// the callbacks may call Close.
func (s *Server) finish(out *outcome) {
	if s.debouncer != nil {
		s.debouncer.Stop()
	}

	if s.crashTimer != nil {
		s.crashTimer.Stop()
	}

	_ = s.teardown()

	if out.shutdown {
		if err := s.supervisor.Stop(); err != nil {
			s.log().Warn("unable to stop application", slog.String("error", err.Error()))
		}
	}

	s.setState(Closed)

	s.mu.Lock()
	onClose, onError := s.onClose, s.onError
	s.mu.Unlock()

	close(s.loopDone)

	switch {
	case out.shutdown:
	case out.err != nil:
		if onError != nil {
			onError(out.err)
		}
	default:
		if onClose != nil {
			onClose(out.closeCode)
		}
	}

	close(s.done)
}

// teardown stops the watcher and the asset coordinator together, once.
func (s *Server) teardown() error {
	s.teardownOnce.Do(func() {
		var g errgroup.Group

		if s.watcher != nil {
			w := s.watcher

			g.Go(func() error {
				if err := w.Close(); err != nil {
					s.log().Warn("unable to close file watcher", slog.String("error", err.Error()))
					return fmt.Errorf("closing watcher: %w", err)
				}

				return nil
			})
		}

		g.Go(func() error {
			if err := s.assets.Stop(); err != nil {
				s.log().Warn("unable to stop asset server", slog.String("error", err.Error()))
				return fmt.Errorf("stopping asset server: %w", err)
			}

			return nil
		})

		s.teardownErr = g.Wait()
	})

	return s.teardownErr
}

// finalize releases everything the loop may have left running.
func (s *Server) finalize() error {
	s.finalOnce.Do(func() {
		teardownErr := s.teardown()

		var stopErr error
		if err := s.supervisor.Stop(); err != nil {
			stopErr = fmt.Errorf("stopping application: %w", err)
		}

		s.finalErr = errors.Join(teardownErr, stopErr)
	})

	return s.finalErr
}
