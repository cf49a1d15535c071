// Package devloop provides a public Go API for running a Node.js
// application under devloop's watch-and-restart loop.
//
// The project's .devlooprc file is read first; options override it.
//
// Basic usage:
//
//	code, err := devloop.Run(ctx, "path/to/app")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.Exit(code)
//
// With options:
//
//	code, err := devloop.Run(ctx, "path/to/app",
//	    devloop.WithPort(4000),
//	    devloop.WithEnv(map[string]string{"NODE_ENV": "development"}),
//	    devloop.WithMetaFiles(devloop.MetaFile{Pattern: "resources/views/**/*.edge"}),
//	)
package devloop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/devloop/internal/assets"
	"github.com/hupe1980/devloop/internal/classify"
	"github.com/hupe1980/devloop/internal/devserver"
	"github.com/hupe1980/devloop/internal/project"
)

// Server is a single dev session. See New.
type Server = devserver.Server

// MetaFile is a non-source file pattern. ReloadServer decides whether a
// change to a matching file restarts the application or is only reported.
type MetaFile = classify.Rule

// WatcherFailureCode is reported when the file watcher cannot be created.
const WatcherFailureCode = devserver.WatcherFailureCode

// Option configures a Server. Use the With* functions to create Options.
type Option func(*options)

type options struct {
	server devserver.Options
	logger *slog.Logger
}

// WithPort sets the preferred port. PORT and .env are consulted otherwise.
func WithPort(port int) Option { return func(o *options) { o.server.PreferredPort = port } }

// WithEnv adds environment variables for the application.
func WithEnv(env map[string]string) Option {
	return func(o *options) {
		if o.server.Env == nil {
			o.server.Env = make(map[string]string, len(env))
		}

		for k, v := range env {
			o.server.Env[k] = v
		}
	}
}

// WithMetaFiles replaces the meta file rules of the rc file.
func WithMetaFiles(files ...MetaFile) Option {
	return func(o *options) { o.server.MetaFiles = append([]MetaFile(nil), files...) }
}

// WithClearScreen clears the terminal before every change notice.
func WithClearScreen() Option { return func(o *options) { o.server.ClearScreen = true } }

// WithEntry sets the entry script relative to the project root.
func WithEntry(script string) Option { return func(o *options) { o.server.EntryScript = script } }

// WithRuntime sets the runtime binary and the arguments passed before the
// entry script.
func WithRuntime(binary string, args ...string) Option {
	return func(o *options) {
		o.server.RuntimeBinary = binary
		o.server.RuntimeArgs = args
	}
}

// WithScriptArgs sets the arguments passed after the entry script.
func WithScriptArgs(args ...string) Option {
	return func(o *options) { o.server.ScriptArgs = args }
}

// WithDebounce coalesces restarts requested within d.
func WithDebounce(d time.Duration) Option { return func(o *options) { o.server.Debounce = d } }

// WithCrashBackoff restarts a crashed application after an exponential
// delay instead of waiting for the next change.
func WithCrashBackoff() Option { return func(o *options) { o.server.CrashBackoff = true } }

// WithoutAssets disables the asset server configured in the rc file.
func WithoutAssets() Option { return func(o *options) { o.server.Assets.Serve = false } }

// WithLogger sets the structured logger. Logs are discarded by default.
func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

// WithOutput sets where change notices and the ready banner are written
// (default: stdout). Output to a non-terminal should also use WithNoColor.
func WithOutput(w io.Writer) Option { return func(o *options) { o.server.Out = w } }

// WithNoColor disables styled output.
func WithNoColor() Option { return func(o *options) { o.server.NoColor = true } }

// New reads the project's rc file, applies opts and returns an idle Server.
func New(root string, opts ...Option) (*Server, error) {
	rc, err := project.LoadRC(root)
	if err != nil {
		return nil, err
	}

	o := &options{
		server: devserver.Options{
			ProjectRoot:        root,
			RuntimeBinary:      rc.Runtime.Binary,
			RuntimeArgs:        rc.Runtime.Args,
			ScriptArgs:         rc.ScriptArgs,
			EntryScript:        rc.Entry,
			MetaFiles:          classify.RulesFromMetaFiles(rc.MetaFiles),
			CompilerConfigFile: rc.CompilerConfig,
			Assets: assets.Options{
				Serve:  rc.Assets.Serve,
				Binary: rc.Assets.Binary,
				Args:   rc.Assets.Args,
			},
		},
	}

	for _, opt := range opts {
		opt(o)
	}

	server, err := devserver.New(o.server)
	if err != nil {
		return nil, err
	}

	if o.logger != nil {
		server.SetLogger(o.logger)
	}

	return server, nil
}

// Run starts root in watch mode and blocks until ctx ends or the session
// closes on its own. It returns the close code: zero after ctx ends,
// WatcherFailureCode when the watcher could not be created.
func Run(ctx context.Context, root string, opts ...Option) (int, error) {
	return run(ctx, root, true, opts)
}

// RunOnce starts root without a watcher and returns the application's exit
// code.
func RunOnce(ctx context.Context, root string, opts ...Option) (int, error) {
	return run(ctx, root, false, opts)
}

func run(ctx context.Context, root string, watching bool, opts []Option) (int, error) {
	server, err := New(root, opts...)
	if err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		code    int
		lastErr error
	)

	server.OnClose(func(c int) {
		mu.Lock()
		code = c
		mu.Unlock()
	}).OnError(func(err error) {
		mu.Lock()
		lastErr = err
		mu.Unlock()
	})

	if watching {
		err = server.StartAndWatch(ctx)
	} else {
		err = server.Start(ctx)
	}

	if err != nil {
		return 0, fmt.Errorf("starting dev server: %w", err)
	}

	select {
	case <-server.Done():
	case <-ctx.Done():
	}

	closeErr := server.Close()

	mu.Lock()
	defer mu.Unlock()

	if lastErr != nil {
		return 1, lastErr
	}

	if closeErr != nil {
		return code, fmt.Errorf("closing dev server: %w", closeErr)
	}

	return code, nil
}
