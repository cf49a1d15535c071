package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hupe1980/devloop/internal/assets"
	"github.com/hupe1980/devloop/internal/classify"
	"github.com/hupe1980/devloop/internal/config"
	"github.com/hupe1980/devloop/internal/devserver"
	"github.com/hupe1980/devloop/internal/logging"
	"github.com/hupe1980/devloop/internal/metrics"
	"github.com/hupe1980/devloop/internal/process"
	"github.com/hupe1980/devloop/internal/project"
)

const statusShutdownTimeout = 5 * time.Second

func newDevCommand() *cobra.Command {
	opts := &devOptions{}

	cmd := &cobra.Command{
		Use:   "dev [project-root]",
		Short: "Run the application and restart it on file changes",
		Long: `Run the application's entry script and watch the project.

Source file changes restart the application. Changes to files matching a
metaFiles rule restart it when the rule sets reloadServer, otherwise they
are only reported. Press Ctrl+C to stop.

Use --watch=false to run the application once without watching; devloop
then exits with the application's exit code.`,
		Example: `  # Watch the current project
  devloop dev

  # Prefer port 4000 and coalesce bursts of changes
  devloop dev --port 4000 --debounce 200ms

  # Run once, without a watcher
  devloop dev --watch=false`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(cmd, rootArg(args), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", true, "watch the file system and restart on changes")
	registerProjectFlags(cmd, opts)
	registerSessionFlags(cmd, opts)

	return cmd
}

func newServeCommand() *cobra.Command {
	opts := &devOptions{}

	cmd := &cobra.Command{
		Use:   "serve [project-root]",
		Short: "Run the application once without watching",
		Long: `Run the application's entry script once, with a resolved port and
the optional asset server. devloop exits with the application's exit code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(cmd, rootArg(args), opts)
		},
	}

	registerProjectFlags(cmd, opts)
	registerSessionFlags(cmd, opts)

	return cmd
}

func rootArg(args []string) string {
	if len(args) == 0 {
		return "."
	}

	return args[0]
}

// sessionResult collects what the close and error callbacks report.
type sessionResult struct {
	mu   sync.Mutex
	code int
	err  error
}

func (r *sessionResult) close(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.code = code
}

func (r *sessionResult) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.err = err
}

func (r *sessionResult) exitError() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.err != nil:
		return &ExitError{Code: 1, Err: r.err}
	case r.code != 0:
		return &ExitError{Code: r.code, Err: fmt.Errorf("application exited with code %d", r.code)}
	default:
		return nil
	}
}

func runDev(cmd *cobra.Command, root string, opts *devOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	env, err := parseEnv(opts.env)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("resolving project root: %w", err)}
	}

	rc, err := project.LoadRC(absRoot)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	applyOverrides(rc, opts)

	logger.Debug("project loaded",
		slog.String("root", absRoot),
		slog.String("rcFile", rc.Path),
		slog.String("entry", rc.Entry),
		slog.String("runtime", rc.Runtime.Binary),
	)

	if err := process.CheckRuntime(ctx, rc.Runtime.Binary, rc.Runtime.Version); err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	watching := cmd.Name() == "dev" && opts.watch

	serverOpts := devserver.Options{
		ProjectRoot:        absRoot,
		PreferredPort:      cfg.Port,
		Env:                env,
		RuntimeBinary:      rc.Runtime.Binary,
		RuntimeArgs:        rc.Runtime.Args,
		ScriptArgs:         rc.ScriptArgs,
		EntryScript:        rc.Entry,
		MetaFiles:          classify.RulesFromMetaFiles(rc.MetaFiles),
		ClearScreen:        cfg.ClearScreen,
		CompilerConfigFile: rc.CompilerConfig,
		Assets: assets.Options{
			Serve:  rc.Assets.Serve,
			Binary: rc.Assets.Binary,
			Args:   rc.Assets.Args,
			Dir:    absRoot,
		},
		Out:          cmd.OutOrStdout(),
		NoColor:      cfg.NoColor,
		Debounce:     cfg.Debounce,
		CrashBackoff: cfg.CrashBackoff,
	}

	var registry *prometheus.Registry
	if cfg.StatusAddr != "" {
		registry = prometheus.NewRegistry()
		serverOpts.Metrics = metrics.NewRecorder(registry)
	}

	server, err := devserver.New(serverOpts)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	server.SetLogger(logger)

	result := &sessionResult{}
	server.OnClose(result.close).OnError(result.fail)

	if registry != nil {
		status, statusErr := startStatusServer(cfg.StatusAddr, registry, server, logger)
		if statusErr != nil {
			return &ExitError{Code: 1, Err: statusErr}
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
			defer cancel()

			_ = status.Shutdown(shutdownCtx)
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watching {
		err = server.StartAndWatch(sigCtx)
	} else {
		err = server.Start(sigCtx)
	}

	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	select {
	case <-server.Done():
	case <-sigCtx.Done():
		logger.Info("shutting down")
	}

	if err := server.Close(); err != nil {
		logger.Warn("closing dev server", slog.String("error", err.Error()))
	}

	if sigCtx.Err() != nil && ctx.Err() == nil {
		return nil
	}

	return result.exitError()
}

// applyOverrides replaces rc values with the ones given on the command line.
func applyOverrides(rc *project.RC, opts *devOptions) {
	if opts.entry != "" {
		rc.Entry = opts.entry
	}

	if opts.runtime != "" {
		rc.Runtime.Binary = opts.runtime
	}

	if len(opts.runtimeArgs) > 0 {
		rc.Runtime.Args = opts.runtimeArgs
	}

	if len(opts.scriptArgs) > 0 {
		rc.ScriptArgs = opts.scriptArgs
	}

	if opts.tsconfig != "" {
		rc.CompilerConfig = opts.tsconfig
	}

	if opts.noAssets {
		rc.Assets.Serve = false
	}
}

func startStatusServer(addr string, registry *prometheus.Registry, server *devserver.Server, logger *slog.Logger) (*metrics.StatusServer, error) {
	status, err := metrics.NewStatusServer(addr, registry, func() metrics.Status {
		return metrics.Status{State: server.State().String(), Port: server.Port()}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		if err := status.Serve(); err != nil {
			logger.Error("status server", slog.String("error", err.Error()))
		}
	}()

	logger.Info("status server listening", slog.String("addr", status.Addr()))

	return status, nil
}
