// Package assets runs the optional frontend asset dev server next to the
// application. Its lifecycle is independent of the application process:
// its exit is logged and never ends the dev session.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/devloop/internal/logging"
	"github.com/hupe1980/devloop/internal/process"
)

const stopTimeout = 5 * time.Second

// Options configures the asset server.
type Options struct {
	// Serve enables the asset server.
	Serve bool

	// Binary is the asset bundler executable, e.g. vite.
	Binary string

	// Args are passed to Binary.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is merged over the parent environment.
	Env map[string]string
}

// Enabled reports whether an asset server should be started.
func (o Options) Enabled() bool {
	return o.Serve && o.Binary != ""
}

// Server coordinates a single asset bundler child.
type Server struct {
	opts     Options
	launcher process.Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	proc    process.Process
	stopped bool
}

// New returns a server for opts. A nil launcher uses process.ExecLauncher.
func New(opts Options, launcher process.Launcher) *Server {
	if launcher == nil {
		launcher = process.ExecLauncher{}
	}

	return &Server{
		opts:     opts,
		launcher: launcher,
		logger:   logging.Discard(),
	}
}

// SetLogger replaces the logger. Output lines are logged with
// component=assets.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.mu.Lock()
		s.logger = logger
		s.mu.Unlock()
	}
}

// Start launches the bundler. It is a no-op when the server is disabled,
// already running or stopped.
func (s *Server) Start(ctx context.Context) error {
	if !s.opts.Enabled() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil || s.stopped {
		return nil
	}

	logger := logging.Component(s.logger, "assets")

	proc, err := s.launcher.Launch(ctx, process.Spec{
		Dir:        s.opts.Dir,
		Binary:     s.opts.Binary,
		ScriptArgs: s.opts.Args,
		Env:        s.opts.Env,
		Stdout:     &lineLogger{logger: logger, level: slog.LevelInfo},
		Stderr:     &lineLogger{logger: logger, level: slog.LevelWarn},
		NoIPC:      true,
	})
	if err != nil {
		return fmt.Errorf("starting asset server: %w", err)
	}

	s.proc = proc

	logger.Info("asset server started",
		slog.String("binary", s.opts.Binary),
		slog.Int("pid", proc.Pid()),
	)

	go func() {
		<-proc.Done()

		exit := proc.Exit()

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}

		if exit.Err != nil {
			logger.Error("asset server failed", slog.String("error", exit.Err.Error()))
			return
		}

		logger.Warn("asset server exited", slog.Int("code", exit.Code))
	}()

	return nil
}

// Stop kills the bundler. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true

	if s.proc == nil {
		return nil
	}

	if err := s.proc.Kill(); err != nil {
		return fmt.Errorf("stopping asset server: %w", err)
	}

	select {
	case <-s.proc.Done():
	case <-time.After(stopTimeout):
		return fmt.Errorf("stopping asset server: pid %d still running after %s", s.proc.Pid(), stopTimeout)
	}

	return nil
}

// lineLogger logs every complete line written to it.
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)

	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)

			break
		}

		if text := strings.TrimRight(line, "\r\n"); text != "" {
			l.logger.Log(context.Background(), l.level, text)
		}
	}

	return len(p), nil
}
