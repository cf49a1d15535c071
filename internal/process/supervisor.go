package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/devloop/internal/logging"
)

// Mode decides whether a child's exit is terminal for the caller.
type Mode int

const (
	// Blocking children are restarted on the next change; their exit is
	// only logged.
	Blocking Mode = iota
	// NonBlocking children end the session when they exit or fail.
	NonBlocking
)

func (m Mode) String() string {
	if m == NonBlocking {
		return "nonblocking"
	}

	return "blocking"
}

// EventKind identifies a supervisor event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventExit
	EventError
)

// Event is emitted for the live child only. Generation increases with
// every launch.
type Event struct {
	Kind       EventKind
	Generation uint64
	ProcessID  string
	Mode       Mode
	Message    Message
	ExitCode   int
	Err        error
}

// ErrLaunch wraps every failure to start a child.
var ErrLaunch = errors.New("launching application process")

// killTimeout bounds how long a killed child may take to be reaped.
const killTimeout = 5 * time.Second

type handle struct {
	proc       Process
	generation uint64
	mode       Mode
	stop       chan struct{}
	wg         sync.WaitGroup
}

// Supervisor owns the single live child. It is not safe for concurrent
// use: one goroutine calls Start, Restart and Stop and drains Events.
type Supervisor struct {
	launcher   Launcher
	spec       Spec
	logger     atomic.Pointer[slog.Logger]
	events     chan Event
	current    *handle
	generation uint64
}

// NewSupervisor returns a supervisor launching spec with launcher.
func NewSupervisor(launcher Launcher, spec Spec) *Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}

	s := &Supervisor{
		launcher: launcher,
		spec:     spec,
		events:   make(chan Event),
	}
	s.logger.Store(logging.Discard())

	return s
}

// SetLogger replaces the logger. It may be called at any time.
func (s *Supervisor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger.Store(logger)
	}
}

func (s *Supervisor) log() *slog.Logger { return s.logger.Load() }

// Events delivers messages, exits and errors of the live child. Events of
// a child stop as soon as it is detached.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Current reports whether ev belongs to the live child.
func (s *Supervisor) Current(ev Event) bool {
	return s.current != nil && s.current.generation == ev.Generation
}

// Live returns the number of children the supervisor is responsible for.
func (s *Supervisor) Live() int {
	if s.current == nil {
		return 0
	}

	return 1
}

// Start launches a child bound to port. A previous child is detached and
// killed first.
func (s *Supervisor) Start(ctx context.Context, port int, mode Mode) error {
	if s.current != nil {
		s.terminate()
	}

	spec := s.spec.withEnv("PORT", strconv.Itoa(port))

	proc, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	s.generation++

	h := &handle{
		proc:       proc,
		generation: s.generation,
		mode:       mode,
		stop:       make(chan struct{}),
	}

	s.current = h

	h.wg.Add(1)
	go s.forward(h)

	s.log().Debug("application process started",
		slog.String("id", proc.ID()),
		slog.Int("pid", proc.Pid()),
		slog.Int("port", port),
		slog.String("mode", mode.String()),
	)

	return nil
}

// Restart kills the live child, if any, and launches a blocking one.
func (s *Supervisor) Restart(ctx context.Context, port int) error {
	return s.Start(ctx, port, Blocking)
}

// Stop kills the live child. Stopping with no child is a no-op.
func (s *Supervisor) Stop() error {
	if s.current == nil {
		return nil
	}

	return s.terminate()
}

// terminate detaches the live child's listeners, kills it, and waits for
// it to be reaped.
func (s *Supervisor) terminate() error {
	h := s.current
	s.current = nil

	close(h.stop)
	h.wg.Wait()

	err := h.proc.Kill()

	select {
	case <-h.proc.Done():
	case <-time.After(killTimeout):
		s.log().Warn("application process did not exit after kill",
			slog.String("id", h.proc.ID()),
			slog.Int("pid", h.proc.Pid()),
		)
	}

	return err
}

// forward relays the child's messages and exit until it ends or is
// detached.
func (s *Supervisor) forward(h *handle) {
	defer h.wg.Done()

	messages := h.proc.Messages()

	for {
		select {
		case <-h.stop:
			return

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}

			s.emit(h, Event{Kind: EventMessage, Message: msg})

		case <-h.proc.Done():
			s.drain(h, messages)

			exit := h.proc.Exit()

			ev := Event{Kind: EventExit, ExitCode: exit.Code}
			if exit.Err != nil {
				ev = Event{Kind: EventError, ExitCode: exit.Code, Err: exit.Err}
			}

			s.emit(h, ev)

			return
		}
	}
}

// drain relays messages still buffered when the child exited, so a ready
// message written right before exit precedes the exit event.
func (s *Supervisor) drain(h *handle, messages <-chan Message) {
	if messages == nil {
		return
	}

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}

			s.emit(h, Event{Kind: EventMessage, Message: msg})
		default:
			return
		}
	}
}

func (s *Supervisor) emit(h *handle, ev Event) {
	ev.Generation = h.generation
	ev.ProcessID = h.proc.ID()
	ev.Mode = h.mode

	select {
	case s.events <- ev:
	case <-h.stop:
	}
}
