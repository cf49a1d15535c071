// Package process launches and supervises the application's runtime
// process.
//
// A Launcher starts one child per call. The Supervisor owns at most one
// live child at a time: starting or restarting always detaches and kills the
// previous child before a new one is launched, so events from a stale child
// can never be observed after its replacement exists.
package process

import (
	"context"
	"io"
)

// Spec describes how the application is launched.
type Spec struct {
	// Dir is the working directory (the project root).
	Dir string

	// Binary is the runtime executable, e.g. node.
	Binary string

	// Script is the entry script, relative to Dir.
	Script string

	// Env is merged over the parent environment.
	Env map[string]string

	// RuntimeArgs are passed to Binary before Script.
	RuntimeArgs []string

	// ScriptArgs are passed after Script.
	ScriptArgs []string

	// Stdout and Stderr receive the child's output. Nil means the
	// parent's stdout/stderr.
	Stdout io.Writer
	Stderr io.Writer

	// NoIPC launches the child without a message channel. Its Messages
	// channel is nil and NODE_CHANNEL_FD is not set.
	NoIPC bool
}

// Args returns the full argument list passed to Binary.
func (s Spec) Args() []string {
	args := make([]string, 0, len(s.RuntimeArgs)+1+len(s.ScriptArgs))
	args = append(args, s.RuntimeArgs...)

	if s.Script != "" {
		args = append(args, s.Script)
	}

	args = append(args, s.ScriptArgs...)

	return args
}

// withEnv returns a copy of s with key=value added to Env.
func (s Spec) withEnv(key, value string) Spec {
	env := make(map[string]string, len(s.Env)+1)
	env[key] = value

	// Caller-supplied values override the injected one.
	for k, v := range s.Env {
		env[k] = v
	}

	s.Env = env

	return s
}

// Exit describes how a child ended. Err is set when the child could not be
// waited on; a non-zero Code alone is a normal exit.
type Exit struct {
	Code int
	Err  error
}

// Message is one decoded IPC message from the child.
type Message map[string]any

// Process is a running child.
type Process interface {
	// ID is unique per launch.
	ID() string

	// Pid is the operating system process id.
	Pid() int

	// Messages delivers IPC messages. It is closed when the channel ends
	// and may be nil when the platform has no IPC channel.
	Messages() <-chan Message

	// Done is closed once the child has exited.
	Done() <-chan struct{}

	// Exit returns the exit status. Valid after Done is closed.
	Exit() Exit

	// Kill terminates the child (and its process group) without grace.
	Kill() error
}

// Launcher starts child processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}
