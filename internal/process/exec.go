package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecLauncher starts children with os/exec. The child runs in its own
// process group and, where supported and not disabled by Spec.NoIPC, gets
// a JSON IPC channel.
type ExecLauncher struct{}

// Launch starts spec.Binary. The context only bounds the launch itself;
// the child lives until it exits or is killed.
func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args()...) //nolint:gosec
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}

	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	setProcessGroup(cmd)

	var ipc *ipcChannel

	if !spec.NoIPC {
		var err error

		ipc, err = attachIPC(cmd)
		if err != nil {
			return nil, fmt.Errorf("opening ipc channel: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		ipc.abort()
		return nil, fmt.Errorf("starting %s: %w", spec.Binary, err)
	}

	ipc.started()

	p := &execProcess{
		id:   uuid.NewString(),
		cmd:  cmd,
		done: make(chan struct{}),
	}

	if r := ipc.reader(); r != nil {
		p.messages = make(chan Message, 16)
		p.readDone = make(chan struct{})
		p.stopRead = make(chan struct{})

		go p.readMessages(r)
	}

	go p.wait(ipc)

	return p, nil
}

type execProcess struct {
	id       string
	cmd      *exec.Cmd
	messages chan Message
	readDone chan struct{}
	stopRead chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	exit Exit
}

func (p *execProcess) ID() string { return p.id }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Messages() <-chan Message {
	if p.messages == nil {
		return nil
	}

	return p.messages
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exit
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := killProcessGroup(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", p.Pid(), err)
	}

	return nil
}

// ipcDrainTimeout bounds how long an exited child's channel is read
// before it is closed. A grandchild holding the descriptor keeps it open.
const ipcDrainTimeout = 500 * time.Millisecond

func (p *execProcess) wait(ipc *ipcChannel) {
	err := p.cmd.Wait()

	// Messages written just before exit are still buffered in the socket.
	if p.readDone != nil {
		select {
		case <-p.readDone:
		case <-time.After(ipcDrainTimeout):
		}

		close(p.stopRead)
		ipc.close()
		<-p.readDone
	} else {
		ipc.close()
	}

	exit := Exit{}

	var exitErr *exec.ExitError

	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitCode(exitErr)
	default:
		exit.Code = -1
		exit.Err = err
	}

	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()

	close(p.done)
}

// readMessages decodes newline-delimited JSON objects. Lines that are not
// JSON objects are skipped. The messages channel is closed before Done.
func (p *execProcess) readMessages(r *os.File) {
	defer close(p.readDone)
	defer close(p.messages)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg == nil {
			continue
		}

		select {
		case p.messages <- msg:
		case <-p.stopRead:
			return
		}
	}
}

// mergeEnv overlays extra on base. Keys from extra are appended in sorted
// order so the result is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))

	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}

		if _, ok := extra[key]; ok {
			continue
		}

		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}

	return out
}
