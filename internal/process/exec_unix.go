//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		err = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		err = cmd.Process.Signal(syscall.SIGKILL)
	}

	if errors.Is(err, syscall.ESRCH) {
		return nil
	}

	return err
}

// exitCode maps a signalled child to 128+signal, like a shell does.
func exitCode(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}

	return exitErr.ExitCode()
}

// ipcChannel is a unix socket pair. The child end is passed as an extra
// file descriptor announced through NODE_CHANNEL_FD, which node picks up as
// its process.send / "message" channel.
type ipcChannel struct {
	parent *os.File
	child  *os.File
}

func attachIPC(cmd *exec.Cmd) (*ipcChannel, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}

	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])

	// Non-blocking so the runtime poller can interrupt reads on Close.
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])

		return nil, err
	}

	ch := &ipcChannel{
		parent: os.NewFile(uintptr(fds[0]), "ipc-parent"),
		child:  os.NewFile(uintptr(fds[1]), "ipc-child"),
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, ch.child)
	fd := 2 + len(cmd.ExtraFiles)

	cmd.Env = append(cmd.Env,
		"NODE_CHANNEL_FD="+strconv.Itoa(fd),
		"NODE_CHANNEL_SERIALIZATION_MODE=json",
	)

	return ch, nil
}

func (c *ipcChannel) reader() *os.File {
	if c == nil {
		return nil
	}

	return c.parent
}

// started releases the parent's copy of the child end so EOF is seen once
// the child exits.
func (c *ipcChannel) started() {
	if c != nil {
		_ = c.child.Close()
	}
}

func (c *ipcChannel) abort() {
	if c != nil {
		_ = c.child.Close()
		_ = c.parent.Close()
	}
}

func (c *ipcChannel) close() {
	if c != nil {
		_ = c.parent.Close()
	}
}
