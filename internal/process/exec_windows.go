//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	return cmd.Process.Kill()
}

func exitCode(exitErr *exec.ExitError) int {
	return exitErr.ExitCode()
}

// ipcChannel is a no-op on windows: ready messages are not available and
// the banner is never rendered.
type ipcChannel struct{}

func attachIPC(*exec.Cmd) (*ipcChannel, error) { return &ipcChannel{}, nil }

func (*ipcChannel) reader() *os.File { return nil }

func (*ipcChannel) started() {}

func (*ipcChannel) abort() {}

func (*ipcChannel) close() {}
