package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs a fresh command tree with args and captures stdout
// and stderr.
func executeCommand(args ...string) (stdout, stderr string, err error) {
	cmd := NewRootCommand()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()

	return outBuf.String(), errBuf.String(), err
}

func requireExitCode(t *testing.T, err error, code int) {
	t.Helper()

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, code, exitErr.Code)
}

func TestRootCommand_Help(t *testing.T) {
	stdout, _, err := executeCommand("--help")
	require.NoError(t, err)

	for _, sub := range []string{"dev", "serve", "inspect", "version", "completion"} {
		assert.Contains(t, stdout, sub, "help should mention %q subcommand", sub)
	}

	for _, flag := range []string{"--config", "--log-level", "--log-format", "--no-color", "--quiet"} {
		assert.Contains(t, stdout, flag, "help should mention %q flag", flag)
	}
}

func TestRootCommand_UnknownFlag(t *testing.T) {
	_, stderr, err := executeCommand("--nonexistent")
	require.Error(t, err)
	requireExitCode(t, err, 2)

	// SilenceErrors: printing is left to Execute.
	assert.Empty(t, stderr)
}

func TestRootCommand_UnknownSubcommandFlag(t *testing.T) {
	_, _, err := executeCommand("dev", "--nonexistent")
	require.Error(t, err)
	requireExitCode(t, err, 2)
}

func TestRootCommand_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing config file", []string{"--config", "/nonexistent/path.yaml"}, "reading config file"},
		{"invalid log level", []string{"--log-level", "trace"}, "invalid log level"},
		{"invalid log format", []string{"--log-format", "xml"}, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCommand(append(tt.args, "inspect", t.TempDir())...)
			require.Error(t, err)
			requireExitCode(t, err, 2)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRootCommand_InvalidEnvConfig(t *testing.T) {
	t.Setenv("DEVLOOP_LOG_LEVEL", "loud")

	_, _, err := executeCommand("inspect", t.TempDir())
	require.Error(t, err)
	requireExitCode(t, err, 2)
}

func TestRootCommand_ConfigFileSetsPort(t *testing.T) {
	t.Setenv("PORT", "")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "devloop.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("port: 4555\n"), 0o644))

	stdout, _, err := executeCommand("--config", cfgFile, "inspect", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "4555")
}

func TestExecute_VersionSubcommand(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))

	require.NoError(t, cmd.Execute())
}

func TestExitError_ErrorWithMessage(t *testing.T) {
	err := &ExitError{Code: 1, Err: assert.AnError}
	assert.Contains(t, err.Error(), assert.AnError.Error())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExitError_ErrorWithoutMessage(t *testing.T) {
	err := &ExitError{Code: 42}
	assert.Equal(t, "exit code 42", err.Error())
	assert.Nil(t, err.Unwrap())
}
