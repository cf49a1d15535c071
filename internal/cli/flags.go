package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// devOptions are the flags shared by dev and serve.
type devOptions struct {
	watch        bool
	entry        string
	runtime      string
	runtimeArgs  []string
	scriptArgs   []string
	env          []string
	noAssets     bool
	tsconfig     string
	port         int
	clearScreen  bool
	debounce     time.Duration
	crashBackoff bool
	statusAddr   string
}

// registerProjectFlags adds the flags that override .devlooprc values.
func registerProjectFlags(cmd *cobra.Command, opts *devOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.entry, "entry", "", "entry script relative to the project root (default from rc file, then bin/server.js)")
	f.StringVar(&opts.runtime, "runtime", "", "runtime binary (default from rc file, then node)")
	f.StringArrayVar(&opts.runtimeArgs, "runtime-arg", nil, "argument passed to the runtime before the script (repeatable)")
	f.StringArrayVar(&opts.scriptArgs, "script-arg", nil, "argument passed to the script (repeatable)")
	f.StringArrayVarP(&opts.env, "env", "e", nil, "environment variable KEY=VALUE for the application (repeatable)")
	f.BoolVar(&opts.noAssets, "no-assets", false, "do not start the asset server")
	f.StringVar(&opts.tsconfig, "tsconfig", "", "compiler configuration file (default from rc file, then tsconfig.json)")
}

// registerSessionFlags adds the flags that are also read from config and
// DEVLOOP_ environment variables.
func registerSessionFlags(cmd *cobra.Command, opts *devOptions) {
	f := cmd.Flags()
	f.IntVarP(&opts.port, "port", "p", 0, "preferred application port (default PORT, .env, then 3333)")
	f.BoolVar(&opts.clearScreen, "clear-screen", false, "clear the terminal on every change")
	f.DurationVar(&opts.debounce, "debounce", 0, "coalesce restarts within this interval (0 restarts on every change)")
	f.BoolVar(&opts.crashBackoff, "crash-backoff", false, "restart a crashed application with exponential backoff")
	f.StringVar(&opts.statusAddr, "status-addr", "", "serve /metrics, /healthz and /status on this address")
}

// parseEnv converts KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(pairs))

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", pair)
		}

		env[key] = value
	}

	return env, nil
}
