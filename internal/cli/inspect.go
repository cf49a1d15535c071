package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/hupe1980/devloop/internal/config"
	"github.com/hupe1980/devloop/internal/port"
	"github.com/hupe1980/devloop/internal/project"
	"github.com/hupe1980/devloop/internal/watch"
)

type inspectOptions struct {
	format string
}

func newInspectCommand() *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect [project-root]",
		Short: "Show how devloop would run and watch a project",
		Long: `Inspect a project without starting it.

Prints the entry script and runtime, the preferred port, the directories
the watcher would observe and the metaFiles rules with their restart
behavior.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, rootArg(args), opts)
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "table", "output format: table, json, yaml")

	return cmd
}

type inspectResult struct {
	Root           string         `json:"root"`
	RCFile         string         `json:"rcFile,omitempty"`
	Entry          string         `json:"entry"`
	Runtime        string         `json:"runtime"`
	RuntimeVersion string         `json:"runtimeVersion,omitempty"`
	Command        []string       `json:"command"`
	PreferredPort  int            `json:"preferredPort"`
	CompilerConfig string         `json:"compilerConfig"`
	SourceRoots    []string       `json:"sourceRoots,omitempty"`
	OutDir         string         `json:"outDir,omitempty"`
	CompilerError  string         `json:"compilerError,omitempty"`
	MetaFiles      []metaFileInfo `json:"metaFiles,omitempty"`
	Assets         *assetsInfo    `json:"assets,omitempty"`
}

type metaFileInfo struct {
	Pattern      string `json:"pattern"`
	ReloadServer bool   `json:"reloadServer"`
}

type assetsInfo struct {
	Binary string   `json:"binary"`
	Args   []string `json:"args,omitempty"`
}

func runInspect(cmd *cobra.Command, root string, opts *inspectOptions) error {
	switch opts.format {
	case "table", "json", "yaml":
	default:
		return &ExitError{Code: 2, Err: fmt.Errorf("unknown format %q: expected table, json, yaml", opts.format)}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("resolving project root: %w", err)}
	}

	rc, err := project.LoadRC(absRoot)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	cfg := config.FromContext(cmd.Context())

	preferred, err := port.Preferred(port.Options{ProjectRoot: absRoot, Preferred: cfg.Port})
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	result := inspectResult{
		Root:           absRoot,
		RCFile:         rc.Path,
		Entry:          rc.Entry,
		Runtime:        rc.Runtime.Binary,
		RuntimeVersion: rc.Runtime.Version,
		Command:        append(append(append([]string{rc.Runtime.Binary}, rc.Runtime.Args...), rc.Entry), rc.ScriptArgs...),
		PreferredPort:  preferred,
		CompilerConfig: rc.CompilerConfig,
	}

	compiler, err := project.LoadCompilerConfig(absRoot, rc.CompilerConfig)
	if err == nil {
		result.SourceRoots, err = compiler.SourceRoots()
		result.OutDir = compiler.OutDir()
	}

	if err != nil {
		result.CompilerError = err.Error()
	}

	for _, mf := range rc.MetaFiles {
		result.MetaFiles = append(result.MetaFiles, metaFileInfo(mf))
	}

	if rc.Assets.Serve {
		result.Assets = &assetsInfo{Binary: rc.Assets.Binary, Args: rc.Assets.Args}
	}

	w := cmd.OutOrStdout()

	switch opts.format {
	case "json":
		return writeInspectJSON(w, result)
	case "yaml":
		return writeInspectYAML(w, result)
	default:
		return writeInspectTable(w, result)
	}
}

func writeInspectJSON(w io.Writer, result inspectResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}

func writeInspectYAML(w io.Writer, result inspectResult) error {
	data, err := sigsyaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}

	_, err = w.Write(data)

	return err
}

func writeInspectTable(w io.Writer, result inspectResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	rcFile := result.RCFile
	if rcFile == "" {
		rcFile = "(defaults)"
	}

	fmt.Fprintf(tw, "Root:\t%s\n", result.Root)
	fmt.Fprintf(tw, "RC file:\t%s\n", rcFile)
	fmt.Fprintf(tw, "Command:\t%s\n", strings.Join(result.Command, " "))

	if result.RuntimeVersion != "" {
		fmt.Fprintf(tw, "Runtime version:\t%s\n", result.RuntimeVersion)
	}

	fmt.Fprintf(tw, "Preferred port:\t%d\n", result.PreferredPort)
	fmt.Fprintf(tw, "Compiler config:\t%s\n", result.CompilerConfig)

	if result.CompilerError != "" {
		fmt.Fprintf(tw, "Watcher:\tunavailable (%s)\n", result.CompilerError)
	} else {
		fmt.Fprintf(tw, "Source roots:\t%s\n", strings.Join(result.SourceRoots, ", "))
		fmt.Fprintf(tw, "Source extensions:\t%s\n", strings.Join(watch.SourceExtensions, " "))

		if result.OutDir != "" {
			fmt.Fprintf(tw, "Output directory:\t%s (ignored)\n", result.OutDir)
		}
	}

	if result.Assets != nil {
		fmt.Fprintf(tw, "Asset server:\t%s\n", strings.TrimSpace(result.Assets.Binary+" "+strings.Join(result.Assets.Args, " ")))
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if len(result.MetaFiles) == 0 {
		return nil
	}

	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "META FILE\tON CHANGE")

	for _, mf := range result.MetaFiles {
		action := "report"
		if mf.ReloadServer {
			action = "restart"
		}

		fmt.Fprintf(tw, "%s\t%s\n", mf.Pattern, action)
	}

	return tw.Flush()
}
