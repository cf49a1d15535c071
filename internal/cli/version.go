package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/devloop/internal/version"
)

func newVersionCommand() *cobra.Command {
	var (
		jsonOutput bool
		short      bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the devloop version, git commit, build date, Go version and platform.",
		Args:  cobra.NoArgs,
		// version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetInfo()
			w := cmd.OutOrStdout()

			switch {
			case short:
				_, err := fmt.Fprintln(w, info.Version)
				return err
			case jsonOutput:
				j, err := info.JSON()
				if err != nil {
					return err
				}

				_, err = fmt.Fprintln(w, j)

				return err
			default:
				_, err := fmt.Fprintln(w, info.String())
				return err
			}
		},
	}

	f := cmd.Flags()
	f.BoolVar(&jsonOutput, "json", false, "output version info as JSON")
	f.BoolVar(&short, "short", false, "print only the version number")
	cmd.MarkFlagsMutuallyExclusive("json", "short")

	return cmd
}
