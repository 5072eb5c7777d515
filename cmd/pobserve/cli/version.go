package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of pobserve",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pobserve %s\n", version)
			if commit != "none" {
				fmt.Fprintf(out, "  commit: %s\n", commit)
			}
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(out, "  go:     %s\n", info.GoVersion)
			}
		},
	}
}
