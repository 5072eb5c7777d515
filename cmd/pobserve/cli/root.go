// Package cli implements the pobserve command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/valer-cara/pobserve/internal/config"
	"github.com/valer-cara/pobserve/internal/log"
)

// globals holds the persistent flags and what PersistentPreRunE derives
// from them.
type globals struct {
	verbose    bool
	jsonLog    bool
	logFile    string
	configPath string

	cfg *config.Config
}

// exitCodeError carries the observed program's exit code out of a
// command without printing anything.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "pobserve",
		Short: "Observe the process tree of a program",
		Long: `pobserve runs a program with small sensor libraries preloaded into it
and every process it starts. The sensors report exec, exit, open and
close calls back over a private socket, and pobserve prints them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Init(log.Options{
				Verbose:    g.verbose,
				JSONFormat: g.jsonLog,
				File:       g.logFile,
				Stderr:     cmd.ErrOrStderr(),
			}); err != nil {
				cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
			}

			if g.configPath == "" {
				g.cfg = config.Default()
				return nil
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			g.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().BoolVar(&g.jsonLog, "log-json", false, "log in JSON format")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "also write every log record to this file")
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newRunCmd(g), newEnvCmd(g), newVersionCmd())
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(newRootCmd(), os.Args[1:])
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	log.Close()
	if err == nil {
		return 0
	}
	var exit *exitCodeError
	if errors.As(err, &exit) {
		return exit.code
	}
	root.PrintErrln("Error:", err)
	return 1
}
