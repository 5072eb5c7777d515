package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valer-cara/pobserve/internal/env"
	"github.com/valer-cara/pobserve/internal/event"
)

func newEnvCmd(g *globals) *cobra.Command {
	var f observeFlags
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the variables an observed program would receive",
		Long: `Env prints the sensor library list, the option string and the preload
entry that run would add to a program's environment. The socket variable
is only known once a run starts and is not printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs, err := f.observations(g.cfg)
			if err != nil {
				return err
			}
			ec := buildContext(obs, f.resourceDirOr(g.cfg), handlers{
				exec:  func(*event.ExecEvent, any) {},
				exit:  func(*event.ExitEvent, any) {},
				open:  func(*event.OpenEvent, any) {},
				close: func(*event.CloseEvent, any) {},
			})
			defer ec.Release()

			environ := env.Augment(nil, ec.Libraries(), ec.OptionString(), "")
			for _, key := range []string{env.PreloadVar, env.LibsVar, env.OptsVar} {
				if value, ok := env.Lookup(environ, key); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, value)
				}
			}
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}
