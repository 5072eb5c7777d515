package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/valer-cara/pobserve/internal/config"
	"github.com/valer-cara/pobserve/internal/event"
)

// observeFlags selects kinds and options on the command line. When no
// kind flag is given the config file's observe section applies.
type observeFlags struct {
	kinds       [event.KindCount]bool
	cwd         bool
	env         bool
	path        bool
	noAccess    bool
	resourceDir string
}

func (f *observeFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	for k := event.Kind(0); k < event.KindCount; k++ {
		fs.BoolVar(&f.kinds[k], k.String(), false, fmt.Sprintf("observe %s events", k))
	}
	fs.BoolVar(&f.cwd, "cwd", false, "include the working directory in exec and open events")
	fs.BoolVar(&f.env, "env", false, "include the environment in exec events")
	fs.BoolVar(&f.path, "path", false, "include PATH in exec events")
	fs.BoolVar(&f.noAccess, "no-access", false, "report exec attempts on non-executable files")
	fs.StringVar(&f.resourceDir, "resource-dir", "", "directory holding the sensor libraries")
}

func (f *observeFlags) any() bool {
	for _, on := range f.kinds {
		if on {
			return true
		}
	}
	return false
}

// observations returns the kinds to observe and their option bits.
func (f *observeFlags) observations(cfg *config.Config) (map[event.Kind]uint8, error) {
	if !f.any() {
		return cfg.Observations()
	}
	out := make(map[event.Kind]uint8)
	for k := event.Kind(0); k < event.KindCount; k++ {
		if !f.kinds[k] {
			continue
		}
		var opts uint8
		switch k {
		case event.KindExec:
			if f.cwd {
				opts |= uint8(event.ExecCWD)
			}
			if f.env {
				opts |= uint8(event.ExecEnv)
			}
			if f.path {
				opts |= uint8(event.ExecPath)
			}
			if f.noAccess {
				opts |= uint8(event.ExecNoAccess)
			}
		case event.KindOpen:
			if f.cwd {
				opts |= uint8(event.OpenCWD)
			}
		}
		out[k] = opts
	}
	return out, nil
}

// handlers receives decoded events. A nil field leaves its kind
// unobserved even if requested.
type handlers struct {
	exec  event.ExecFunc
	exit  event.ExitFunc
	open  event.OpenFunc
	close event.CloseFunc
}

// buildContext registers h for every kind in obs.
func buildContext(obs map[event.Kind]uint8, resourceDir string, h handlers) *event.Context {
	ec := event.NewContext()
	if resourceDir != "" {
		ec.SetResourceDir(resourceDir)
	}
	for k, opts := range obs {
		switch k {
		case event.KindExec:
			ec.ObserveExec(event.ExecOptions(opts), h.exec, nil)
		case event.KindExit:
			ec.ObserveExit(event.ExitOptions(opts), h.exit, nil)
		case event.KindOpen:
			ec.ObserveOpen(event.OpenOptions(opts), h.open, nil)
		case event.KindClose:
			ec.ObserveClose(event.CloseOptions(opts), h.close, nil)
		}
	}
	return ec
}

func (f *observeFlags) resourceDirOr(cfg *config.Config) string {
	if f.resourceDir != "" {
		return f.resourceDir
	}
	return cfg.ResourceDir
}
