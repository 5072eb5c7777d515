package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/valer-cara/pobserve/internal/config"
	"github.com/valer-cara/pobserve/internal/event"
	"github.com/valer-cara/pobserve/internal/notify"
	"github.com/valer-cara/pobserve/internal/server"
)

type runOptions struct {
	observe    observeFlags
	format     string
	output     string
	envFiles   []string
	socketRoot string
	dir        string
	notify     bool
}

func newRunCmd(g *globals) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Run a program and report what its process tree does",
		Long: `Run starts program with the sensor libraries preloaded and prints every
observed event until program exits. pobserve then exits with program's
exit code.

Without any of --exec, --exit, --open or --close, the kinds listed in the
config file's observe section are reported (exec by default).`,
		Example: `  pobserve run --exec --cwd -- make
  pobserve run --open --format json -- ./configure`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserved(cmd, g, o, args)
		},
	}
	o.observe.bind(cmd)
	fs := cmd.Flags()
	fs.StringVar(&o.format, "format", "", "event output format: text or json (default from config)")
	fs.StringVarP(&o.output, "output", "o", "", "write events to this file instead of stdout")
	fs.StringArrayVar(&o.envFiles, "env-file", nil, "load extra environment variables for the program from a .env file")
	fs.StringVar(&o.socketRoot, "socket-root", "", "directory for the private socket (default from config)")
	fs.StringVar(&o.dir, "dir", "", "working directory for the program")
	fs.BoolVar(&o.notify, "notify", false, "send desktop notifications for exec events matching the config's notify criteria")
	return cmd
}

func runObserved(cmd *cobra.Command, g *globals, o *runOptions, args []string) error {
	cfg := g.cfg

	format := o.format
	if format == "" {
		format = cfg.Output
	}
	out := cmd.OutOrStdout()
	if o.output != "" {
		f, err := os.Create(o.output)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		defer f.Close()
		out = f
	}
	p, err := newPrinter(out, format)
	if err != nil {
		return err
	}

	obs, err := o.observe.observations(cfg)
	if err != nil {
		return err
	}

	environ, err := childEnviron(os.Environ(), o.envFiles)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := p.handlers()
	if o.notify {
		watcher, err := startNotifications(ctx, g.configPath, cfg)
		if err != nil {
			return err
		}
		defer watcher.stop()
		printExec := h.exec
		_, showExec := obs[event.KindExec]
		h.exec = func(ev *event.ExecEvent, ud any) {
			if showExec {
				printExec(ev, ud)
			}
			watcher.w.HandleExec(ev, ud)
		}
		if !showExec {
			obs[event.KindExec] = 0
		}
	}

	ec := buildContext(obs, o.observe.resourceDirOr(cfg), h)
	defer ec.Release()

	socketRoot := o.socketRoot
	if socketRoot == "" {
		socketRoot = cfg.SocketRoot
	}

	slog.Debug("starting observed program", "program", args[0], "libraries", ec.Libraries(), "options", ec.OptionString())
	// The program shares our standard files when they are real files.
	stdin, _ := cmd.InOrStdin().(*os.File)
	stdout, _ := cmd.OutOrStdout().(*os.File)
	stderr, _ := cmd.ErrOrStderr().(*os.File)
	code, err := server.Exec(ctx, ec, args[0], args, environ, server.Options{
		SocketRoot: socketRoot,
		Dir:        o.dir,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	switch {
	case err == nil && code == 0:
		return nil
	case err == nil:
		return &exitCodeError{code: code}
	case errors.Is(err, server.ErrAbnormalExit):
		slog.Error("observed program terminated abnormally", "error", err)
		return &exitCodeError{code: 128}
	case errors.Is(err, context.Canceled):
		return &exitCodeError{code: 130}
	default:
		return err
	}
}

// childEnviron layers the given .env files over base. Later files win.
func childEnviron(base []string, files []string) ([]string, error) {
	if len(files) == 0 {
		return base, nil
	}
	vars, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := vars[key]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out, nil
}

type notifications struct {
	w      *notify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

func (n *notifications) stop() {
	n.cancel()
	<-n.done
}

// startNotifications connects to the desktop bus and starts matching exec
// events, reloading the criteria when the config file changes.
func startNotifications(ctx context.Context, configPath string, cfg *config.Config) (*notifications, error) {
	if len(cfg.Notify) == 0 {
		return nil, errors.New("--notify needs notify criteria in the config file")
	}
	criteria, err := notify.Build(cfg.Notify)
	if err != nil {
		return nil, err
	}
	bus, err := notify.NewDBus("pobserve")
	if err != nil {
		return nil, err
	}

	// Matching outlives ctx cancellation long enough to drain the queue.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := &notifications{
		w:      notify.NewWatcher(criteria, bus),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if configPath != "" {
		if err := config.Watch(runCtx, configPath, n.w.Reload); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}
	go func() {
		defer close(n.done)
		n.w.Run(runCtx)
	}()
	slog.Debug("desktop notifications enabled", "criteria", len(criteria))
	return n, nil
}
