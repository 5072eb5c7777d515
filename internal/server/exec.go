package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/valer-cara/pobserve/internal/event"
)

// Exec runs path with argv under observation and returns its exit code.
//
// path is resolved against PATH like a shell would. The child gets
// environ augmented with the observation variables, the standard files
// from opts (the caller's by default) and, when opts.Dir is set, that
// working directory. argv[0] is passed
// through as given.
//
// Failures before the child exists are reported as ErrCreate or ErrSpawn
// with ExitFailure; everything after that is as for Server.Observe.
func Exec(ctx context.Context, ec *event.Context, path string, argv, environ []string, opts Options) (int, error) {
	s, err := New(ec, opts)
	if err != nil {
		return ExitFailure, err
	}

	proc, err := s.spawn(path, argv, environ, opts)
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			s.logger.Warn("removing observation socket", "path", s.socketPath, "error", cerr)
		}
		return ExitFailure, err
	}
	return s.Observe(ctx, proc)
}

func (s *Server) spawn(path string, argv, environ []string, opts Options) (*os.Process, error) {
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if len(argv) == 0 {
		argv = []string{path}
	}
	proc, err := os.StartProcess(bin, argv, &os.ProcAttr{
		Dir:   opts.Dir,
		Env:   s.Environ(environ),
		Files: []*os.File{
			orFile(opts.Stdin, os.Stdin),
			orFile(opts.Stdout, os.Stdout),
			orFile(opts.Stderr, os.Stderr),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	s.logger.Debug("started observed process", "pid", proc.Pid, "path", bin)
	return proc, nil
}

func orFile(f, def *os.File) *os.File {
	if f != nil {
		return f
	}
	return def
}
