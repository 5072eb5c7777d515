// Package server is the supervisor side of an observation run. It owns
// the private listening socket, waits for the root child to terminate, and
// multiplexes every shim connection the observed tree opens onto a single
// goroutine that decodes events and invokes the registered callbacks.
//
// A run goes through New (socket ready before any child exists), Environ
// (variables the child must inherit), a spawn by the caller or by Exec,
// and Observe, which returns once the root child has terminated and all
// per-run resources are released.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/valer-cara/pobserve/internal/env"
	"github.com/valer-cara/pobserve/internal/event"
)

// ExitFailure is the status reported with ErrAbnormalExit, ErrSpawn and
// any other failure to obtain a real exit code.
const ExitFailure = -1

const (
	defaultBacklog    = 200
	defaultSocketRoot = "/tmp"
	socketName        = "socket"
)

var (
	// ErrCreate wraps failures to set up the socket before spawning.
	ErrCreate = errors.New("server: cannot create observation socket")

	// ErrSpawn wraps failures to create the child process.
	ErrSpawn = errors.New("server: cannot start child process")

	// ErrAbnormalExit is returned when the root child was killed by a
	// signal or otherwise did not exit on its own.
	ErrAbnormalExit = errors.New("server: child process did not terminate normally")

	// ErrFinished is returned when a Server is reused after its run.
	ErrFinished = errors.New("server: run already finished")
)

// Options tunes a Server. The zero value is usable.
type Options struct {
	// SocketRoot is where the private socket directory is created.
	// Kept short because socket paths are limited to about 100 bytes.
	SocketRoot string
	// Backlog is the listen(2) backlog.
	Backlog int
	// Dir is the working directory Exec starts the child in.
	Dir string
	// Stdin, Stdout and Stderr are the child's standard files when
	// started by Exec. Nil means the caller's own.
	Stdin, Stdout, Stderr *os.File
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SocketRoot == "" {
		o.SocketRoot = defaultSocketRoot
	}
	if o.Backlog <= 0 {
		o.Backlog = defaultBacklog
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server is the state of one observation run.
type Server struct {
	ec     *event.Context
	logger *slog.Logger

	dir        string
	socketPath string
	listenFD   int

	acceptPausedUntil time.Time
	finished          bool
}

// New creates the private socket directory and starts listening, so the
// socket path can be placed in the child's environment before the child
// exists.
func New(ec *event.Context, opts Options) (*Server, error) {
	opts = opts.withDefaults()

	dir, err := os.MkdirTemp(opts.SocketRoot, "pobserve-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}
	path := filepath.Join(dir, socketName)
	if len(path) >= len(unix.RawSockaddrUnix{}.Path) {
		os.Remove(dir)
		return nil, fmt.Errorf("%w: socket path %q is too long", ErrCreate, path)
	}

	fd, err := listen(path, opts.Backlog)
	if err != nil {
		os.Remove(path)
		os.Remove(dir)
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return &Server{
		ec:         ec,
		logger:     opts.Logger,
		dir:        dir,
		socketPath: path,
		listenFD:   fd,
	}, nil
}

func listen(path string, backlog int) (int, error) {
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", path, err)
	}
	return fd, nil
}

// SocketPath is the path shims connect to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Environ returns template augmented with everything a child needs to be
// observed by this server.
func (s *Server) Environ(template []string) []string {
	return env.Augment(template, s.ec.Libraries(), s.ec.OptionString(), s.socketPath)
}

// Close releases the socket of a Server whose run never started. It is a
// no-op after Observe.
func (s *Server) Close() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.teardown()
}

func (s *Server) teardown() error {
	unix.Close(s.listenFD)
	s.listenFD = -1
	var errs []error
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := os.Remove(s.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// waitResult is what the watcher posts once the root child is gone.
type waitResult struct {
	state *os.ProcessState
	err   error
}

// notifier carries exactly one waitResult into the poll loop: the value
// goes through a channel and a byte on a pipe makes the loop wake up.
type notifier struct {
	r, w    *os.File
	fd      int
	results chan waitResult
	once    sync.Once
}

func newNotifier() (*notifier, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &notifier{
		r:       r,
		w:       w,
		fd:      int(r.Fd()),
		results: make(chan waitResult, 1),
	}, nil
}

func (n *notifier) post(res waitResult) {
	n.once.Do(func() {
		n.results <- res
		// The reader may already be gone on shutdown; nothing to do then.
		_, _ = n.w.Write([]byte{1})
	})
}

func (n *notifier) close() {
	n.r.Close()
	n.w.Close()
}

// Observe runs the event loop for proc, which must be a child of the
// calling process, and returns its exit code once it terminates.
//
// Connections from shims are accepted and served until the root child
// exits; descendants may still be writing at that point and are cut off.
// Cancelling ctx kills proc and ends the run with ctx.Err().
//
// The returned error distinguishes the outcomes: nil means proc exited on
// its own with the returned code; ErrAbnormalExit means it did not
// terminate normally.
func (s *Server) Observe(ctx context.Context, proc *os.Process) (int, error) {
	if s.finished {
		return ExitFailure, ErrFinished
	}
	s.finished = true
	defer func() {
		if err := s.teardown(); err != nil {
			s.logger.Warn("removing observation socket", "path", s.socketPath, "error", err)
		}
	}()

	n, err := newNotifier()
	if err != nil {
		return ExitFailure, fmt.Errorf("create notification pipe: %w", err)
	}
	defer n.close()

	go func() {
		state, err := proc.Wait()
		n.post(waitResult{state: state, err: err})
	}()

	if ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				n.post(waitResult{err: ctx.Err()})
				if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					s.logger.Warn("killing observed process", "pid", proc.Pid, "error", err)
				}
			case <-stop:
			}
		}()
	}

	s.logger.Debug("observing process", "pid", proc.Pid, "socket", s.socketPath)
	res := s.loop(n)
	return exitCode(res, s.logger)
}

func exitCode(res waitResult, logger *slog.Logger) (int, error) {
	if res.err != nil {
		return ExitFailure, res.err
	}
	if res.state.Exited() {
		return res.state.ExitCode(), nil
	}
	logger.Error("child process did not terminate normally", "pid", res.state.Pid(), "state", res.state.String())
	return ExitFailure, fmt.Errorf("%w: %s", ErrAbnormalExit, res.state)
}

// maxDrainRounds bounds the final pass over connections once the root
// child is gone, so a descendant that keeps writing cannot hold the run.
const maxDrainRounds = 64

var errListenerFailed = errors.New("listening socket failed")

// loop multiplexes the listener, the notification pipe and every open
// connection until the notification fires. Messages that are already
// buffered at that point are still delivered; anything arriving later is
// cut off with the connections.
func (s *Server) loop(n *notifier) waitResult {
	var conns []*conn
	defer func() {
		for _, c := range conns {
			c.close()
		}
		if len(conns) > 0 {
			s.logger.Debug("closed connections still open at exit", "count", len(conns))
		}
	}()

	var res waitResult
	for {
		notified, _, err := s.poll(&conns, n.fd, -1)
		if err != nil {
			s.logger.Error("event loop failed, no further events will be delivered", "error", err)
			return <-n.results
		}
		if notified {
			var b [1]byte
			_, _ = n.r.Read(b[:])
			res = <-n.results
			break
		}
	}

	for round := 0; round < maxDrainRounds; round++ {
		_, ready, err := s.poll(&conns, -1, 0)
		if err != nil || ready == 0 {
			break
		}
	}
	return res
}

// poll waits up to timeout milliseconds and runs one round: connections
// first, then the listener, then the notification fd. A negative notifyFD
// is not watched. It returns whether the notification fired and how many
// descriptors were ready.
func (s *Server) poll(conns *[]*conn, notifyFD, timeout int) (bool, int, error) {
	pfds := make([]unix.PollFd, 0, len(*conns)+2)
	for _, c := range *conns {
		pfds = append(pfds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
	}
	listenFD := s.listenFD
	if wait := time.Until(s.acceptPausedUntil); wait > 0 {
		listenFD = -1
		if ms := int(wait/time.Millisecond) + 1; timeout < 0 || ms < timeout {
			timeout = ms
		}
	}
	pfds = append(pfds,
		unix.PollFd{Fd: int32(listenFD), Events: unix.POLLIN},
		unix.PollFd{Fd: int32(notifyFD), Events: unix.POLLIN},
	)

	var ready int
	for {
		var err error
		ready, err = unix.Poll(pfds, timeout)
		if err == nil {
			break
		}
		if err != unix.EINTR && err != unix.EAGAIN {
			return false, 0, fmt.Errorf("poll: %w", err)
		}
	}

	live := (*conns)[:0]
	for i, c := range *conns {
		if s.serve(c, pfds[i].Revents) {
			live = append(live, c)
		} else {
			c.close()
			// A freed descriptor may be what accept was missing.
			s.acceptPausedUntil = time.Time{}
		}
	}
	*conns = live

	listenEvents := pfds[len(pfds)-2].Revents
	switch {
	case listenEvents&unix.POLLIN != 0:
		if c := s.accept(); c != nil {
			*conns = append(*conns, c)
		}
	case listenEvents&(unix.POLLERR|unix.POLLNVAL) != 0:
		return false, ready, errListenerFailed
	}

	return pfds[len(pfds)-1].Revents != 0, ready, nil
}

// serve handles poll results for one connection and reports whether the
// connection stays open.
func (s *Server) serve(c *conn, revents int16) bool {
	if revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			s.logger.Debug("closing connection after socket error", "fd", c.fd)
			return false
		}
		return true
	}

	if err := c.fill(); err != nil {
		s.logger.Debug("connection read failed", "fd", c.fd, "error", err)
		return false
	}
	done, err := c.frames(s.ec)
	if err != nil {
		s.logger.Warn("dropping shim connection", "fd", c.fd, "error", err)
		return false
	}
	if done {
		return false
	}
	if c.eof {
		if len(c.pending) > 0 {
			s.logger.Debug("discarding unfinished message from closed connection", "fd", c.fd, "bytes", len(c.pending))
		}
		return false
	}
	return true
}

// acceptSocket is swapped in tests.
var acceptSocket = unix.Accept

// acceptPause is how long the listener is left out of the poll set after
// accept fails for lack of resources.
const acceptPause = 100 * time.Millisecond

func (s *Server) accept() *conn {
	syscall.ForkLock.RLock()
	fd, _, err := acceptSocket(s.listenFD)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		switch err {
		case unix.EINTR, unix.EAGAIN, unix.ECONNABORTED:
		default:
			// Typically EMFILE or ENFILE. The pending connection stays
			// queued, so the listener would poll readable at once.
			s.logger.Warn("accept failed, pausing new connections", "error", err, "pause", acceptPause)
			s.acceptPausedUntil = time.Now().Add(acceptPause)
		}
		return nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		s.logger.Warn("cannot make shim connection non-blocking", "error", err)
		unix.Close(fd)
		return nil
	}
	s.logger.Debug("accepted shim connection", "fd", fd)
	return newConn(fd)
}
