package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/valer-cara/pobserve/internal/env"
	"github.com/valer-cara/pobserve/internal/event"
	"github.com/valer-cara/pobserve/internal/shim"
	"github.com/valer-cara/pobserve/internal/wire"
)

// The test binary doubles as the observed program: with childModeVar set
// it behaves like a process carrying the shims instead of running tests.
const childModeVar = "POBSERVE_TEST_CHILD"

func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeVar); mode != "" {
		os.Exit(runChild(mode))
	}
	os.Exit(m.Run())
}

func runChild(mode string) int {
	name, arg, _ := strings.Cut(mode, ":")
	switch name {
	case "events":
		return childEvents()
	case "tree":
		depth, _ := strconv.Atoi(arg)
		return childTree(depth)
	case "garbage":
		return childGarbage()
	case "hangup":
		return childHangup()
	case "crash":
		syscall.Kill(os.Getpid(), syscall.SIGKILL)
		time.Sleep(time.Second)
		return 1
	case "sleep":
		time.Sleep(time.Minute)
		return 0
	case "sleep-ms":
		ms, _ := strconv.Atoi(arg)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return 0
	case "partial":
		return childPartial()
	case "exit":
		code, _ := strconv.Atoi(arg)
		return code
	}
	fmt.Fprintf(os.Stderr, "unknown child mode %q\n", mode)
	return 99
}

// withChildMode replaces any inherited child mode; a Go child sees the
// first occurrence of a variable.
func withChildMode(environ []string, mode string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, childModeVar+"=") {
			out = append(out, kv)
		}
	}
	return append(out, childModeVar+"="+mode)
}

func childEvents() int {
	c, err := shim.FromEnv(os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 90
	}
	exe, _ := os.Executable()
	cwd, _ := os.Getwd()
	pid, ppid := int32(os.Getpid()), int32(os.Getppid())

	for _, ev := range []event.Event{
		&event.ExecEvent{Path: exe, Argv: []string{exe, "--flag"}, CWD: cwd, PID: pid, PPID: ppid},
		&event.OpenEvent{Path: "data.txt", Flags: int32(os.O_RDONLY), Return: 3, CWD: cwd, PID: pid},
		&event.CloseEvent{FD: 3, PID: pid},
		&event.ExitEvent{Status: 7, PID: pid, PPID: ppid},
	} {
		if err := c.Send(ev); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 91
		}
	}
	if err := c.Close(); err != nil {
		return 92
	}
	return 7
}

// childTree reports its own exec and then spawns itself depth-1 more
// times, the way the exec shim carries observation down the tree.
func childTree(depth int) int {
	c, err := shim.FromEnv(os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 90
	}
	exe, _ := os.Executable()
	err = c.Send(&event.ExecEvent{
		Path: exe,
		Argv: []string{exe, strconv.Itoa(depth)},
		PID:  int32(os.Getpid()),
		PPID: int32(os.Getppid()),
	})
	if err != nil {
		return 91
	}
	if depth > 1 {
		environ := withChildMode(c.Reaugment(os.Environ()), fmt.Sprintf("tree:%d", depth-1))
		proc, err := os.StartProcess(exe, []string{exe}, &os.ProcAttr{
			Env:   environ,
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		})
		if err != nil {
			return 93
		}
		state, err := proc.Wait()
		if err != nil || !state.Success() {
			return 94
		}
	}
	if err := c.Close(); err != nil {
		return 92
	}
	return 0
}

// childGarbage opens one connection that sends a bogus message kind and a
// second that behaves.
func childGarbage() int {
	socket := os.Getenv(env.SocketVar)
	bad, err := shim.Dial(socket)
	if err != nil {
		return 90
	}
	w := wire.NewWriter(bad)
	w.WriteMessageKind(wire.MessageKind(42))
	w.WriteTag(0)

	c, err := shim.FromEnv(os.Environ())
	if err != nil {
		return 90
	}
	if err := c.Send(&event.CloseEvent{FD: 5, PID: int32(os.Getpid())}); err != nil {
		return 91
	}
	c.Close()
	bad.Close()
	return 0
}

// childHangup sends one event and drops the connection without Done.
func childHangup() int {
	socket := os.Getenv(env.SocketVar)
	conn, err := shim.Dial(socket)
	if err != nil {
		return 90
	}
	w := wire.NewWriter(conn)
	if err := event.Encode(w, &event.CloseEvent{FD: 9, PID: int32(os.Getpid())}, 0); err != nil {
		return 91
	}
	conn.Close()
	return 0
}

// childPartial sends one complete event and the start of another, then
// exits with the second one unfinished.
func childPartial() int {
	conn, err := shim.Dial(os.Getenv(env.SocketVar))
	if err != nil {
		return 90
	}
	w := wire.NewWriter(conn)
	if err := event.Encode(w, &event.CloseEvent{FD: 11, PID: int32(os.Getpid())}, 0); err != nil {
		return 91
	}
	w.WriteMessageKind(wire.MessageEvent)
	w.WriteTag(uint32(event.KindClose))
	w.WriteInt(12)
	return 0
}

// ---------------------------------------------------------------------------

func testExecutable(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

// childStderr collects what spawned children write to stderr, including
// the dynamic linker's notes about sensor libraries this binary does not
// ship, and shows it only when the test fails.
func childStderr(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stderr")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			data, _ := os.ReadFile(f.Name())
			t.Logf("child stderr:\n%s", data)
		}
		f.Close()
	})
	return f
}

func startChild(t *testing.T, s *Server, mode string) *os.Process {
	t.Helper()
	exe := testExecutable(t)
	proc, err := s.spawn(exe, []string{exe}, withChildMode(os.Environ(), mode), Options{Stderr: childStderr(t)})
	require.NoError(t, err)
	return proc
}

func newServer(t *testing.T, ec *event.Context) *Server {
	t.Helper()
	s, err := New(ec, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type recorder struct {
	execs  []*event.ExecEvent
	exits  []*event.ExitEvent
	opens  []*event.OpenEvent
	closes []*event.CloseEvent
}

func recordingContext(rec *recorder) *event.Context {
	ec := event.NewContext()
	ec.ObserveExec(event.ExecCWD, func(ev *event.ExecEvent, ud any) {
		ud.(*recorder).execs = append(ud.(*recorder).execs, ev)
	}, rec)
	ec.ObserveExit(event.ExitDefault, func(ev *event.ExitEvent, ud any) {
		ud.(*recorder).exits = append(ud.(*recorder).exits, ev)
	}, rec)
	ec.ObserveOpen(event.OpenCWD, func(ev *event.OpenEvent, ud any) {
		ud.(*recorder).opens = append(ud.(*recorder).opens, ev)
	}, rec)
	ec.ObserveClose(event.CloseDefault, func(ev *event.CloseEvent, ud any) {
		ud.(*recorder).closes = append(ud.(*recorder).closes, ev)
	}, rec)
	return ec
}

func TestNewCreatesPrivateSocket(t *testing.T) {
	s := newServer(t, event.NewContext())

	info, err := os.Stat(s.SocketPath())
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
	assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(s.SocketPath())), "pobserve-"))

	dir := filepath.Dir(s.SocketPath())
	require.NoError(t, s.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNewFailsOnMissingRoot(t *testing.T) {
	_, err := New(event.NewContext(), Options{SocketRoot: "/nonexistent/pobserve"})
	assert.ErrorIs(t, err, ErrCreate)
}

func TestEnvironCarriesObservationVariables(t *testing.T) {
	ec := event.NewContext()
	ec.SetResourceDir("/opt/pobserve")
	s := newServer(t, ec)

	environ := s.Environ([]string{"HOME=/root"})

	socket, _ := env.Lookup(environ, env.SocketVar)
	assert.Equal(t, s.SocketPath(), socket)
	opts, _ := env.Lookup(environ, env.OptsVar)
	assert.Equal(t, ec.OptionString(), opts)
	preload, _ := env.Lookup(environ, env.PreloadVar)
	assert.Equal(t, ec.Libraries(), preload)
}

func TestObserveDeliversEventsInOrder(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	dir := filepath.Dir(s.SocketPath())
	proc := startChild(t, s, "events")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	cwd, _ := os.Getwd()
	exe := testExecutable(t)
	require.Len(t, rec.execs, 1)
	assert.Equal(t, exe, rec.execs[0].Path)
	assert.Equal(t, []string{exe, "--flag"}, rec.execs[0].Argv)
	assert.Equal(t, cwd, rec.execs[0].CWD)
	assert.Equal(t, int32(proc.Pid), rec.execs[0].PID)
	assert.Equal(t, int32(os.Getpid()), rec.execs[0].PPID)

	require.Len(t, rec.opens, 1)
	assert.Equal(t, "data.txt", rec.opens[0].Path)
	assert.Equal(t, cwd, rec.opens[0].CWD)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, int32(3), rec.closes[0].FD)
	require.Len(t, rec.exits, 1)
	assert.Equal(t, int32(7), rec.exits[0].Status)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "socket directory must be removed")
}

func TestRecursiveSpawnDeliversEveryExec(t *testing.T) {
	const depth = 4
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	proc := startChild(t, s, fmt.Sprintf("tree:%d", depth))

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)

	require.Len(t, rec.execs, depth)
	pids := map[int32]bool{}
	for _, ev := range rec.execs {
		pids[ev.PID] = true
	}
	assert.Len(t, pids, depth, "one exec per process in the tree")
}

func TestUnobservedExecIsSilent(t *testing.T) {
	var closes int
	ec := event.NewContext()
	ec.ObserveClose(event.CloseDefault, func(*event.CloseEvent, any) { closes++ }, nil)
	s := newServer(t, ec)
	proc := startChild(t, s, "tree:2")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Zero(t, closes)
}

func TestBadConnectionDoesNotAffectOthers(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	proc := startChild(t, s, "garbage")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, int32(5), rec.closes[0].FD)
}

func TestHangupWithoutDone(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	proc := startChild(t, s, "hangup")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, int32(9), rec.closes[0].FD)
}

func TestExitCodePassesThrough(t *testing.T) {
	s := newServer(t, event.NewContext())
	proc := startChild(t, s, "exit:3")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestAbnormalExit(t *testing.T) {
	s := newServer(t, event.NewContext())
	proc := startChild(t, s, "crash")

	code, err := s.Observe(context.Background(), proc)
	assert.ErrorIs(t, err, ErrAbnormalExit)
	assert.Equal(t, ExitFailure, code)
}

func TestObserveCancelled(t *testing.T) {
	s := newServer(t, event.NewContext())
	proc := startChild(t, s, "sleep")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	code, err := s.Observe(ctx, proc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ExitFailure, code)
}

func TestObserveTwice(t *testing.T) {
	s := newServer(t, event.NewContext())
	proc := startChild(t, s, "exit:0")
	_, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)

	_, err = s.Observe(context.Background(), proc)
	assert.ErrorIs(t, err, ErrFinished)
}

func TestExecSpawnFailure(t *testing.T) {
	code, err := Exec(context.Background(), event.NewContext(),
		"/nonexistent/program", nil, os.Environ(), Options{})
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, ExitFailure, code)
}

func TestExecRunsObservedChild(t *testing.T) {
	rec := &recorder{}
	exe := testExecutable(t)
	code, err := Exec(context.Background(), recordingContext(rec), exe, []string{exe},
		withChildMode(os.Environ(), "events"), Options{Dir: t.TempDir(), Stderr: childStderr(t)})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	require.Len(t, rec.opens, 1)
}

// Connections from processes outside the tree are served too; the loop
// does not care who connects.
func TestConcurrentConnections(t *testing.T) {
	const clients = 8
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	socket := s.SocketPath()

	proc := startChild(t, s, "sleep")
	done := make(chan struct{})
	var code int
	var obsErr error
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer close(done)
		code, obsErr = s.Observe(ctx, proc)
	}()

	var g errgroup.Group
	for i := 0; i < clients; i++ {
		fd := int32(i)
		g.Go(func() error {
			conn, err := net.Dial("unix", socket)
			if err != nil {
				return err
			}
			defer conn.Close()
			w := wire.NewWriter(conn)
			if err := event.Encode(w, &event.CloseEvent{FD: fd, PID: 1}, 0); err != nil {
				return err
			}
			if err := w.WriteMessageKind(wire.MessageDone); err != nil {
				return err
			}
			// Wait for the server to hang up so delivery is certain.
			var b [1]byte
			_, err = conn.Read(b[:])
			if err != nil && !isClosed(err) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	cancel()
	<-done

	assert.ErrorIs(t, obsErr, context.Canceled)
	assert.Equal(t, ExitFailure, code)
	assert.Len(t, rec.closes, clients)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET)
}

type observeResult struct {
	code int
	err  error
}

func observeAsync(ctx context.Context, s *Server, proc *os.Process) <-chan observeResult {
	out := make(chan observeResult, 1)
	go func() {
		code, err := s.Observe(ctx, proc)
		out <- observeResult{code, err}
	}()
	return out
}

func requireFinished(t *testing.T, results <-chan observeResult, within time.Duration) observeResult {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(within):
		t.Fatalf("Observe still running %v after the root process ended", within)
		return observeResult{}
	}
}

// writePartialClose sends one complete CLOSE event for fd and then the
// first fields of another, leaving the connection mid-message.
func writePartialClose(t *testing.T, conn net.Conn, fd int32) {
	t.Helper()
	w := wire.NewWriter(conn)
	require.NoError(t, event.Encode(w, &event.CloseEvent{FD: fd, PID: 1}, 0))
	require.NoError(t, w.WriteMessageKind(wire.MessageEvent))
	require.NoError(t, w.WriteTag(uint32(event.KindClose)))
	require.NoError(t, w.WriteInt(fd+1))
}

func TestStalledConnectionDoesNotHoldCancelledRun(t *testing.T) {
	delivered := make(chan int32, 4)
	ec := event.NewContext()
	ec.ObserveClose(event.CloseDefault, func(ev *event.CloseEvent, _ any) { delivered <- ev.FD }, nil)
	s := newServer(t, ec)
	dir := filepath.Dir(s.SocketPath())
	proc := startChild(t, s, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := observeAsync(ctx, s, proc)

	conn, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	writePartialClose(t, conn, 20)

	select {
	case fd := <-delivered:
		assert.Equal(t, int32(20), fd)
	case <-time.After(5 * time.Second):
		t.Fatal("complete event was not delivered")
	}

	cancel()
	res := requireFinished(t, results, 3*time.Second)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, ExitFailure, res.code)
	assert.Empty(t, delivered, "the unfinished event must not be delivered")

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "socket directory must be removed")
}

func TestOpenConnectionMidMessageWhenRootExits(t *testing.T) {
	var closes []int32
	ec := event.NewContext()
	ec.ObserveClose(event.CloseDefault, func(ev *event.CloseEvent, _ any) { closes = append(closes, ev.FD) }, nil)
	s := newServer(t, ec)
	dir := filepath.Dir(s.SocketPath())
	proc := startChild(t, s, "sleep-ms:1000")

	results := observeAsync(context.Background(), s, proc)

	// Held open past the root's exit, like a descendant stopped mid-write.
	conn, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	writePartialClose(t, conn, 30)

	res := requireFinished(t, results, 5*time.Second)
	require.NoError(t, res.err)
	assert.Zero(t, res.code)
	assert.Equal(t, []int32{30}, closes)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "socket directory must be removed")
}

func TestUnfinishedMessageDiscardedOnDisconnect(t *testing.T) {
	rec := &recorder{}
	s := newServer(t, recordingContext(rec))
	proc := startChild(t, s, "partial")

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)
	require.Len(t, rec.closes, 1)
	assert.Equal(t, int32(11), rec.closes[0].FD)
}

func TestAcceptFailurePausesListener(t *testing.T) {
	var calls int
	orig := acceptSocket
	t.Cleanup(func() { acceptSocket = orig })
	acceptSocket = func(int) (int, unix.Sockaddr, error) {
		calls++
		return -1, nil, unix.EMFILE
	}

	s := newServer(t, event.NewContext())
	proc := startChild(t, s, "sleep-ms:500")

	// Queued in the backlog; every accept attempt fails.
	conn, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	defer conn.Close()

	code, err := s.Observe(context.Background(), proc)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.NotZero(t, calls)
	assert.Less(t, calls, 20, "accept must not be retried in a tight loop")
}

func TestFramesWaitForCompleteMessages(t *testing.T) {
	var fds []int32
	ec := event.NewContext()
	ec.ObserveClose(event.CloseDefault, func(ev *event.CloseEvent, _ any) { fds = append(fds, ev.FD) }, nil)
	ec.ObserveOpen(event.OpenCWD, func(ev *event.OpenEvent, _ any) { fds = append(fds, ev.Return) }, nil)

	var stream bytes.Buffer
	w := wire.NewWriter(&stream)
	require.NoError(t, event.Encode(w, &event.CloseEvent{FD: 1}, 0))
	require.NoError(t, event.Encode(w, &event.OpenEvent{Path: "a", Return: 2, CWD: "/"}, ec.Options(event.KindOpen)))
	require.NoError(t, w.WriteMessageKind(wire.MessageDone))
	data := stream.Bytes()

	c := &conn{fd: -1}
	var done bool
	for i, b := range data {
		c.pending = append(c.pending, b)
		var err error
		done, err = c.frames(ec)
		require.NoError(t, err, "byte %d", i)
		if i < len(data)-1 {
			require.False(t, done, "byte %d", i)
		}
	}
	assert.True(t, done)
	assert.Equal(t, []int32{1, 2}, fds)
	assert.Empty(t, c.pending)
}

func TestFramesRejectUnknownMessageKind(t *testing.T) {
	var stream bytes.Buffer
	w := wire.NewWriter(&stream)
	require.NoError(t, w.WriteMessageKind(wire.MessageKind(9)))

	c := &conn{fd: -1, pending: stream.Bytes()}
	_, err := c.frames(event.NewContext())
	assert.Error(t, err)
}
