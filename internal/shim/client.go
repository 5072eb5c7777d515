// Package shim is the producer side of the observation protocol: what a
// sensor shim does once it has intercepted a call. It reads the
// observation variables a process inherited, connects to the
// supervisor's socket and writes framed events.
//
// Each process image keeps one Client for its lifetime, created on first
// use and closed at exit; a Client must not be reused after Done.
package shim

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/valer-cara/pobserve/internal/env"
	"github.com/valer-cara/pobserve/internal/event"
	"github.com/valer-cara/pobserve/internal/optcode"
	"github.com/valer-cara/pobserve/internal/wire"
)

const (
	connectRetries = 20
	connectWait    = 50 * time.Millisecond
	connectJitter  = 20 * time.Millisecond
)

var (
	// ErrNotObserved is returned by FromEnv when no supervisor socket is
	// set in the environment.
	ErrNotObserved = errors.New("shim: process is not under observation")

	// ErrDone is returned when writing after Done.
	ErrDone = errors.New("shim: connection already finished")
)

// Dial connects to the supervisor socket, retrying for about a second
// while the socket is not yet accepting.
func Dial(socketPath string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			wait := connectWait - connectJitter/2 + time.Duration(rand.Int63n(int64(connectJitter)))
			time.Sleep(wait)
		}
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", socketPath, connectRetries, lastErr)
}

// Client writes events for one process.
type Client struct {
	conn   net.Conn
	buf    *bufio.Writer
	w      *wire.Writer
	libs   string
	opts   string
	socket string

	mu   sync.Mutex
	done bool
}

// FromEnv builds a Client from an inherited environment such as
// os.Environ().
func FromEnv(environ []string) (*Client, error) {
	socket, ok := env.Lookup(environ, env.SocketVar)
	if !ok || socket == "" {
		return nil, ErrNotObserved
	}
	libs, _ := env.Lookup(environ, env.LibsVar)
	opts, _ := env.Lookup(environ, env.OptsVar)

	conn, err := Dial(socket)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(conn)
	return &Client{
		conn:   conn,
		buf:    buf,
		w:      wire.NewWriter(buf),
		libs:   libs,
		opts:   opts,
		socket: socket,
	}, nil
}

// Options returns the decoded options for kind k.
func (c *Client) Options(k event.Kind) uint8 {
	return optcode.Decode(c.opts, int(k))
}

// Send writes ev with the fields its kind's options request. EXEC events
// are dropped when the exec shim runs silent, and, unless ExecNoAccess is
// set, when the target is not executable.
func (c *Client) Send(ev event.Event) error {
	opts := c.Options(ev.Kind())
	if x, ok := ev.(*event.ExecEvent); ok {
		execOpts := event.ExecOptions(opts)
		if execOpts&event.ExecSilent != 0 {
			return nil
		}
		if execOpts&event.ExecNoAccess == 0 && unix.Access(x.Path, unix.X_OK) != nil {
			return nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrDone
	}
	if err := event.Encode(c.w, ev, opts); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Kind(), err)
	}
	return c.buf.Flush()
}

// Done tells the supervisor nothing more will be sent.
func (c *Client) Done() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.done = true
	if err := c.w.WriteMessageKind(wire.MessageDone); err != nil {
		return err
	}
	return c.buf.Flush()
}

// Close sends Done if needed and closes the connection.
func (c *Client) Close() error {
	doneErr := c.Done()
	if err := c.conn.Close(); err != nil {
		return err
	}
	return doneErr
}

// Reaugment applies this process's observation variables to the
// environment of a process it is about to spawn, so the instrumentation
// follows the tree downwards.
func (c *Client) Reaugment(environ []string) []string {
	return env.Augment(environ, c.libs, c.opts, c.socket)
}
