package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/valer-cara/pobserve/internal/event"
	"github.com/valer-cara/pobserve/internal/wire"
)

const (
	// readChunk is the size of one read(2) from a connection.
	readChunk = 64 * 1024
	// maxReadsPerRound bounds how much one connection is read per poll
	// round, so a chatty process cannot starve the others.
	maxReadsPerRound = 4
	// maxPendingLen bounds the bytes buffered for a single unfinished
	// message.
	maxPendingLen = 32 * 1024 * 1024
)

var errPendingTooLarge = errors.New("unfinished message exceeds buffer limit")

// conn is one accepted shim connection. The fd is non-blocking: bytes are
// collected in pending and only complete messages are decoded, so a peer
// that stops mid-message never holds the loop. Whatever is pending when
// the connection is closed is dropped without delivery.
type conn struct {
	fd      int
	pending []byte
	eof     bool
}

func newConn(fd int) *conn {
	return &conn{fd: fd}
}

func (c *conn) close() {
	unix.Close(c.fd)
	c.pending = nil
}

// fill reads what the socket has available. It sets c.eof once the peer
// has closed its end.
func (c *conn) fill() error {
	var scratch [readChunk]byte
	for i := 0; i < maxReadsPerRound; i++ {
		n, err := unix.Read(c.fd, scratch[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil
		case err != nil:
			return err
		case n == 0:
			c.eof = true
			return nil
		}
		if len(c.pending)+n > maxPendingLen {
			return errPendingTooLarge
		}
		c.pending = append(c.pending, scratch[:n]...)
		if n < len(scratch) {
			return nil
		}
	}
	return nil
}

// incomplete reports whether err means the buffer ended inside a message.
func incomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, wire.ErrShortRead)
}

// frames dispatches every complete message in c.pending and keeps the
// unfinished tail. It returns done when the peer sent Done, and an error
// when the stream cannot be decoded.
func (c *conn) frames(ec *event.Context) (done bool, err error) {
	for len(c.pending) > 0 {
		br := bytes.NewReader(c.pending)
		r := wire.NewReader(br)

		kind, err := r.ReadMessageKind()
		if incomplete(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		switch kind {
		case wire.MessageDone:
			c.pending = nil
			return true, nil
		case wire.MessageEvent:
			tag, err := r.ReadTag()
			if incomplete(err) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			// Dispatch decodes the whole event before any callback runs,
			// so a short buffer delivers nothing.
			if err := ec.Dispatch(event.Kind(tag), r); err != nil {
				if incomplete(err) {
					return false, nil
				}
				return false, err
			}
		default:
			return false, fmt.Errorf("unknown message kind %s", kind)
		}
		c.pending = c.pending[len(c.pending)-br.Len():]
	}
	c.pending = nil
	return false, nil
}
