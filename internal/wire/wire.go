// Package wire implements the framing spoken between sensor shims and the
// supervisor. Every message is a sequence of fixed-width native-endian
// integers and size-prefixed strings; there is no outer length header, so
// a reader must consume exactly the fields the writer produced.
//
// A typical writer:
//
//	w.WriteMessageKind(wire.MessageEvent)
//	w.WriteTag(tag)
//	w.WriteString(path, 0)
//	w.WriteInt(flags)
//
// and the matching reader:
//
//	kind, _ := r.ReadMessageKind()
//	tag, _ := r.ReadTag()
//	path, _ := r.ReadString()
//	flags, _ := r.ReadInt()
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"
)

// MessageKind discriminates the two message shapes on a connection.
type MessageKind uint32

const (
	// MessageEvent is followed by an event tag and that kind's fields.
	MessageEvent MessageKind = 0
	// MessageDone means the sender will not write again on this connection.
	MessageDone MessageKind = 1
)

func (k MessageKind) String() string {
	switch k {
	case MessageEvent:
		return "event"
	case MessageDone:
		return "done"
	default:
		return "unknown(" + strconv.FormatUint(uint64(k), 10) + ")"
	}
}

// MaxStringLen bounds the scan WriteString performs when the caller does
// not supply a length.
const MaxStringLen = 4096

// maxAllocLen caps the size ReadString will allocate for. A peer claiming
// more than this is treated as a protocol violation.
const maxAllocLen = 16 * 1024 * 1024

// sizeWidth is the width of the platform size type on the wire.
const sizeWidth = strconv.IntSize / 8

var (
	// ErrShortRead is returned when the peer closes the stream partway
	// through a field.
	ErrShortRead = errors.New("wire: connection closed mid-message")

	// ErrStringTooLong is returned when a string does not fit the buffer
	// handed to ReadStringInto, or exceeds the allocation cap.
	ErrStringTooLong = errors.New("wire: string exceeds capacity")
)

// retryable reports whether a transport error should be retried in place.
func retryable(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// Writer encodes primitives onto a byte stream.
type Writer struct {
	w       io.Writer
	scratch [8]byte
}

// NewWriter returns a Writer on w. Callers writing to a socket usually
// wrap it in a bufio.Writer and flush once per message.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(p []byte) error {
	for len(p) > 0 {
		n, err := w.w.Write(p)
		if n > 0 {
			p = p[n:]
		}
		if err != nil {
			if retryable(err) {
				continue
			}
			return err
		}
		if n <= 0 && len(p) > 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

func (w *Writer) writeUint32(v uint32) error {
	binary.NativeEndian.PutUint32(w.scratch[:4], v)
	return w.write(w.scratch[:4])
}

// WriteMessageKind writes a message discriminator.
func (w *Writer) WriteMessageKind(k MessageKind) error {
	return w.writeUint32(uint32(k))
}

// WriteTag writes an event-kind tag.
func (w *Writer) WriteTag(tag uint32) error {
	return w.writeUint32(tag)
}

// WriteInt writes a signed 32-bit integer.
func (w *Writer) WriteInt(v int32) error {
	return w.writeUint32(uint32(v))
}

// WritePID writes a process id.
func (w *Writer) WritePID(pid int32) error {
	return w.writeUint32(uint32(pid))
}

// WriteSize writes a platform size value.
func (w *Writer) WriteSize(v uint64) error {
	if sizeWidth == 4 {
		if v > 0xFFFFFFFF {
			return fmt.Errorf("wire: size %d overflows %d-byte size field", v, sizeWidth)
		}
		return w.writeUint32(uint32(v))
	}
	binary.NativeEndian.PutUint64(w.scratch[:8], v)
	return w.write(w.scratch[:8])
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	w.scratch[0] = b
	return w.write(w.scratch[:1])
}

// WriteString writes a size-prefixed string without a terminator. When n
// is zero the length is found by scanning s up to the first NUL, bounded
// by MaxStringLen.
func (w *Writer) WriteString(s string, n int) error {
	switch {
	case n == 0:
		n = boundedLen(s)
	case n < 0 || n > len(s):
		return fmt.Errorf("wire: string length %d out of range for %d-byte value", n, len(s))
	}
	if err := w.WriteSize(uint64(n)); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return w.write([]byte(s[:n]))
}

func boundedLen(s string) int {
	if len(s) > MaxStringLen {
		s = s[:MaxStringLen]
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		return i
	}
	return len(s)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Reader decodes primitives from a byte stream.
type Reader struct {
	r       io.Reader
	scratch [8]byte
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// readFull fills p. A stream that ends before any byte was read returns
// io.EOF; one that ends partway returns ErrShortRead. A read that makes no
// progress without reporting an error is also treated as a short read.
func (r *Reader) readFull(p []byte) error {
	read := 0
	for read < len(p) {
		n, err := r.r.Read(p[read:])
		if n > 0 {
			read += n
		}
		if err != nil {
			if retryable(err) {
				continue
			}
			if read == len(p) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				if read == 0 {
					return io.EOF
				}
				return ErrShortRead
			}
			return err
		}
		if n <= 0 {
			if read == 0 {
				return io.EOF
			}
			return ErrShortRead
		}
	}
	return nil
}

// field reads a field inside a message, where EOF is always a short read.
func (r *Reader) field(p []byte) error {
	if err := r.readFull(p); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrShortRead
		}
		return err
	}
	return nil
}

func (r *Reader) readUint32() (uint32, error) {
	if err := r.field(r.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(r.scratch[:4]), nil
}

// ReadMessageKind reads a message discriminator. It returns io.EOF when
// the peer closed the stream cleanly between messages.
func (r *Reader) ReadMessageKind() (MessageKind, error) {
	if err := r.readFull(r.scratch[:4]); err != nil {
		return 0, err
	}
	return MessageKind(binary.NativeEndian.Uint32(r.scratch[:4])), nil
}

// ReadTag reads an event-kind tag.
func (r *Reader) ReadTag() (uint32, error) {
	return r.readUint32()
}

// ReadInt reads a signed 32-bit integer.
func (r *Reader) ReadInt() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

// ReadPID reads a process id.
func (r *Reader) ReadPID() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

// ReadSize reads a platform size value.
func (r *Reader) ReadSize() (uint64, error) {
	if sizeWidth == 4 {
		v, err := r.readUint32()
		return uint64(v), err
	}
	if err := r.field(r.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(r.scratch[:8]), nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.field(r.scratch[:1]); err != nil {
		return 0, err
	}
	return r.scratch[0], nil
}

// ReadString reads a size-prefixed string into a freshly allocated value
// of exactly the transmitted length.
func (r *Reader) ReadString() (string, error) {
	size, err := r.ReadSize()
	if err != nil {
		return "", err
	}
	if size > maxAllocLen {
		return "", fmt.Errorf("%w: %d bytes announced, limit %d", ErrStringTooLong, size, maxAllocLen)
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := r.field(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadStringInto reads a size-prefixed string into buf without allocating
// and returns its length. A string longer than buf is ErrStringTooLong; the
// stream is then positioned mid-message and must be abandoned.
func (r *Reader) ReadStringInto(buf []byte) (int, error) {
	size, err := r.ReadSize()
	if err != nil {
		return 0, err
	}
	if size > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: buffer of %d bytes is too small for string of %d bytes", ErrStringTooLong, len(buf), size)
	}
	n := int(size)
	if err := r.field(buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}
