package event

import (
	"errors"
	"fmt"

	"github.com/valer-cara/pobserve/internal/wire"
)

// ErrUnknownKind is returned for an event tag at or above KindCount.
var ErrUnknownKind = errors.New("event: unknown event kind")

// maxVectorLen bounds argv/envp counts announced by a peer.
const maxVectorLen = 1 << 16

// entry is one registry row.
type entry struct {
	// name is the short kind name, also the suffix of the shim library.
	name string
	// decode reads the kind's fields, given the effective options.
	decode func(d *decoder, opts uint8) Event
	// encode writes the kind's fields, given the effective options.
	encode func(e *encoder, ev Event, opts uint8)
	// deliver invokes a registered callback of the kind's signature.
	deliver func(cb any, ev Event, userdata any)
}

// ShimName returns the base name of the shim library for k, without the
// platform suffix.
func ShimName(k Kind) string {
	return "libpobserve-" + registry[k].name
}

var registry = [KindCount]entry{
	KindExec: {
		name:    "exec",
		decode:  decodeExec,
		encode:  encodeExec,
		deliver: deliverAs[*ExecEvent, ExecFunc],
	},
	KindExit: {
		name:    "exit",
		decode:  decodeExit,
		encode:  encodeExit,
		deliver: deliverAs[*ExitEvent, ExitFunc],
	},
	KindOpen: {
		name:    "open",
		decode:  decodeOpen,
		encode:  encodeOpen,
		deliver: deliverAs[*OpenEvent, OpenFunc],
	},
	KindClose: {
		name:    "close",
		decode:  decodeClose,
		encode:  encodeClose,
		deliver: deliverAs[*CloseEvent, CloseFunc],
	},
}

func deliverAs[E Event, F ~func(E, any)](cb any, ev Event, userdata any) {
	f, ok := cb.(F)
	if !ok {
		return
	}
	e, ok := ev.(E)
	if !ok {
		return
	}
	f(e, userdata)
}

// Encode writes ev as a complete EVENT message. opts decides which optional
// fields are written and must match what the reader will decode with.
func Encode(w *wire.Writer, ev Event, opts uint8) error {
	k := ev.Kind()
	if k >= KindCount {
		return fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	if err := w.WriteMessageKind(wire.MessageEvent); err != nil {
		return err
	}
	if err := w.WriteTag(uint32(k)); err != nil {
		return err
	}
	e := &encoder{w: w}
	registry[k].encode(e, ev, opts)
	return e.err
}

// Decode reads the fields of a kind-k event whose tag has already been
// consumed. All fields are read even when the caller discards the result.
func Decode(r *wire.Reader, k Kind, opts uint8) (Event, error) {
	if k >= KindCount {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	d := &decoder{r: r}
	ev := registry[k].decode(d, opts)
	if d.err != nil {
		return nil, fmt.Errorf("decode %s event: %w", registry[k].name, d.err)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Per-kind field sequences
// ---------------------------------------------------------------------------

func decodeExec(d *decoder, opts uint8) Event {
	ev := &ExecEvent{}
	ev.Path = d.str()
	ev.Argv = d.strs()
	if ExecOptions(opts)&ExecEnv != 0 {
		ev.Env = d.strs()
	}
	if ExecOptions(opts)&ExecPath != 0 {
		ev.PathEnv = d.str()
	}
	if ExecOptions(opts)&ExecCWD != 0 {
		ev.CWD = d.str()
	}
	ev.PID = d.pid()
	ev.PPID = d.pid()
	return ev
}

func encodeExec(e *encoder, ev Event, opts uint8) {
	x := ev.(*ExecEvent)
	e.str(x.Path)
	e.strs(x.Argv)
	if ExecOptions(opts)&ExecEnv != 0 {
		e.strs(x.Env)
	}
	if ExecOptions(opts)&ExecPath != 0 {
		e.str(x.PathEnv)
	}
	if ExecOptions(opts)&ExecCWD != 0 {
		e.str(x.CWD)
	}
	e.pid(x.PID)
	e.pid(x.PPID)
}

func decodeExit(d *decoder, _ uint8) Event {
	ev := &ExitEvent{}
	ev.Status = d.int()
	ev.PID = d.pid()
	ev.PPID = d.pid()
	return ev
}

func encodeExit(e *encoder, ev Event, _ uint8) {
	x := ev.(*ExitEvent)
	e.int(x.Status)
	e.pid(x.PID)
	e.pid(x.PPID)
}

func decodeOpen(d *decoder, opts uint8) Event {
	ev := &OpenEvent{}
	ev.Path = d.str()
	ev.Flags = d.int()
	ev.Mode = uint32(d.int())
	ev.Return = d.int()
	if OpenOptions(opts)&OpenCWD != 0 {
		ev.CWD = d.str()
	}
	ev.PID = d.pid()
	return ev
}

func encodeOpen(e *encoder, ev Event, opts uint8) {
	x := ev.(*OpenEvent)
	e.str(x.Path)
	e.int(x.Flags)
	e.int(int32(x.Mode))
	e.int(x.Return)
	if OpenOptions(opts)&OpenCWD != 0 {
		e.str(x.CWD)
	}
	e.pid(x.PID)
}

func decodeClose(d *decoder, _ uint8) Event {
	ev := &CloseEvent{}
	ev.FD = d.int()
	ev.Return = d.int()
	ev.PID = d.pid()
	return ev
}

func encodeClose(e *encoder, ev Event, _ uint8) {
	x := ev.(*CloseEvent)
	e.int(x.FD)
	e.int(x.Return)
	e.pid(x.PID)
}

// ---------------------------------------------------------------------------
// Sticky-error field helpers
// ---------------------------------------------------------------------------

type decoder struct {
	r   *wire.Reader
	err error
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	var s string
	s, d.err = d.r.ReadString()
	return s
}

func (d *decoder) int() int32 {
	if d.err != nil {
		return 0
	}
	var v int32
	v, d.err = d.r.ReadInt()
	return v
}

func (d *decoder) pid() int32 {
	if d.err != nil {
		return 0
	}
	var v int32
	v, d.err = d.r.ReadPID()
	return v
}

// strs reads a count followed by that many strings.
func (d *decoder) strs() []string {
	n := d.int()
	if d.err != nil {
		return nil
	}
	if n < 0 || n > maxVectorLen {
		d.err = fmt.Errorf("vector length %d out of range", n)
		return nil
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

type encoder struct {
	w   *wire.Writer
	err error
}

func (e *encoder) str(s string) {
	if e.err == nil {
		e.err = e.w.WriteString(s, len(s))
	}
}

func (e *encoder) int(v int32) {
	if e.err == nil {
		e.err = e.w.WriteInt(v)
	}
}

func (e *encoder) pid(v int32) {
	if e.err == nil {
		e.err = e.w.WritePID(v)
	}
}

func (e *encoder) strs(v []string) {
	e.int(int32(len(v)))
	for _, s := range v {
		e.str(s)
	}
}
