package event

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/valer-cara/pobserve/internal/optcode"
	"github.com/valer-cara/pobserve/internal/wire"
)

// registration is what a controller asked for on one kind.
type registration struct {
	opts     uint8
	callback any
	userdata any
}

// Context collects the kinds a controller wants to observe, their options
// and callbacks. Configure it before a run starts; a running supervisor
// reads it without locking.
type Context struct {
	regs        [KindCount]registration
	resourceDir string
}

// NewContext returns a Context observing nothing.
func NewContext() *Context {
	return &Context{}
}

// ObserveExec registers cb for EXEC events. A nil cb stops observing.
func (c *Context) ObserveExec(opts ExecOptions, cb ExecFunc, userdata any) {
	if cb == nil {
		c.regs[KindExec] = registration{}
		return
	}
	c.regs[KindExec] = registration{opts: uint8(opts), callback: cb, userdata: userdata}
}

// ObserveExit registers cb for EXIT events. A nil cb stops observing.
func (c *Context) ObserveExit(opts ExitOptions, cb ExitFunc, userdata any) {
	if cb == nil {
		c.regs[KindExit] = registration{}
		return
	}
	c.regs[KindExit] = registration{opts: uint8(opts), callback: cb, userdata: userdata}
}

// ObserveOpen registers cb for OPEN events. A nil cb stops observing.
func (c *Context) ObserveOpen(opts OpenOptions, cb OpenFunc, userdata any) {
	if cb == nil {
		c.regs[KindOpen] = registration{}
		return
	}
	c.regs[KindOpen] = registration{opts: uint8(opts), callback: cb, userdata: userdata}
}

// ObserveClose registers cb for CLOSE events. A nil cb stops observing.
func (c *Context) ObserveClose(opts CloseOptions, cb CloseFunc, userdata any) {
	if cb == nil {
		c.regs[KindClose] = registration{}
		return
	}
	c.regs[KindClose] = registration{opts: uint8(opts), callback: cb, userdata: userdata}
}

// SetResourceDir overrides the directory the shim libraries are loaded
// from. An empty dir restores the default.
func (c *Context) SetResourceDir(dir string) {
	c.resourceDir = dir
}

// Observing reports whether a callback is registered for k.
func (c *Context) Observing(k Kind) bool {
	return k < KindCount && c.regs[k].callback != nil
}

// Options returns the options shims are told to use for k.
//
// The exec shim is always loaded, because it is what carries the
// instrumentation into every process the observed tree spawns. When
// nobody registered for EXEC the shim still loads but runs with
// ExecSilent, so the tree stays instrumented without surfacing events.
func (c *Context) Options(k Kind) uint8 {
	if k >= KindCount {
		return 0
	}
	if k == KindExec && !c.Observing(KindExec) {
		return uint8(ExecSilent)
	}
	return c.regs[k].opts
}

// ResourceDir returns the directory shim libraries are resolved against.
func (c *Context) ResourceDir() string {
	if c.resourceDir != "" {
		return c.resourceDir
	}
	return defaultResourceDir()
}

// executable is swapped in tests.
var executable = os.Executable

// defaultResourceDir is the directory holding the running binary, so
// shims installed next to it are found without configuration.
func defaultResourceDir() string {
	path, err := executable()
	if err != nil || path == "" {
		return "./"
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return "./"
	}
	return dir
}

// Libraries returns the colon-separated shim paths to preload: the exec
// shim (always, see Options) and the shim of every other observed kind.
func (c *Context) Libraries() string {
	dir := strings.TrimSuffix(c.ResourceDir(), "/")
	var libs []string
	for k := Kind(0); k < KindCount; k++ {
		if k != KindExec && !c.Observing(k) {
			continue
		}
		libs = append(libs, dir+"/"+ShimName(k)+LibrarySuffix)
	}
	return strings.Join(libs, ":")
}

// OptionString returns one encoded option character per kind, indexed by
// tag.
func (c *Context) OptionString() string {
	var opts [KindCount]byte
	for k := Kind(0); k < KindCount; k++ {
		opts[k] = optcode.Encode(c.Options(k))
	}
	return string(opts[:])
}

// Dispatch decodes one kind-k event from r and hands it to the registered
// callback, if any. The event is consumed from the stream either way.
func (c *Context) Dispatch(k Kind, r *wire.Reader) error {
	ev, err := Decode(r, k, c.Options(k))
	if err != nil {
		return err
	}
	if reg := c.regs[k]; reg.callback != nil {
		registry[k].deliver(reg.callback, ev, reg.userdata)
	}
	return nil
}

// Release drops every registration and the resource override.
func (c *Context) Release() {
	*c = Context{}
}
