package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/valer-cara/pobserve/internal/event"
)

// printer writes events as they are delivered. It is only called from
// the observation loop, so it needs no locking.
type printer struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text":
		return &printer{w: w}, nil
	case "json":
		return &printer{w: w, json: true, enc: json.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want text or json)", format)
}

type jsonRecord struct {
	Kind  string      `json:"kind"`
	Event event.Event `json:"event"`
}

func (p *printer) print(ev event.Event) {
	if p.json {
		_ = p.enc.Encode(jsonRecord{Kind: ev.Kind().String(), Event: ev})
		return
	}
	fmt.Fprintln(p.w, formatText(ev))
}

func formatText(ev event.Event) string {
	var b strings.Builder
	switch e := ev.(type) {
	case *event.ExecEvent:
		fmt.Fprintf(&b, "exec  pid=%d ppid=%d path=%s argv=%q", e.PID, e.PPID, e.Path, e.Argv)
		if e.CWD != "" {
			fmt.Fprintf(&b, " cwd=%s", e.CWD)
		}
		if e.PathEnv != "" {
			fmt.Fprintf(&b, " PATH=%s", e.PathEnv)
		}
		if len(e.Env) > 0 {
			fmt.Fprintf(&b, " env=%q", e.Env)
		}
	case *event.ExitEvent:
		fmt.Fprintf(&b, "exit  pid=%d ppid=%d status=%d", e.PID, e.PPID, e.Status)
	case *event.OpenEvent:
		fmt.Fprintf(&b, "open  pid=%d path=%s flags=%#o mode=%#o ret=%d", e.PID, e.Path, e.Flags, e.Mode, e.Return)
		if e.CWD != "" {
			fmt.Fprintf(&b, " cwd=%s", e.CWD)
		}
	case *event.CloseEvent:
		fmt.Fprintf(&b, "close pid=%d fd=%d ret=%d", e.PID, e.FD, e.Return)
	default:
		fmt.Fprintf(&b, "%s %+v", ev.Kind(), ev)
	}
	return b.String()
}

func (p *printer) handlers() handlers {
	return handlers{
		exec:  func(ev *event.ExecEvent, _ any) { p.print(ev) },
		exit:  func(ev *event.ExitEvent, _ any) { p.print(ev) },
		open:  func(ev *event.OpenEvent, _ any) { p.print(ev) },
		close: func(ev *event.CloseEvent, _ any) { p.print(ev) },
	}
}
