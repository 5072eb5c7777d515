package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/valer-cara/pobserve/internal/config"
	"github.com/valer-cara/pobserve/internal/event"
)

// queueSize bounds the EXEC events waiting for matching. Events beyond it
// are dropped so the observation loop never waits on a notification.
const queueSize = 256

// Notifier shows one notification.
type Notifier interface {
	Notify(title, body, urgency string) error
}

// DBus sends notifications to org.freedesktop.Notifications on the
// session bus.
type DBus struct {
	conn    *dbus.Conn
	appName string
}

// NewDBus connects to the session bus.
func NewDBus(appName string) (*DBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("D-Bus session: %w", err)
	}
	return &DBus{conn: conn, appName: appName}, nil
}

var urgencies = map[string]byte{"low": 0, "normal": 1, "critical": 2}

func (d *DBus) Notify(title, body, urgency string) error {
	u, ok := urgencies[urgency]
	if !ok {
		u = urgencies["normal"]
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(u)}
	obj := d.conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	return obj.Call(
		"org.freedesktop.Notifications.Notify", 0,
		d.appName, uint32(0), "", title, body, []string{}, hints, int32(-1),
	).Err
}

// lookupUsername resolves the owner of pid. The process may be gone by
// the time the event is handled; that yields "".
func lookupUsername(pid int32) string {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ""
	}
	name, err := p.Username()
	if err != nil {
		return ""
	}
	return name
}

// Watcher matches EXEC events against its criteria off the observation
// loop and notifies for every match.
type Watcher struct {
	notifier Notifier
	username func(pid int32) string
	queue    chan event.ExecEvent

	mu       sync.RWMutex
	criteria []*Criterion
}

// NewWatcher returns a Watcher. Call Run to start processing.
func NewWatcher(criteria []*Criterion, n Notifier) *Watcher {
	return &Watcher{
		notifier: n,
		username: lookupUsername,
		queue:    make(chan event.ExecEvent, queueSize),
		criteria: criteria,
	}
}

// SetCriteria replaces the criteria.
func (w *Watcher) SetCriteria(criteria []*Criterion) {
	w.mu.Lock()
	w.criteria = criteria
	w.mu.Unlock()
}

// Reload rebuilds the criteria from cfg. On error the current ones stay.
func (w *Watcher) Reload(cfg *config.Config) {
	criteria, err := Build(cfg.Notify)
	if err != nil {
		slog.Warn("notification criteria not reloaded, keeping existing", "error", err)
		return
	}
	w.SetCriteria(criteria)
}

// HandleExec queues ev for matching. It never blocks; it has the shape
// of an event.ExecFunc.
func (w *Watcher) HandleExec(ev *event.ExecEvent, _ any) {
	select {
	case w.queue <- *ev:
	default:
		slog.Warn("notification queue full, dropping exec event", "pid", ev.PID, "path", ev.Path)
	}
}

// Run matches queued events until ctx is done and the queue is drained.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-w.queue:
			w.check(&ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-w.queue:
					w.check(&ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Watcher) check(ev *event.ExecEvent) {
	w.mu.RLock()
	criteria := w.criteria
	w.mu.RUnlock()
	if len(criteria) == 0 {
		return
	}

	var username string
	for _, c := range criteria {
		if c.needsUsername() {
			username = w.username(ev.PID)
			break
		}
	}
	p := processOf(ev, username)

	for _, c := range criteria {
		if !c.Matches(p) {
			continue
		}
		title, body := c.Format(p)
		slog.Info("criterion matched", "criterion", c.Name, "title", title, "body", body)
		if err := w.notifier.Notify(title, body, c.urgency); err != nil {
			slog.Warn("notification failed", "criterion", c.Name, "error", err)
		}
	}
}
