// Package event holds the closed set of observable event kinds, the
// payload each kind carries on the wire, and the Context through which a
// controller registers interest in them.
//
// Adding a kind means adding a Kind constant before KindCount, its event
// struct and callback type, and one row in the registry table.
package event

import "strconv"

// Kind is an event-kind tag. Tags are dense: every value below KindCount
// is a valid kind and KindCount itself marks an unused slot.
type Kind uint32

const (
	KindExec Kind = iota
	KindExit
	KindOpen
	KindClose

	KindCount
)

func (k Kind) String() string {
	if k < KindCount {
		return registry[k].name
	}
	return "kind(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// KindByName returns the kind called name ("exec", "open", ...).
func KindByName(name string) (Kind, bool) {
	for k := Kind(0); k < KindCount; k++ {
		if registry[k].name == name {
			return k, true
		}
	}
	return KindCount, false
}

// ExecOptions selects the optional fields of EXEC events.
type ExecOptions uint8

const (
	ExecDefault ExecOptions = 0
	// ExecCWD adds the working directory of the exec'ing process.
	ExecCWD ExecOptions = 1 << 0
	// ExecEnv adds the environment handed to the new image.
	ExecEnv ExecOptions = 1 << 1
	// ExecPath adds the value of PATH at exec time.
	ExecPath ExecOptions = 1 << 2
	// ExecNoAccess reports exec attempts even when the target is not
	// executable.
	ExecNoAccess ExecOptions = 1 << 3
	// ExecSilent loads the exec shim for propagation only; it emits
	// nothing. Set automatically when no exec callback is registered.
	ExecSilent ExecOptions = 1 << 4
)

// ExitOptions selects the optional fields of EXIT events. None exist yet.
type ExitOptions uint8

const ExitDefault ExitOptions = 0

// OpenOptions selects the optional fields of OPEN events.
type OpenOptions uint8

const (
	OpenDefault OpenOptions = 0
	// OpenCWD adds the working directory of the opening process.
	OpenCWD OpenOptions = 1 << 0
)

// CloseOptions selects the optional fields of CLOSE events. None exist yet.
type CloseOptions uint8

const CloseDefault CloseOptions = 0

// Event is one decoded observation.
type Event interface {
	Kind() Kind
}

// ExecEvent reports a process replacing its image (or spawning one).
type ExecEvent struct {
	Path    string   `json:"path"`
	Argv    []string `json:"argv"`
	Env     []string `json:"env,omitempty"`
	PathEnv string   `json:"path_env,omitempty"`
	CWD     string   `json:"cwd,omitempty"`
	PID     int32    `json:"pid"`
	PPID    int32    `json:"ppid"`
}

func (*ExecEvent) Kind() Kind { return KindExec }

// ExitEvent reports a process exiting through the C library.
type ExitEvent struct {
	Status int32 `json:"status"`
	PID    int32 `json:"pid"`
	PPID   int32 `json:"ppid"`
}

func (*ExitEvent) Kind() Kind { return KindExit }

// OpenEvent reports an open(2) call and its result.
type OpenEvent struct {
	Path   string `json:"path"`
	Flags  int32  `json:"flags"`
	Mode   uint32 `json:"mode"`
	Return int32  `json:"return"`
	CWD    string `json:"cwd,omitempty"`
	PID    int32  `json:"pid"`
}

func (*OpenEvent) Kind() Kind { return KindOpen }

// CloseEvent reports a close(2) call and its result.
type CloseEvent struct {
	FD     int32 `json:"fd"`
	Return int32 `json:"return"`
	PID    int32 `json:"pid"`
}

func (*CloseEvent) Kind() Kind { return KindClose }

// Callback signatures. userdata is whatever was passed at registration.
type (
	ExecFunc  func(ev *ExecEvent, userdata any)
	ExitFunc  func(ev *ExitEvent, userdata any)
	OpenFunc  func(ev *OpenEvent, userdata any)
	CloseFunc func(ev *CloseEvent, userdata any)
)
