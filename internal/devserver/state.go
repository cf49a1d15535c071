package devserver

// State is the lifecycle state of a Server.
type State int

const (
	Idle State = iota
	Starting
	RunningOneShot
	RunningWatching
	Restarting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case RunningOneShot:
		return "running:one-shot"
	case RunningWatching:
		return "running:watching"
	case Restarting:
		return "restarting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Running reports whether s is one of the running states.
func (s State) Running() bool {
	return s == RunningOneShot || s == RunningWatching
}

// eventKind enumerates everything the event loop reacts to.
type eventKind int

const (
	evProcessMessage eventKind = iota
	evProcessExit
	evProcessError
	evWatcherReady
	evWatcherChange
	evWatcherError
	evRestartTimer
	evShutdown
)

func (k eventKind) String() string {
	switch k {
	case evProcessMessage:
		return "process-message"
	case evProcessExit:
		return "process-exit"
	case evProcessError:
		return "process-error"
	case evWatcherReady:
		return "watcher-ready"
	case evWatcherChange:
		return "watcher-change"
	case evWatcherError:
		return "watcher-error"
	case evRestartTimer:
		return "restart-timer"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
