package session

// Stage identifies where a session is in its lifecycle. Stages only move
// forward; a session never returns to an earlier stage.
type Stage int

const (
	// StageUninitialized is the starting stage, before any handshake traffic.
	StageUninitialized Stage = iota

	// StageInitializing covers the initialize exchange.
	StageInitializing

	// StageConfiguring is entered only when the server requires a
	// configuration payload that has not yet been accepted.
	StageConfiguring

	// StageOperating is the normal bidirectional message exchange stage.
	StageOperating

	// StageShuttingDown drains in-flight work before the session closes.
	StageShuttingDown

	// StageClosed is the orderly terminal stage.
	StageClosed

	// StageFailed is the terminal stage for sessions that aborted. Nothing
	// leaves it.
	StageFailed
)

// String returns the stage name used in logs and error payloads.
func (s Stage) String() string {
	switch s {
	case StageUninitialized:
		return "uninitialized"
	case StageInitializing:
		return "initializing"
	case StageConfiguring:
		return "configuring"
	case StageOperating:
		return "operating"
	case StageShuttingDown:
		return "shutting_down"
	case StageClosed:
		return "closed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave the stage.
func (s Stage) Terminal() bool {
	return s == StageClosed || s == StageFailed
}

// stageOrder assigns each stage its position on the forward path. Failed
// sits outside the path and is reachable from any non-terminal stage.
var stageOrder = map[Stage]int{
	StageUninitialized: 0,
	StageInitializing:  1,
	StageConfiguring:   2,
	StageOperating:     3,
	StageShuttingDown:  4,
	StageClosed:        5,
}

// CanTransitionTo reports whether next is a legal successor of s. Legal
// moves go strictly forward along the lifecycle; Failed absorbs from any
// non-terminal stage.
func (s Stage) CanTransitionTo(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	from, ok := stageOrder[s]
	if !ok {
		return false
	}
	to, ok := stageOrder[next]
	if !ok {
		return false
	}
	return to > from
}
