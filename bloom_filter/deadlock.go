package bf

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Filter locks are go-deadlock mutexes. Reporting stays off until the
// embedding program asks for it, since the default handler exits the process.
func init() {
	deadlock.Opts.Disable = true
}

// EnableDeadlockDetection reports filter locks held longer than timeout and
// lock order inversions. onDeadlock replaces the default handler, which
// exits the process. Zero or nil arguments keep the current settings.
func EnableDeadlockDetection(timeout time.Duration, onDeadlock func()) {
	if timeout > 0 {
		deadlock.Opts.DeadlockTimeout = timeout
	}
	if onDeadlock != nil {
		deadlock.Opts.OnPotentialDeadlock = onDeadlock
	}
	deadlock.Opts.Disable = false
}

func DisableDeadlockDetection() {
	deadlock.Opts.Disable = true
}
