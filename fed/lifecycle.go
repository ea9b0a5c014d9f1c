package fed

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a participant.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StateShuttingDown
	StateTerminated
)

var stateNames = map[State]string{
	StateUninitialized: "Uninitialized",
	StateReady:         "Ready",
	StateRunning:       "Running",
	StateShuttingDown:  "ShuttingDown",
	StateTerminated:    "Terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// A Lifecycle tracks the state of a participant and enforces the order
// Uninitialized, Ready, Running, ShuttingDown, Terminated.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// TransitionFrom moves from one state to the next, failing with
// ErrLifecycleViolation when the participant is not in the expected state.
func (l *Lifecycle) TransitionFrom(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return fmt.Errorf("%w: in state %s, not %s, cannot enter %s",
			ErrLifecycleViolation, l.state, from, to)
	}

	l.state = to

	return nil
}

// MustTransition is TransitionFrom for transitions whose failure is a
// programming error.
func (l *Lifecycle) MustTransition(from, to State) {
	if err := l.TransitionFrom(from, to); err != nil {
		panic(err)
	}
}

// BeginShutdown enters ShuttingDown from either Running or Ready, the two
// states a participant may be shut down from.
func (l *Lifecycle) BeginShutdown() error {
	if err := l.TransitionFrom(StateRunning, StateShuttingDown); err == nil {
		return nil
	}

	return l.TransitionFrom(StateReady, StateShuttingDown)
}

// A Participant is one process of a deployment: a server, a scheduler, or a
// client. Setup establishes transport-level agreements, MainLoop runs until
// the work is done or an Exit envelope arrives, and Shutdown releases what
// Setup acquired.
type Participant interface {
	Named

	Setup() error
	MainLoop() error
	Shutdown() error
}

// Run drives a participant through its lifecycle. Shutdown runs whenever
// Setup succeeded, even if the main loop failed; the shutdown error is
// reported only when the main loop's is nil.
func Run(p Participant) error {
	if err := p.Setup(); err != nil {
		return fmt.Errorf("%s setup: %w", p.Name(), err)
	}

	loopErr := p.MainLoop()
	shutdownErr := p.Shutdown()

	if loopErr != nil {
		return fmt.Errorf("%s main loop: %w", p.Name(), loopErr)
	}

	if shutdownErr != nil {
		return fmt.Errorf("%s shutdown: %w", p.Name(), shutdownErr)
	}

	return nil
}
