package agentclient

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConnectionState is the connection lifecycle shared by every client variant.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// transitions lists the allowed target states for each source state.
var transitions = map[ConnectionState][]ConnectionState{
	StateIdle:         {StateConnecting, StateDisconnected},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateError, StateDisconnected},
	StateDisconnected: {StateConnecting},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to ConnectionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the state represents a live or establishing session.
func (s ConnectionState) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// stateMachine holds the current state and notifies subscribers on change.
type stateMachine struct {
	mu      sync.Mutex
	state   ConnectionState
	emitter *Emitter[ConnectionState]
	logger  *slog.Logger
}

func newStateMachine(logger *slog.Logger) *stateMachine {
	return &stateMachine{
		state:   StateIdle,
		emitter: NewEmitter[ConnectionState](logger),
		logger:  logger,
	}
}

func (m *stateMachine) get() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// swap moves to the given state without notifying subscribers. It reports
// whether the value changed. Callers that hold their own lock use swap and
// then notify after releasing it.
func (m *stateMachine) swap(to ConnectionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		if m.logger != nil {
			m.logger.Debug("Rejected state transition", "from", from, "to", to)
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	if m.logger != nil {
		m.logger.Debug("State changed", "from", from, "to", to)
	}
	return true, nil
}

// notify delivers a state value to subscribers.
func (m *stateMachine) notify(s ConnectionState) {
	m.emitter.Emit(s)
}

// set moves to the given state and emits it when the value changed.
// Setting the current value again is a silent no-op.
func (m *stateMachine) set(to ConnectionState) error {
	changed, err := m.swap(to)
	if err != nil {
		return err
	}
	if changed {
		m.notify(to)
	}
	return nil
}
