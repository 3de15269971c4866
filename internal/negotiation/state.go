package negotiation

import (
	"fmt"
	"sync"

	"github.com/mataphp/jargon/internal/errors"
)

// State is a connection's position in the negotiation lifecycle.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateSecured
	StatePlain
	StateAuthenticating
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateSecured:
		return "SECURED"
	case StatePlain:
		return "PLAIN"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateActive || s == StateFailed
}

var transitions = map[State][]State{
	StateInit:           {StateNegotiating},
	StateNegotiating:    {StateSecured, StatePlain},
	StateSecured:        {StateAuthenticating},
	StatePlain:          {StateAuthenticating},
	StateAuthenticating: {StateActive},
}

// Machine tracks one connection's negotiation state. It is safe for
// concurrent use.
type Machine struct {
	mu     sync.Mutex
	state  State
	reason errors.Reason
	cfg    Configuration
}

// NewMachine returns a machine in StateInit.
func NewMachine() *Machine {
	return &Machine{state: StateInit}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reason returns the failure reason once the machine is in StateFailed.
func (m *Machine) Reason() errors.Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Configuration returns the negotiated configuration. ok is false until
// negotiation has resolved.
func (m *Machine) Configuration() (Configuration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateSecured, StatePlain, StateAuthenticating, StateActive:
		return m.cfg, true
	}
	return Configuration{}, false
}

func (m *Machine) transition(to State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return errors.E("negotiation.transition", errors.Protocol,
		errors.Errorf("illegal transition %s -> %s", m.state, to))
}

// Begin moves INIT to NEGOTIATING.
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(StateNegotiating)
}

// Resolve records the negotiated configuration and moves to SECURED or PLAIN.
func (m *Machine) Resolve(cfg Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to := StatePlain
	if cfg.Secured {
		to = StateSecured
	}
	if err := m.transition(to); err != nil {
		return err
	}
	m.cfg = cfg
	return nil
}

// Authenticate moves SECURED or PLAIN to AUTHENTICATING.
func (m *Machine) Authenticate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(StateAuthenticating)
}

// Activate moves AUTHENTICATING to ACTIVE. The configuration is frozen from here on.
func (m *Machine) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(StateActive)
}

// Fail moves any non-terminal state to FAILED and returns the error to
// surface, wrapping cause. Failing a terminal machine leaves it unchanged.
func (m *Machine) Fail(reason errors.Reason, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Terminal() {
		m.state = StateFailed
		m.reason = reason
	}
	if cause == nil {
		cause = errors.Str(string(reason))
	}
	return errors.E("negotiation", errors.Negotiation, reason, cause)
}
