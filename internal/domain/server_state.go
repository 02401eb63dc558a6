package domain

import (
	"fmt"
	"sync"
	"time"
)

type ServerState uint8

const (
	StateUnstarted ServerState = iota
	StateIndexing
	StateReady
	StateServing
	StateStopping
	StateStopped
)

var stateNames = [...]string{"unstarted", "indexing", "ready", "serving", "stopping", "stopped"}

func (s ServerState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s ServerState) Valid() bool {
	return s <= StateStopped
}

func (s ServerState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown server state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *ServerState) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = ServerState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown server state %q", text)
}

// Accepting reports whether queries are served in this state.
func (s ServerState) Accepting() bool {
	return s == StateReady || s == StateServing
}

// Listening reports whether sessions may be opened in this state. Sessions
// opened before Ready can ask for status but get ErrNotReady for queries.
func (s ServerState) Listening() bool {
	return s < StateStopping
}

var allowedTransitions = map[ServerState][]ServerState{
	StateUnstarted: {StateIndexing, StateStopped},
	StateIndexing:  {StateReady, StateStopped},
	StateReady:     {StateServing, StateStopping},
	StateServing:   {StateReady, StateStopping},
	StateStopping:  {StateStopped},
}

type StateTransition struct {
	From ServerState
	To   ServerState
	At   time.Time
}

// StateMachine owns the server state and the active session count. Every
// accepted transition is delivered to subscribers in order; a subscriber
// whose buffer is full misses the event.
type StateMachine struct {
	mu          sync.Mutex
	state       ServerState
	active      int
	subscribers []chan StateTransition
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		state: StateUnstarted,
	}
}

func (m *StateMachine) State() ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Transition moves to the given state if the transition table allows it.
func (m *StateMachine) Transition(to ServerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

func (m *StateMachine) transition(to ServerState) error {
	for _, allowed := range allowedTransitions[m.state] {
		if allowed == to {
			m.notify(StateTransition{From: m.state, To: to, At: time.Now()})
			m.state = to
			if to == StateReady && m.active > 0 {
				return m.transition(StateServing)
			}
			return nil
		}
	}
	return fmt.Errorf("illegal server state transition %s -> %s", m.state, to)
}

// SessionOpened registers a new session. The first session moves Ready to
// Serving; sessions opened while Indexing move the server to Serving as soon
// as it becomes Ready.
func (m *StateMachine) SessionOpened() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Listening() {
		return ErrServerStopping
	}
	m.active++
	if m.state == StateReady {
		return m.transition(StateServing)
	}
	return nil
}

// SessionClosed unregisters a session. The last one moves Serving back to Ready.
func (m *StateMachine) SessionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
	if m.active == 0 && m.state == StateServing {
		_ = m.transition(StateReady)
	}
}

// BeginStop moves Ready or Serving to Stopping. It reports false when the
// server is not in a stoppable state, including when a stop is already running.
func (m *StateMachine) BeginStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Accepting() {
		return false
	}
	return m.transition(StateStopping) == nil
}

func (m *StateMachine) Subscribe() <-chan StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan StateTransition, 32)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *StateMachine) notify(t StateTransition) {
	for _, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
}
