package reconciler

import (
	"fmt"
	"slices"
)

// State is a step in the lifecycle of one provisioned session.
type State string

const (
	StateRequested     State = "requested"
	StateProvisioned   State = "provisioned"
	StateActive        State = "active"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateRequested:     {StateProvisioned, StateFailed},
	StateProvisioned:   {StateActive, StateFailed},
	StateActive:        {StateDisconnecting},
	StateDisconnecting: {StateDisconnected, StateFailed},
}

// Session records the path one operation took through the state machine.
type Session struct {
	IdentityID string  `json:"identity_id,omitempty"`
	ServerID   string  `json:"server_id,omitempty"`
	Handle     string  `json:"handle,omitempty"`
	State      State   `json:"state"`
	Path       []State `json:"path"`
}

func newSession(start State) *Session {
	return &Session{State: start, Path: []State{start}}
}

// advance moves the session to next. An illegal transition is a bug in the
// caller and is reported rather than applied.
func (s *Session) advance(next State) error {
	if !slices.Contains(transitions[s.State], next) {
		return fmt.Errorf("reconciler: illegal session transition %s -> %s", s.State, next)
	}
	s.State = next
	s.Path = append(s.Path, next)
	return nil
}

// Terminal reports whether no further transition is possible.
func (s *Session) Terminal() bool {
	return len(transitions[s.State]) == 0
}
