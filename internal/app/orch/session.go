package orch

import (
	"sync/atomic"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is the router's per-connection state. One goroutine drives Handle
// for a session; Close may come from anywhere.
type Session struct {
	ID        domain.ConnID
	Transport core.Transport

	state atomic.Int32
	user  atomic.Pointer[domain.UserID]
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) User() domain.UserID {
	if u := s.user.Load(); u != nil {
		return *u
	}
	return ""
}

func (s *Session) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}
