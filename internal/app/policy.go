package app

import (
	"errors"

	"github.com/dkeye/Pulse/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection that failed to take a frame.
type Policy interface {
	OnBackPressure(c *Connection, err error) BackpressureAction
}

// SimplePolicy kicks slow consumers and ignores already-closed ones.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *Connection, err error) BackpressureAction {
	if errors.Is(err, domain.ErrConnectionClosed) {
		return DropFrame
	}
	return KickMember
}
