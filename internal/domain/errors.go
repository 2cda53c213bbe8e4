package domain

import "errors"

var (
	// ErrAuthentication is fatal to the connection.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization refuses a room join; the connection stays open.
	ErrAuthorization = errors.New("not authorized")
	// ErrDuplicateConnection means the transport reused a connection id.
	ErrDuplicateConnection  = errors.New("duplicate connection id")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated as another user")
	// ErrAlreadyMember is an idempotent success for Join.
	ErrAlreadyMember      = errors.New("already a member of room")
	ErrNotMember          = errors.New("not a member of room")
	ErrBridgeUnavailable  = errors.New("bridge unavailable")
	ErrSendTimeout        = errors.New("send timed out")
	ErrBackpressure       = errors.New("backpressure")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotFound           = errors.New("not found")
)
