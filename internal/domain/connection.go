package domain

import "github.com/google/uuid"

type (
	ConnID     string
	InstanceID string
)

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// NewInstanceID is generated once per process, so a restarted process is a new origin.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}
