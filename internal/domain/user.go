// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen = 64
	MaxRoomIDLen = 128
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type UserID string

// ValidateUserID rejects identities the auth collaborator should never hand out.
func ValidateUserID(id UserID) error {
	s := strings.TrimSpace(string(id))
	if len(s) == 0 {
		return ErrUserIDEmpty
	}
	if len(s) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
