package domain

import (
	"fmt"
	"strings"
)

type RoomID string

// Well-known rooms. Forum threads use ForumRoom.
const (
	ServerStatusRoom RoomID = "server-status"
	AdminRoom        RoomID = "admin"
)

// ForumRoom names the room carrying updates for a forum thread.
func ForumRoom(threadID string) RoomID {
	return RoomID(fmt.Sprintf("forum_%s", threadID))
}

func ValidateRoomID(id RoomID) error {
	s := strings.TrimSpace(string(id))
	if len(s) == 0 {
		return ErrRoomIDEmpty
	}
	if len(s) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}

// RoomInfo is a read-only listing entry for admin tooling.
type RoomInfo struct {
	ID           RoomID `json:"id"`
	LocalMembers int    `json:"local_members"`
	Members      int    `json:"members"`
}
