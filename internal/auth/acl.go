package auth

import (
	"context"
	"strings"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// ACL lets anyone join ordinary rooms and only admins join rooms under the admin prefix.
type ACL struct {
	admins map[domain.UserID]struct{}
	prefix string
}

func NewACL(admins []string, adminRoomPrefix string) *ACL {
	a := &ACL{admins: make(map[domain.UserID]struct{}, len(admins)), prefix: adminRoomPrefix}
	for _, u := range admins {
		a.admins[domain.UserID(u)] = struct{}{}
	}
	return a
}

func (a *ACL) IsAdmin(user domain.UserID) bool {
	_, ok := a.admins[user]
	return ok
}

func (a *ACL) AuthorizeRoomJoin(_ context.Context, user domain.UserID, room domain.RoomID) (bool, error) {
	if a.prefix == "" || !strings.HasPrefix(string(room), a.prefix) {
		return true, nil
	}
	if a.IsAdmin(user) {
		return true, nil
	}
	log.Info().Str("module", "auth.acl").Str("user", string(user)).Str("room", string(room)).Msg("admin room join refused")
	return false, nil
}
