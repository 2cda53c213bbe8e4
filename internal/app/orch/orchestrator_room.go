package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleJoin(ctx context.Context, s *Session, f domain.ClientFrame) {
	if err := domain.ValidateRoomID(f.Room); err != nil {
		o.replyError(ctx, s, domain.CodeBadFrame, err.Error(), f.Room)
		return
	}
	user := s.User()
	ok, err := o.Authorizer.AuthorizeRoomJoin(ctx, user, f.Room)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", string(user)).Str("room", string(f.Room)).Msg("authorize join")
		o.replyError(ctx, s, domain.CodeInternal, "authorization unavailable", f.Room)
		return
	}
	if !ok {
		o.replyError(ctx, s, domain.CodeForbidden, "not allowed to join", f.Room)
		return
	}

	// Room registry first, then the connection's own set, so a concurrent
	// deregistration can never leave the room holding a dead connection.
	if err := o.Service.Rooms.Join(f.Room, s.ID, user); err != nil && !errors.Is(err, domain.ErrAlreadyMember) {
		log.Error().Err(err).Str("module", "orch").Str("room", string(f.Room)).Msg("join")
		o.replyError(ctx, s, domain.CodeInternal, "join failed", f.Room)
		return
	}
	if err := o.Service.Conns.AddRoom(s.ID, f.Room); err != nil {
		o.Service.Rooms.Leave(f.Room, s.ID)
		return
	}
	if _, still := o.Service.Conns.Get(s.ID); !still {
		o.Service.Rooms.Leave(f.Room, s.ID)
		return
	}

	s.advance(StateAuthenticated, StateActive)
	log.Info().Str("module", "orch").Str("conn", string(s.ID)).Str("user", string(user)).Str("room", string(f.Room)).Msg("joined room")
	o.reply(ctx, s, domain.Reply{Type: domain.ReplyJoined, Room: f.Room, Members: o.Service.Rooms.Members(f.Room)})
}

func (o *Orchestrator) handleLeave(ctx context.Context, s *Session, f domain.ClientFrame) {
	if err := domain.ValidateRoomID(f.Room); err != nil {
		o.replyError(ctx, s, domain.CodeBadFrame, err.Error(), f.Room)
		return
	}
	o.Service.Conns.RemoveRoom(s.ID, f.Room)
	if o.Service.Rooms.Leave(f.Room, s.ID) {
		o.Service.Presence.OnTypingStop(s.User(), f.Room)
		log.Info().Str("module", "orch").Str("conn", string(s.ID)).Str("room", string(f.Room)).Msg("left room")
	}
	o.reply(ctx, s, domain.Reply{Type: domain.ReplyLeft, Room: f.Room})
}

func (o *Orchestrator) requireMember(ctx context.Context, s *Session, room domain.RoomID) bool {
	c, ok := o.Service.Conns.Get(s.ID)
	if !ok {
		return false
	}
	if !c.InRoom(room) {
		o.replyError(ctx, s, domain.CodeNotMember, "join the room first", room)
		return false
	}
	return true
}

func (o *Orchestrator) handleTyping(ctx context.Context, s *Session, f domain.ClientFrame, start bool) {
	if !o.requireMember(ctx, s, f.Room) {
		return
	}
	user := s.User()
	action := "stop"
	if start {
		action = "start"
		o.Service.Presence.OnTyping(user, f.Room)
	} else {
		o.Service.Presence.OnTypingStop(user, f.Room)
	}
	s.advance(StateAuthenticated, StateActive)

	payload, _ := json.Marshal(map[string]string{"action": action})
	env := domain.Envelope{Type: domain.EventTyping, User: user, Payload: payload}.Skipping(s.ID)
	if _, err := o.Service.Dispatcher.PublishToRoom(ctx, f.Room, env); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(f.Room)).Msg("typing relay")
	}
}

func (o *Orchestrator) handleDomainEvent(ctx context.Context, s *Session, f domain.ClientFrame) {
	if !o.requireMember(ctx, s, f.Room) {
		return
	}
	var p domain.DomainEventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		o.replyError(ctx, s, domain.CodeBadFrame, "malformed domain event", f.Room)
		return
	}
	t := domain.EventPostUpdate
	if p.EventType != "" {
		parsed, err := domain.ParseEventType(p.EventType)
		if err != nil || parsed == domain.EventPresenceChange || parsed == domain.EventServerStatus {
			o.replyError(ctx, s, domain.CodeBadFrame, "event type not allowed from clients", f.Room)
			return
		}
		t = parsed
	}
	s.advance(StateAuthenticated, StateActive)

	env := domain.Envelope{Type: t, User: s.User(), Payload: p.Data}
	if _, err := o.Service.Dispatcher.PublishToRoom(ctx, f.Room, env); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("room", string(f.Room)).Msg("domain event relay")
	}
}
