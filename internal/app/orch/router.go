package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Handle routes one inbound frame. It is called from the session's single
// dispatch goroutine, so frames of one connection are handled in order.
func (o *Orchestrator) Handle(ctx context.Context, s *Session, data []byte) {
	state := s.State()
	if state >= StateClosing {
		return
	}

	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.Type != gjson.String {
		o.warn(s, "frame without type", nil)
		if state != StateConnecting {
			o.replyError(ctx, s, domain.CodeBadFrame, "missing type", "")
		}
		return
	}
	if state == StateConnecting && typ.Str != domain.FrameAuth {
		o.warn(s, "frame before auth dropped", nil)
		return
	}

	var f domain.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		o.warn(s, "malformed frame", err)
		o.replyError(ctx, s, domain.CodeBadFrame, "malformed frame", "")
		return
	}
	if err := o.Service.Conns.Heartbeat(s.ID); err != nil {
		// swept or kicked while the frame was queued
		o.warn(s, "frame for a removed connection", err)
		o.Close(s, domain.CodeInternal)
		return
	}

	if state != StateConnecting && !o.events.Allow(string(s.User())) {
		o.warn(s, "event rate exceeded", nil)
		o.replyError(ctx, s, domain.CodeRateLimited, "too many events", f.Room)
		return
	}

	switch f.Type {
	case domain.FrameAuth:
		o.handleAuth(ctx, s, f)
	case domain.FrameJoin:
		o.handleJoin(ctx, s, f)
	case domain.FrameLeave:
		o.handleLeave(ctx, s, f)
	case domain.FrameTypingStart:
		o.handleTyping(ctx, s, f, true)
	case domain.FrameTypingStop:
		o.handleTyping(ctx, s, f, false)
	case domain.FrameHeartbeat:
		o.handleHeartbeat(ctx, s)
	case domain.FrameDomainEvent:
		o.handleDomainEvent(ctx, s, f)
	case domain.FrameLogout:
		o.Close(s, domain.CodeLogout)
	default:
		o.warn(s, "unknown frame type "+f.Type, nil)
		o.replyError(ctx, s, domain.CodeBadFrame, "unknown type", f.Room)
	}
}

func (o *Orchestrator) handleAuth(ctx context.Context, s *Session, f domain.ClientFrame) {
	var p domain.AuthPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			o.failAuth(ctx, s, err)
			return
		}
	}
	user, err := o.Identity.ResolveIdentity(ctx, p.Token)
	if err != nil {
		o.failAuth(ctx, s, err)
		return
	}

	if err := o.Service.Conns.Authenticate(s.ID, user); err != nil {
		if errors.Is(err, domain.ErrAlreadyAuthenticated) {
			o.replyError(ctx, s, domain.CodeAlreadyAuthed, "connection already authenticated as another user", "")
			return
		}
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(s.ID)).Msg("authenticate")
		o.Close(s, domain.CodeInternal)
		return
	}
	s.user.Store(&user)
	s.advance(StateConnecting, StateAuthenticated)

	online := len(o.Service.Presence.Online())
	o.reply(ctx, s, domain.Reply{Type: domain.ReplyAuthenticated, User: user, OnlineUsers: &online})
}

func (o *Orchestrator) failAuth(ctx context.Context, s *Session, err error) {
	if s.State() != StateConnecting {
		o.replyError(ctx, s, domain.CodeUnauthenticated, "invalid credential", "")
		return
	}
	log.Info().Err(err).Str("module", "orch").Str("conn", string(s.ID)).Msg("authentication failed")
	o.replyError(ctx, s, domain.CodeUnauthenticated, "invalid credential", "")
	o.Close(s, domain.CodeUnauthenticated)
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, s *Session) {
	o.Service.Presence.Touch(s.User())
	s.advance(StateAuthenticated, StateActive)
	o.reply(ctx, s, domain.Reply{Type: domain.ReplyPong})
}
