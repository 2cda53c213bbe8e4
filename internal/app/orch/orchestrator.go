package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SendTimeout     time.Duration
	EventsPerSecond int
}

// Orchestrator routes inbound client frames to the registries and the dispatcher.
type Orchestrator struct {
	Service    *app.Service
	Identity   core.IdentityResolver
	Authorizer core.Authorizer

	sendTimeout time.Duration
	events      *core.RateLimiter
	warnings    *core.RateLimiter
}

func New(svc *app.Service, identity core.IdentityResolver, authorizer core.Authorizer, opts Options) *Orchestrator {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	return &Orchestrator{
		Service:     svc,
		Identity:    identity,
		Authorizer:  authorizer,
		sendTimeout: opts.SendTimeout,
		events:      core.NewRateLimiter(opts.EventsPerSecond, time.Second),
		warnings:    core.NewRateLimiter(5, 10*time.Second),
	}
}

// Open registers a freshly accepted transport and returns its session in
// the Connecting state. A duplicate transport ID is logged and refused.
func (o *Orchestrator) Open(t core.Transport) (*Session, error) {
	id, err := o.Service.Conns.Register(t)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("conn", string(t.ID())).Msg("refusing transport")
		return nil, err
	}
	return &Session{ID: id, Transport: t}, nil
}

// Close moves the session to Closing, closes the transport with code and
// deregisters the connection. It is safe to call more than once.
func (o *Orchestrator) Close(s *Session, code string) {
	for {
		st := s.State()
		if st >= StateClosing {
			return
		}
		if s.advance(st, StateClosing) {
			break
		}
	}
	s.Transport.Close(code)
	o.Service.Conns.Deregister(s.ID)
	o.warnings.Forget(string(s.ID))
	if u := s.User(); u != "" && len(o.Service.Conns.ConnectionsOf(u)) == 0 {
		o.events.Forget(string(u))
	}
	s.state.Store(int32(StateClosed))
	log.Info().Str("module", "orch").Str("conn", string(s.ID)).Str("user", string(s.User())).Str("code", code).Msg("session closed")
}

func (o *Orchestrator) reply(ctx context.Context, s *Session, r domain.Reply) {
	frame, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("reply", r.Type).Msg("encode reply")
		return
	}
	sctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	if err := s.Transport.Send(sctx, frame); err != nil {
		if errors.Is(err, domain.ErrSendTimeout) {
			log.Warn().Err(err).Str("module", "orch").Str("conn", string(s.ID)).Msg("reply timed out, closing")
			o.Close(s, domain.CodeSlowConsumer)
			return
		}
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(s.ID)).Str("reply", r.Type).Msg("reply not sent")
	}
}

func (o *Orchestrator) replyError(ctx context.Context, s *Session, code, msg string, room domain.RoomID) {
	o.reply(ctx, s, domain.Reply{Type: domain.ReplyError, Code: code, Message: msg, Room: room})
}

// warn logs at most a few warnings per connection per window.
func (o *Orchestrator) warn(s *Session, msg string, err error) {
	if !o.warnings.Allow(string(s.ID)) {
		return
	}
	ev := log.Warn().Str("module", "orch").Str("conn", string(s.ID)).Str("state", s.State().String())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}
