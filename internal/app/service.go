package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Instance domain.InstanceID

	IdleTimeout   time.Duration
	TypingTTL     time.Duration
	Debounce      time.Duration
	Retention     time.Duration
	SweepInterval time.Duration

	SendTimeout time.Duration
	DedupWindow time.Duration
	Policy      Policy

	ReconcileInterval time.Duration
	PeerTimeout       time.Duration
}

// Service owns one instance's registries and exposes the operations the
// domain layer and the HTTP API call.
type Service struct {
	Instance   domain.InstanceID
	Conns      *ConnectionRegistry
	Rooms      *RoomRegistry
	Presence   *PresenceTracker
	Dispatcher *Dispatcher
	// Cluster is nil when running without a bridge.
	Cluster *Cluster

	bridge        core.Bridge
	sweepInterval time.Duration
}

// NewService wires the components of one instance. br may be nil for a
// purely local instance.
func NewService(opts Options, br core.Bridge) *Service {
	if opts.Instance == "" {
		opts.Instance = domain.NewInstanceID()
	}
	s := &Service{
		Instance:      opts.Instance,
		Conns:         NewConnectionRegistry(opts.IdleTimeout),
		Rooms:         NewRoomRegistry(opts.Instance),
		Presence:      NewPresenceTracker(opts.Instance, PresenceOptions{TypingTTL: opts.TypingTTL, Debounce: opts.Debounce, Retention: opts.Retention}),
		bridge:        br,
		sweepInterval: opts.SweepInterval,
	}
	s.Dispatcher = NewDispatcher(opts.Instance, s.Conns, s.Rooms, DispatcherOptions{
		SendTimeout: opts.SendTimeout,
		DedupWindow: opts.DedupWindow,
		Policy:      opts.Policy,
	})

	if br != nil {
		s.Cluster = NewCluster(opts.Instance, br, s.Presence, s.Rooms, s.Dispatcher, ClusterOptions{
			ReconcileInterval: opts.ReconcileInterval,
			PeerTimeout:       opts.PeerTimeout,
			Retention:         opts.Retention,
		})
		s.Presence.SetSink(s.Cluster)
		s.Rooms.SetSink(s.Cluster)
		s.Dispatcher.SetRelayer(s.Cluster)
	}

	s.Presence.OnChange(s.Dispatcher.AnnouncePresence)
	s.Presence.SetReferenced(s.Rooms.HasUser)

	s.Conns.OnAuthenticate(func(c *Connection) {
		s.Presence.OnConnect(c.User(), s.Instance)
	})
	// Rooms first, then presence: a member never outlives its connection.
	s.Conns.OnDeregister(func(c *Connection) {
		s.Rooms.LeaveAll(c.ID, c.Rooms())
		if u := c.User(); u != "" {
			s.Presence.OnDisconnect(u, s.Instance)
		}
	})
	return s
}

// Start runs the background sweeps and cluster sync until ctx is done.
func (s *Service) Start(ctx context.Context) {
	go s.Conns.Run(ctx)
	go s.Presence.Run(ctx, s.sweepInterval)
	if s.Cluster != nil {
		s.Cluster.Start(ctx)
	}
	log.Info().Str("module", "app.service").Str("instance", string(s.Instance)).Msg("service started")
}

// Shutdown closes every local connection.
func (s *Service) Shutdown() {
	n := s.Conns.Count()
	s.Conns.CloseAll(domain.CodeShutdown)
	log.Info().Str("module", "app.service").Int("connections", n).Msg("closed all connections")
}

// PublishDomainEvent fans a domain event out to a room across the cluster.
func (s *Service) PublishDomainEvent(ctx context.Context, room domain.RoomID, t domain.EventType, payload json.RawMessage) (PublishResult, error) {
	if !t.Valid() || t == domain.EventPresenceChange {
		return PublishResult{}, fmt.Errorf("publish domain event: invalid type %q", t)
	}
	return s.Dispatcher.PublishToRoom(ctx, room, domain.Envelope{Type: t, Payload: payload})
}

// PublishToUser sends a directed notification to every connection of user.
func (s *Service) PublishToUser(ctx context.Context, user domain.UserID, t domain.EventType, payload json.RawMessage) (PublishResult, error) {
	if !t.Valid() {
		return PublishResult{}, fmt.Errorf("publish to user: invalid type %q", t)
	}
	return s.Dispatcher.PublishToUser(ctx, user, domain.Envelope{Type: t, Payload: payload})
}

// UserPresence returns the user's presence, falling back to the shared last-seen
// key for users this instance no longer tracks.
func (s *Service) UserPresence(ctx context.Context, user domain.UserID) (Presence, error) {
	if err := domain.ValidateUserID(user); err != nil {
		return Presence{}, err
	}
	p := s.Presence.Get(user)
	if p.Online || !p.LastSeen.IsZero() || s.bridge == nil || s.bridge.Degraded() {
		return p, nil
	}
	raw, err := s.bridge.Get(ctx, LastSeenKey(user))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return p, nil
	case err != nil:
		log.Debug().Err(err).Str("module", "app.service").Str("user", string(user)).Msg("last seen lookup failed")
		return p, nil
	}
	if at, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
		p.LastSeen = at
	}
	return p, nil
}

func (s *Service) Members(room domain.RoomID) ([]domain.UserID, error) {
	if err := domain.ValidateRoomID(room); err != nil {
		return nil, err
	}
	return s.Rooms.Members(room), nil
}

func (s *Service) OnlineUsers() []domain.UserID {
	return s.Presence.Online()
}

func (s *Service) RoomList() []domain.RoomInfo {
	return s.Rooms.Rooms()
}

func (s *Service) Peers() []domain.InstanceID {
	if s.Cluster == nil {
		return nil
	}
	return s.Cluster.Peers()
}

// BridgeDegraded reports whether the instance currently serves local-only.
func (s *Service) BridgeDegraded() bool {
	return s.bridge != nil && s.bridge.Degraded()
}
