package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Pulse/internal/domain"
	"github.com/rs/zerolog/log"
)

// Relay queues env for peers. It fails fast while the bridge is degraded.
func (c *Cluster) Relay(env domain.Envelope) error {
	if c.bridge.Degraded() {
		return fmt.Errorf("relay %s: %w", env.Type, domain.ErrBridgeUnavailable)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay %s: %w", env.Type, err)
	}
	return c.enqueue(outbound{channel: ChannelEnvelopes, payload: payload})
}

func (c *Cluster) handleEnvelope(ctx context.Context, payload []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Msg("malformed envelope")
		return
	}
	if env.Origin == c.instance {
		return
	}
	if !env.Type.Valid() {
		log.Warn().Str("module", "app.relay").Str("type", string(env.Type)).Str("origin", string(env.Origin)).Msg("unknown envelope type")
		return
	}
	c.touchPeer(env.Origin)
	res, delivered := c.dispatcher.HandleRelay(ctx, env)
	if delivered && len(res.Dropped) > 0 {
		log.Debug().Str("module", "app.relay").Str("origin", string(env.Origin)).Int("dropped", len(res.Dropped)).Msg("relayed envelope partially delivered")
	}
}
