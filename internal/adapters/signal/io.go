package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.finish()
	for {
		select {
		case <-ctx.Done():
			c.Close(domain.CodeShutdown)
			return
		case <-c.done:
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.cfg.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				c.Close(domain.CodeInternal)
				return
			}
		case data := <-c.send:
			if err := c.write(data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump write error")
				c.Close(domain.CodeInternal)
				return
			}
		}
	}
}

// readPump feeds the bounded inbound queue. A client that outpaces the
// router is disconnected rather than buffered without limit.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *orch.Session, c *WsSignalConn, inbound chan<- []byte) {
	code := domain.CodeInternal
	defer func() {
		ctl.Orch.Close(sess, code)
		cancel()
		log.Info().Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump closing")
	}()

	c.conn.SetPongHandler(func(string) error {
		_ = ctl.Orch.Service.Conns.Heartbeat(sess.ID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = domain.CodeLogout
			}
			log.Debug().Err(err).Str("module", "signal").Str("conn", string(sess.ID)).Msg("readPump read error")
			return
		}
		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		default:
			log.Warn().Str("module", "signal").Str("conn", string(sess.ID)).Msg("inbound queue full, closing")
			code = domain.CodeRateLimited
			return
		}
	}
}

func (ctl *SignalWSController) dispatch(ctx context.Context, sess *orch.Session, inbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-inbound:
			ctl.Orch.Handle(ctx, sess, data)
		}
	}
}
