package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	ReadLimit    int64
	SendBuffer   int
	InboundQueue int
	WriteTimeout time.Duration
	PingPeriod   time.Duration
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	cfg  Settings
}

func NewSignalWSController(o *orch.Orchestrator, cfg Settings) *SignalWSController {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &SignalWSController{Orch: o, cfg: cfg}
}

// WsSignalConn is a websocket client transport. Frames go through a bounded
// send queue drained by the write pump, which owns every write to the socket.
type WsSignalConn struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}
	once sync.Once
	code string // set before done is closed

	writeTimeout time.Duration
}

func newWsSignalConn(ws *websocket.Conn, cfg Settings) *WsSignalConn {
	return &WsSignalConn{
		id:           domain.NewConnID(),
		conn:         ws,
		send:         make(chan core.Frame, cfg.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
	}
}

func (c *WsSignalConn) ID() domain.ConnID { return c.id }

func (c *WsSignalConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrSendTimeout, ctx.Err())
	}
}

// Close marks the connection closed and returns at once. The write pump
// flushes queued frames and sends the close frame carrying code.
func (c *WsSignalConn) Close(code string) {
	c.once.Do(func() {
		c.code = code
		close(c.done)
	})
}

func (c *WsSignalConn) closeCode() string {
	select {
	case <-c.done:
		return c.code
	default:
		return domain.CodeInternal
	}
}

// finish runs on the writer side once the connection is done.
func (c *WsSignalConn) finish() {
	c.flush()
	msg := websocket.FormatCloseMessage(closeStatus(c.closeCode()), c.closeCode())
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	_ = c.conn.Close()
}

func (c *WsSignalConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WsSignalConn) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func closeStatus(code string) int {
	switch code {
	case domain.CodeShutdown:
		return websocket.CloseGoingAway
	case domain.CodeUnauthenticated:
		return websocket.ClosePolicyViolation
	case domain.CodeSlowConsumer:
		return websocket.CloseTryAgainLater
	case domain.CodeLogout, domain.CodeIdleTimeout:
		return websocket.CloseNormalClosure
	}
	return websocket.CloseInternalServerErr
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the connection until it closes.
// A token found in the session cookie authenticates the connection right away.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	conn := newWsSignalConn(ws, ctl.cfg)
	sess, err := ctl.Orch.Open(conn)
	if err != nil {
		conn.Close(domain.CodeInternal)
		conn.finish()
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(sess.ID)).Str("remote", c.ClientIP()).Msg("new WS connection")

	inbound := make(chan []byte, ctl.cfg.InboundQueue)
	if token := c.GetString("client_token"); token != "" {
		frame, _ := json.Marshal(domain.ClientFrame{Type: domain.FrameAuth, Payload: mustJSON(domain.AuthPayload{Token: token})})
		inbound <- frame
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.dispatch(ctx, sess, inbound)
	go ctl.readPump(ctx, cancel, sess, conn, inbound)
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
