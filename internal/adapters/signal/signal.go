package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	ToggleLimit    int
	ToggleInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ToggleLimit <= 0 {
		o.ToggleLimit = 5
	}
	if o.ToggleInterval <= 0 {
		o.ToggleInterval = 10 * time.Second
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *ToggleRateLimiter
	Metrics *app.Metrics

	opts     Options
	handlers map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, metrics *app.Metrics, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{
		Orch:    o,
		Limiter: NewToggleRateLimiter(opts.ToggleLimit, opts.ToggleInterval),
		Metrics: metrics,
		opts:    opts,
	}
	ctl.handlers = map[string]handlerFunc{
		"join":                   ctl.handleJoin,
		"request-transport":      ctl.handleRequestTransport,
		"transport-connect":      ctl.connectHandler(domain.DirectionSend),
		"transport-recv-connect": ctl.connectHandler(domain.DirectionRecv),
		"transport-produce":      ctl.handleProduce,
		"consume":                ctl.handleConsume,
		"consumer-resume":        ctl.handleConsumerResume,
		"producer-pause":         ctl.handleProducerPause,
		"producer-resume":        ctl.handleProducerResume,
		"toggle-mute-session":    ctl.handleToggleMute,
	}
	return ctl
}

// WsSignalConn implements core.SignalConnection over a websocket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.NewConnID()
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	if _, err := ctl.Orch.Connect(id, conn, cancel); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("connection refused")
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(refusal(err))
		conn.Close()
		cancel()
		return
	}

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}
