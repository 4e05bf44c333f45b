package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

const writeWait = 5 * time.Second

// request is the client envelope. id is echoed back verbatim in the ack.
type request struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ack struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error *ackError       `json:"error,omitempty"`
}

type handlerFunc func(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error)

func refusal(err error) ack {
	return ack{Type: "error", Error: &ackError{Code: core.ErrorCode(err), Message: err.Error()}}
}

// decode unmarshals a request payload. A missing payload leaves v zeroed.
func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%v: %w", err, core.ErrBadPayload)
	}
	return v, nil
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Limiter.Forget(id)
		ctl.Orch.Disconnect(id)
		c.Close()
		cancel()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, id, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, id domain.ConnID, c *WsSignalConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("bad json")
		ctl.reply(c, id, nil, nil, fmt.Errorf("envelope: %v: %w", err, core.ErrBadPayload))
		return
	}
	if req.Type == "ping" {
		ctl.handlePing(c, id, req.ID)
		return
	}

	h, ok := ctl.handlers[req.Type]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown signal")
		ctl.reply(c, id, req.ID, nil, fmt.Errorf("unknown request %q: %w", req.Type, core.ErrBadPayload))
		return
	}

	start := time.Now()
	var (
		out any
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { out, err = h(ctx, id, req.Data) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "signal").Str("conn", string(id)).Str("type", req.Type).
			Interface("panic", r.Value).Bytes("stack", r.Stack).Msg("handler panicked")
		out, err = nil, fmt.Errorf("%s: %w", req.Type, core.ErrInternal)
	}
	code := core.ErrorCode(err)
	ctl.Metrics.ObserveRequest(req.Type, code, time.Since(start))
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("conn", string(id)).Str("type", req.Type).Str("code", code).Msg("request rejected")
	}
	ctl.reply(c, id, req.ID, out, err)
}

func (ctl *SignalWSController) reply(c *WsSignalConn, id domain.ConnID, reqID json.RawMessage, data any, err error) {
	a := ack{Type: "ack", ID: reqID}
	if err != nil {
		a.Error = &ackError{Code: core.ErrorCode(err), Message: err.Error()}
	} else {
		a.Data = data
	}
	ctl.sendJSON(c, id, a)
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, id domain.ConnID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("reply dropped")
	}
}
