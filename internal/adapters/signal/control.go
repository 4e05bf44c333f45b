package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/VoiceSFU/internal/domain"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
	id domain.ConnID,
	reqID json.RawMessage,
) {
	resp := struct {
		Type string          `json:"type"`
		ID   json.RawMessage `json:"id,omitempty"`
	}{
		Type: "pong",
		ID:   reqID,
	}
	ctl.sendJSON(conn, id, resp)
}

// handleJoin repeats the capability exchange.
func (ctl *SignalWSController) handleJoin(_ context.Context, conn domain.ConnID, _ json.RawMessage) (any, error) {
	return ctl.Orch.Join(conn)
}
