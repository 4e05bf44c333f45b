package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

func (ctl *SignalWSController) handleToggleMute(ctx context.Context, conn domain.ConnID, _ json.RawMessage) (any, error) {
	if !ctl.Limiter.Allow(conn) {
		return nil, fmt.Errorf("toggle-mute-session: %w", core.ErrRateLimited)
	}
	return ctl.Orch.ToggleMute(ctx, conn)
}
