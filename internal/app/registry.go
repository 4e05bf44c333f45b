package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// Message is a server pushed event as it appears on the wire.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func EncodeEvent(event string, payload any) (core.Frame, error) {
	b, err := json.Marshal(Message{Type: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return b, nil
}

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Connections is the live signalling connection set. It implements core.Notifier.
type Connections struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*connEntry

	policy  Policy
	metrics *Metrics
}

func NewConnections(policy Policy, metrics *Metrics) *Connections {
	return &Connections{
		conns:   make(map[domain.ConnID]*connEntry),
		policy:  policy,
		metrics: metrics,
	}
}

// Bind registers conn. greet, when set, runs under the write lock and its
// frame is queued before any broadcast can reach the connection.
func (r *Connections) Bind(id domain.ConnID, conn core.SignalConnection, cancel context.CancelFunc, greet func() core.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{Conn: conn, Cancel: cancel}
	if greet != nil {
		if frame := greet(); frame != nil {
			if err := conn.TrySend(frame); err != nil {
				log.Warn().Err(err).Str("module", "app.conns").Str("conn", string(id)).Msg("greeting not delivered")
			}
		}
	}
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Msg("bound signal")
}

func (r *Connections) Unbind(id domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Msg("unbind signal")
}

func (r *Connections) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type connSnap struct {
	ID    domain.ConnID
	Entry *connEntry
}

func (r *Connections) snapshot() []connSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connSnap, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, connSnap{ID: id, Entry: e})
	}
	return out
}

func (r *Connections) Broadcast(event string, payload any, exclude domain.ConnID) {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.conns").Msg("broadcast")
		return
	}
	sent := 0
	for _, snap := range r.snapshot() {
		if snap.ID == exclude {
			continue
		}
		if r.deliver(snap.ID, snap.Entry, frame) == nil {
			sent++
		}
	}
	r.metrics.Event(event)
	log.Debug().Str("module", "app.conns").Str("event", event).Int("sent", sent).Msg("broadcast")
}

func (r *Connections) Send(to domain.ConnID, event string, payload any) error {
	r.mu.RLock()
	e, ok := r.conns[to]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", to, core.ErrNotFound)
	}
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	r.metrics.Event(event)
	return r.deliver(to, e, frame)
}

func (r *Connections) deliver(id domain.ConnID, e *connEntry, frame core.Frame) error {
	err := e.Conn.TrySend(frame)
	if err == nil {
		return nil
	}
	r.metrics.DroppedEvent()
	if !errors.Is(err, core.ErrBackpressure) || r.policy == nil {
		return err
	}
	switch r.policy.OnBackPressure(id) {
	case KickMember:
		log.Warn().Str("module", "app.conns").Str("conn", string(id)).Msg("slow consumer, kicking")
		r.Cancel(id)
	case DropFrame, NoAction:
	}
	return err
}

// Cancel stops the connection pumps. The read side then runs the disconnect path.
func (r *Connections) Cancel(id domain.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Conn.Close()
	log.Info().Str("module", "app.conns").Str("conn", string(id)).Msg("canceled connection")
	return true
}

// CancelAll is used on shutdown.
func (r *Connections) CancelAll() {
	for _, snap := range r.snapshot() {
		r.Cancel(snap.ID)
	}
}
