package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per producer. Relays exist from produce time;
// the read loop starts once the source track is available.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ProducerID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ProducerID]*Relay),
	}
}

// Open returns the relay for id, creating it if needed.
func (m *RelayManager) Open(id domain.ProducerID) *Relay {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relays[id]; ok {
		return r
	}
	r := NewRelay(id)
	m.relays[id] = r
	return r
}

// StartRelay attaches src to the relay of id and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, id domain.ProducerID, src PacketSource) {
	logger := log.With().
		Str("module", "relay").
		Str("producer", string(id)).
		Logger()

	relay := m.Open(id)
	if !relay.running.CompareAndSwap(false, true) {
		logger.Warn().Msg("relay already running")
		return
	}
	relayCtx, cancel := context.WithCancel(ctx)
	relay.mu.Lock()
	relay.cancel = cancel
	relay.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, src, &logger)
}

// AddSubscriber attaches a consumer sink to the relay of src.
func (m *RelayManager) AddSubscriber(src domain.ProducerID, dst domain.ConsumerID, sink PacketSink) *OutTrack {
	relay := m.Open(src)
	ot := NewOutTrack(sink)
	relay.AddOutTrack(dst, ot)
	return ot
}

// MarkSubscriberDelete marks the consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(src domain.ProducerID, dst domain.ConsumerID) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) SetPaused(id domain.ProducerID, paused bool) {
	m.mu.RLock()
	relay, ok := m.relays[id]
	m.mu.RUnlock()
	if ok {
		relay.SetPaused(paused)
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(id domain.ProducerID) {
	m.mu.Lock()
	relay, ok := m.relays[id]
	if ok {
		delete(m.relays, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.mu.RLock()
	cancel := relay.cancel
	relay.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// HasRelay reports whether a relay exists for id.
func (m *RelayManager) HasRelay(id domain.ProducerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[id]
	return ok
}
