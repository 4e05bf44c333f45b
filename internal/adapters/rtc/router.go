package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/app/sfu"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

type router struct {
	engine *Engine
	caps   domain.RtpCapabilities
	relays *sfu.RelayManager

	mu         sync.RWMutex
	producers  map[domain.ProducerID]*producer
	transports map[domain.TransportID]*transport
}

func newRouter(e *Engine, caps domain.RtpCapabilities) *router {
	return &router{
		engine:     e,
		caps:       caps,
		relays:     sfu.NewRelayManager(),
		producers:  make(map[domain.ProducerID]*producer),
		transports: make(map[domain.TransportID]*transport),
	}
}

func (r *router) RtpCapabilities() domain.RtpCapabilities {
	return r.caps
}

func (r *router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || !r.relays.HasRelay(producerID) {
		return false
	}
	_, ok = matchCodec(p.codec, caps)
	return ok
}

func (r *router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if r.engine.closed.Load() {
		return nil, core.ErrEngineFatal
	}
	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *router) producer(id domain.ProducerID) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *router) Close() {
	r.mu.RLock()
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.RUnlock()
	for _, t := range transports {
		t.Close()
	}
}
