package rtctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

type Transport struct {
	router *Router
	id     domain.TransportID
	dir    domain.Direction
	Opts   core.TransportOptions

	mu        sync.Mutex
	connected bool
	closed    bool
	remote    core.ConnectParams
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	onDtls    func(string)
}

func (t *Transport) ID() domain.TransportID      { return t.id }
func (t *Transport) Direction() domain.Direction { return t.dir }

func (t *Transport) Params() domain.TransportParams {
	return domain.TransportParams{
		ID:            t.id,
		IceParameters: domain.IceParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd", IceLite: true},
		IceCandidates: []domain.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 2000, Type: "host"}},
		DtlsParameters: domain.DtlsParameters{
			Role:         "auto",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) Connect(_ context.Context, p core.ConnectParams) error {
	if err := t.router.take("connect"); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed || t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport %s: %w", t.id, core.ErrInvalidState)
	}
	t.connected = true
	t.remote = p
	t.mu.Unlock()
	t.SetDtlsState(core.DtlsStateConnected)
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Remote() core.ConnectParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := t.router.take("produce"); err != nil {
		return nil, err
	}
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s: %w", t.dir, core.ErrInvalidState)
	}
	if opts.Kind != domain.KindAudio || len(opts.RtpParameters.Codecs) == 0 {
		return nil, fmt.Errorf("kind %s: %w", opts.Kind, core.ErrIncompatible)
	}
	p := &Producer{
		id:        domain.ProducerID(t.router.nextID("producer")),
		transport: t,
		codec:     opts.RtpParameters.Codecs[0],
		paused:    opts.Paused,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, core.ErrInvalidState)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := t.router.take("consume"); err != nil {
		return nil, err
	}
	if t.dir != domain.DirectionRecv {
		return nil, fmt.Errorf("consume on %s: %w", t.dir, core.ErrInvalidState)
	}
	p, ok := t.router.Producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", opts.ProducerID, core.ErrNotFound)
	}
	c := &Consumer{
		id:        domain.ConsumerID(t.router.nextID("consumer")),
		producer:  p,
		transport: t,
		paused:    opts.Paused,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, core.ErrInvalidState)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("producer %s: %w", p.id, core.ErrNotFound)
	}
	p.consumers[c.id] = c
	p.mu.Unlock()
	return c, nil
}

func (t *Transport) OnDtlsStateChange(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtls = fn
}

// SetDtlsState simulates a DTLS state change reported by the engine.
func (t *Transport) SetDtlsState(state string) {
	t.mu.Lock()
	fn := t.onDtls
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.onDtls = nil
	ps := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		ps = append(ps, p)
	}
	cs := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		cs = append(cs, c)
	}
	t.mu.Unlock()

	for _, p := range ps {
		if p.close() {
			p.emit()
		}
	}
	for _, c := range cs {
		if c.close() {
			c.emit(false)
		}
	}
	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
}
