// Package rtctest provides an in-memory media engine with the same close
// and event semantics as the real one, for coordinator and socket tests.
package rtctest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

// Opus is the codec most tests configure.
func Opus() domain.RtpCodecCapability {
	return domain.RtpCodecCapability{
		Kind:                 domain.KindAudio,
		MimeType:             "audio/opus",
		PreferredPayloadType: 100,
		ClockRate:            48000,
		Channels:             2,
	}
}

// OpusParameters is what a client would send on produce.
func OpusParameters(ssrc uint32) domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

type Engine struct {
	died    chan error
	dieOnce sync.Once

	mu      sync.Mutex
	routers []*Router
}

func NewEngine() *Engine {
	return &Engine{died: make(chan error, 1)}
}

func (e *Engine) CreateRouter(_ context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	r := NewRouter(codecs)
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) Died() <-chan error { return e.died }

// Kill simulates the worker dying.
func (e *Engine) Kill(err error) {
	e.dieOnce.Do(func() { e.died <- err })
}

func (e *Engine) Close() {
	e.mu.Lock()
	routers := e.routers
	e.routers = nil
	e.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
}

type Router struct {
	caps domain.RtpCapabilities
	seq  atomic.Int64

	mu         sync.Mutex
	producers  map[domain.ProducerID]*Producer
	transports map[domain.TransportID]*Transport
	failures   map[string]error
}

func NewRouter(codecs []domain.RtpCodecCapability) *Router {
	return &Router{
		caps:       domain.RtpCapabilities{Codecs: codecs, HeaderExtensions: []domain.RtpHeaderExtension{}},
		producers:  make(map[domain.ProducerID]*Producer),
		transports: make(map[domain.TransportID]*Transport),
		failures:   make(map[string]error),
	}
}

// FailNext makes the next call of op ("create_transport", "connect",
// "produce", "consume") return err.
func (r *Router) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
}

func (r *Router) take(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.failures[op]
	delete(r.failures, op)
	return err
}

func (r *Router) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, r.seq.Add(1))
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p, ok := r.Producer(producerID)
	if !ok {
		return false
	}
	for _, c := range caps.Codecs {
		if domain.SameCodec(p.codec.MimeType, p.codec.ClockRate, p.codec.Channels, c) {
			return true
		}
	}
	return false
}

func (r *Router) CreateWebRtcTransport(_ context.Context, opts core.TransportOptions) (core.Transport, error) {
	if err := r.take("create_transport"); err != nil {
		return nil, err
	}
	id := domain.TransportID(r.nextID("transport"))
	t := &Transport{
		router:    r,
		id:        id,
		dir:       opts.Direction,
		Opts:      opts,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	r.mu.Lock()
	r.transports[id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

func (r *Router) Producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) Transport(id domain.TransportID) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transports[id]
	return t, ok
}

// ProducerCount counts live producers.
func (r *Router) ProducerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers)
}

func (r *Router) TransportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}
