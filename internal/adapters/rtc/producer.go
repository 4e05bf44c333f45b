package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type producer struct {
	id        domain.ProducerID
	transport *transport
	codec     domain.RtpCodecParameters
	ssrc      uint32

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	paused           bool
	closed           bool
	receiver         *webrtc.RTPReceiver
	consumers        map[domain.ConsumerID]*consumer
	onTransportClose func()
}

func newProducer(t *transport, codec domain.RtpCodecParameters, ssrc uint32, paused bool) *producer {
	ctx, cancel := context.WithCancel(t.ctx)
	p := &producer{
		id:        domain.ProducerID(uuid.NewString()),
		transport: t,
		codec:     codec,
		ssrc:      ssrc,
		ctx:       ctx,
		cancel:    cancel,
		paused:    paused,
		consumers: make(map[domain.ConsumerID]*consumer),
	}
	t.router.relays.Open(p.id).SetPaused(paused)
	return p
}

func (p *producer) ID() domain.ProducerID  { return p.id }
func (p *producer) Kind() domain.MediaKind { return domain.KindAudio }

func (p *producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *producer) Pause(context.Context) error  { return p.setPaused(true) }
func (p *producer) Resume(context.Context) error { return p.setPaused(false) }

func (p *producer) setPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("producer %s closed: %w", p.id, core.ErrInvalidState)
	}
	p.paused = paused
	p.transport.router.relays.SetPaused(p.id, paused)
	return nil
}

func (p *producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *producer) emitTransportClose() {
	p.mu.Lock()
	fn := p.onTransportClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// receive binds the RTP receiver once DTLS is up and starts the relay.
func (p *producer) receive() {
	t := p.transport
	select {
	case <-t.ready:
	case <-p.ctx.Done():
		return
	}
	receiver, err := t.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		t.logger.Error().Err(err).Str("producer", string(p.id)).Msg("new rtp receiver")
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.codec.PayloadType),
			},
		}},
	})
	if err != nil {
		t.logger.Error().Err(err).Str("producer", string(p.id)).Msg("rtp receive")
		_ = receiver.Stop()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = receiver.Stop()
		return
	}
	p.receiver = receiver
	p.mu.Unlock()

	track := receiver.Track()
	if track == nil {
		t.logger.Error().Str("producer", string(p.id)).Msg("receiver has no track")
		return
	}
	t.router.relays.StartRelay(p.ctx, p.id, trackSource{track: track})
}

func (p *producer) attach(c *consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *producer) detach(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *producer) Close() {
	p.close()
}

// close reports whether this call closed the producer. Its consumers get OnProducerClose.
func (p *producer) close() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	receiver := p.receiver
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = map[domain.ConsumerID]*consumer{}
	p.mu.Unlock()

	p.cancel()
	if receiver != nil {
		_ = receiver.Stop()
	}
	t := p.transport
	t.router.relays.StopRelay(p.id)
	t.router.removeProducer(p.id)
	t.forgetProducer(p.id)

	for _, c := range consumers {
		if c.close() {
			c.emitProducerClose()
		}
	}
	return true
}

type trackSource struct {
	track *webrtc.TrackRemote
}

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}
