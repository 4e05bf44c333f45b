package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/app/sfu"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type consumer struct {
	id        domain.ConsumerID
	producer  *producer
	transport *transport
	params    domain.RtpParameters

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	out    *sfu.OutTrack

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	paused           bool
	closed           bool
	onTransportClose func()
	onProducerClose  func()
}

func newConsumer(t *transport, p *producer, routerCodec domain.RtpCodecCapability, paused bool) (*consumer, error) {
	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(
		pionCapability(routerCodec.MimeType, routerCodec.ClockRate, routerCodec.Channels, routerCodec.Parameters),
		string(id), string(p.id),
	)
	if err != nil {
		return nil, core.NewEngineError("local track", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, core.NewEngineError("rtp sender", err)
	}
	encodings := sender.GetParameters().Encodings
	if len(encodings) == 0 {
		_ = sender.Stop()
		return nil, core.NewEngineError("rtp sender", fmt.Errorf("no encodings"))
	}

	ctx, cancel := context.WithCancel(t.ctx)
	c := &consumer{
		id:        id,
		producer:  p,
		transport: t,
		params:    consumerRtpParameters(routerCodec, uint32(encodings[0].SSRC), string(p.id)),
		track:     track,
		sender:    sender,
		ctx:       ctx,
		cancel:    cancel,
		paused:    paused,
	}
	c.out = t.router.relays.AddSubscriber(p.id, id, track)
	if paused {
		c.out.MarkMuted()
	}
	return c, nil
}

func (c *consumer) ID() domain.ConsumerID               { return c.id }
func (c *consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *consumer) Kind() domain.MediaKind              { return domain.KindAudio }
func (c *consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Pause(context.Context) error  { return c.setPaused(true) }
func (c *consumer) Resume(context.Context) error { return c.setPaused(false) }

func (c *consumer) setPaused(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed: %w", c.id, core.ErrInvalidState)
	}
	c.paused = paused
	if paused {
		c.out.MarkMuted()
	} else {
		c.out.MarkOk()
	}
	return nil
}

func (c *consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *consumer) emitTransportClose() {
	c.mu.Lock()
	fn := c.onTransportClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *consumer) emitProducerClose() {
	c.mu.Lock()
	fn := c.onProducerClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// send starts the RTP sender once DTLS is up and drains its RTCP.
func (c *consumer) send() {
	select {
	case <-c.transport.ready:
	case <-c.ctx.Done():
		return
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		c.transport.logger.Error().Err(err).Str("consumer", string(c.id)).Msg("rtp send")
		return
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *consumer) Close() {
	c.close()
}

func (c *consumer) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.transport.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
	if err := c.sender.Stop(); err != nil {
		c.transport.logger.Debug().Err(err).Str("consumer", string(c.id)).Msg("sender stop")
	}
	c.producer.detach(c.id)
	c.transport.forgetConsumer(c.id)
	return true
}
