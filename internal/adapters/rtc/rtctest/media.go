package rtctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

type Producer struct {
	id        domain.ProducerID
	transport *Transport
	codec     domain.RtpCodecParameters

	mu               sync.Mutex
	paused           bool
	closed           bool
	failWith         error
	consumers        map[domain.ConsumerID]*Consumer
	onTransportClose func()
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return domain.KindAudio }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// FailWith makes every later Pause and Resume return err.
func (p *Producer) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *Producer) Pause(context.Context) error  { return p.set(true) }
func (p *Producer) Resume(context.Context) error { return p.set(false) }

func (p *Producer) set(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	if p.closed {
		return fmt.Errorf("producer %s closed: %w", p.id, core.ErrInvalidState)
	}
	p.paused = paused
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = fn
}

func (p *Producer) emit() {
	p.mu.Lock()
	fn := p.onTransportClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Producer) Close() { p.close() }

func (p *Producer) close() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	cs := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		cs = append(cs, c)
	}
	p.consumers = map[domain.ConsumerID]*Consumer{}
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()

	for _, c := range cs {
		if c.close() {
			c.emit(true)
		}
	}
	return true
}

type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport

	mu               sync.Mutex
	paused           bool
	closed           bool
	failWith         error
	onTransportClose func()
	onProducerClose  func()
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return domain.KindAudio }

func (c *Consumer) RtpParameters() domain.RtpParameters {
	codec := c.producer.codec
	return domain.RtpParameters{
		Codecs:           []domain.RtpCodecParameters{codec},
		HeaderExtensions: []domain.RtpHeaderExtensionParameters{},
		Encodings:        []domain.RtpEncodingParameters{{Ssrc: 4242}},
		Rtcp:             domain.RtcpParameters{Cname: string(c.producer.id), ReducedSize: true},
	}
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// FailWith makes every later Pause and Resume return err.
func (c *Consumer) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *Consumer) Pause(context.Context) error  { return c.set(true) }
func (c *Consumer) Resume(context.Context) error { return c.set(false) }

func (c *Consumer) set(paused bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	if c.closed {
		return fmt.Errorf("consumer %s closed: %w", c.id, core.ErrInvalidState)
	}
	c.paused = paused
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransportClose = fn
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = fn
}

func (c *Consumer) emit(producerClosed bool) {
	c.mu.Lock()
	fn := c.onTransportClose
	if producerClosed {
		fn = c.onProducerClose
	}
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Consumer) Close() { c.close() }

func (c *Consumer) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.mu.Lock()
	delete(c.producer.consumers, c.id)
	c.producer.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	return true
}
