package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// CreateTransport asks the engine for a WebRTC transport in dir.
func (o *Orchestrator) CreateTransport(ctx context.Context, conn domain.ConnID, dir domain.Direction) (domain.TransportParams, error) {
	if !dir.Valid() {
		return domain.TransportParams{}, fmt.Errorf("direction %q: %w", dir, core.ErrBadPayload)
	}
	n, err := o.begin(conn)
	if err != nil {
		return domain.TransportParams{}, err
	}
	defer n.Unlock()
	if err := n.Check(dir, app.EventCreateTransport); err != nil {
		return domain.TransportParams{}, err
	}

	t, err := o.Router.CreateWebRtcTransport(ctx, core.TransportOptions{
		Owner:       conn,
		Direction:   dir,
		ListenIP:    o.opts.ListenIP,
		AnnouncedIP: o.opts.AnnouncedIP,
		EnableUDP:   o.opts.EnableUDP,
		EnableTCP:   o.opts.EnableTCP,
		PreferUDP:   o.opts.PreferUDP,
	})
	if err != nil {
		return domain.TransportParams{}, core.NewEngineError("create_transport", err)
	}
	id := t.ID()
	if err := o.Transports.Put(id, conn, t); err != nil {
		t.Close()
		return domain.TransportParams{}, err
	}
	// the owner may have left while the engine was busy
	if _, err := o.Users.Get(conn); err != nil {
		t.Close()
		o.Transports.Remove(id)
		return domain.TransportParams{}, err
	}
	t.OnDtlsStateChange(func(state string) { o.onDtlsState(conn, dir, id, state) })

	n.SetTransport(dir, id)
	if err := n.Fire(ctx, dir, app.EventCreateTransport); err != nil {
		return domain.TransportParams{}, err
	}
	o.syncGauges()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("transport", string(id)).Str("direction", string(dir)).Msg("transport created")
	return t.Params(), nil
}

// ownedTransport resolves id for conn. Someone else's transport looks absent.
func (o *Orchestrator) ownedTransport(conn domain.ConnID, id domain.TransportID, dir domain.Direction) (core.Transport, error) {
	e, err := o.Transports.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Owner != conn {
		return nil, fmt.Errorf("transport %s: %w", id, core.ErrNotFound)
	}
	if e.Value.Direction() != dir {
		return nil, fmt.Errorf("transport %s is %s, not %s: %w", id, e.Value.Direction(), dir, core.ErrInvalidState)
	}
	return e.Value, nil
}

// ConnectTransport hands the client's DTLS parameters to the engine.
func (o *Orchestrator) ConnectTransport(ctx context.Context, conn domain.ConnID, dir domain.Direction, id domain.TransportID, p core.ConnectParams) error {
	n, err := o.begin(conn)
	if err != nil {
		return err
	}
	defer n.Unlock()

	t, err := o.ownedTransport(conn, id, dir)
	if err != nil {
		return err
	}
	if err := n.Check(dir, app.EventConnectTransport); err != nil {
		return err
	}
	if err := t.Connect(ctx, p); err != nil {
		return core.NewEngineError("connect", err)
	}
	if err := n.Fire(ctx, dir, app.EventConnectTransport); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("transport", string(id)).Msg("transport connected")
	return nil
}

type ProduceRequest struct {
	// TransportID defaults to the participant's send transport.
	TransportID   domain.TransportID
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
}

// Produce starts the participant's outbound stream and announces it to everybody else.
func (o *Orchestrator) Produce(ctx context.Context, conn domain.ConnID, req ProduceRequest) (domain.ProducerID, error) {
	n, err := o.begin(conn)
	if err != nil {
		return "", err
	}
	defer n.Unlock()

	if err := n.Check(domain.DirectionSend, app.EventProduce); err != nil {
		return "", err
	}
	if req.Kind != domain.KindAudio {
		return "", fmt.Errorf("kind %q: %w", req.Kind, core.ErrIncompatible)
	}
	tid := req.TransportID
	if tid == "" {
		tid = n.Transport(domain.DirectionSend)
	}
	t, err := o.ownedTransport(conn, tid, domain.DirectionSend)
	if err != nil {
		return "", err
	}

	p, err := o.produce(ctx, t, req)
	if err != nil {
		return "", err
	}
	pid := p.ID()
	if err := o.Producers.Put(pid, conn, p); err != nil {
		p.Close()
		return "", err
	}
	if err := o.Users.RecordProducer(conn, pid); err != nil {
		p.Close()
		o.Producers.Remove(pid)
		return "", err
	}
	p.OnTransportClose(func() { o.forgetProducer(conn, pid) })

	if err := n.Fire(ctx, domain.DirectionSend, app.EventProduce); err != nil {
		return "", err
	}
	o.syncGauges()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("producer", string(pid)).Bool("paused", p.Paused()).Msg("producing")

	o.Notifier.Broadcast(core.EventNewParticipantStream, domain.NewStream{ID: conn, ProducerID: pid}, conn)
	return pid, nil
}

// produce creates the producer paused when the session is muted. It is then
// held so unmuting starts it.
func (o *Orchestrator) produce(ctx context.Context, t core.Transport, req ProduceRequest) (core.Producer, error) {
	o.muteMu.RLock()
	defer o.muteMu.RUnlock()
	muted := o.muted.Load()
	p, err := t.Produce(ctx, core.ProduceOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       req.AppData,
		Paused:        muted,
	})
	if err != nil {
		return nil, core.NewEngineError("produce", err)
	}
	if muted {
		o.held.add(producerKey(p.ID()))
	}
	return p, nil
}

type ConsumeRequest struct {
	// TransportID defaults to the participant's receive transport.
	TransportID     domain.TransportID
	ProducerID      domain.ProducerID
	RtpCapabilities domain.RtpCapabilities
}

// Consume subscribes conn to a remote producer. The consumer starts paused.
func (o *Orchestrator) Consume(ctx context.Context, conn domain.ConnID, req ConsumeRequest) (domain.ConsumerParams, error) {
	n, err := o.begin(conn)
	if err != nil {
		return domain.ConsumerParams{}, err
	}
	defer n.Unlock()

	if err := n.Check(domain.DirectionRecv, app.EventConsume); err != nil {
		return domain.ConsumerParams{}, err
	}
	tid := req.TransportID
	if tid == "" {
		tid = n.Transport(domain.DirectionRecv)
	}
	t, err := o.ownedTransport(conn, tid, domain.DirectionRecv)
	if err != nil {
		return domain.ConsumerParams{}, err
	}
	pe, err := o.Producers.Get(req.ProducerID)
	if err != nil {
		return domain.ConsumerParams{}, err
	}
	if pe.Owner == conn {
		return domain.ConsumerParams{}, fmt.Errorf("producer %s is your own: %w", req.ProducerID, core.ErrInvalidState)
	}
	if !o.Router.CanConsume(req.ProducerID, req.RtpCapabilities) {
		return domain.ConsumerParams{}, fmt.Errorf("producer %s: %w", req.ProducerID, core.ErrIncompatible)
	}

	c, err := t.Consume(ctx, core.ConsumeOptions{
		ProducerID:      req.ProducerID,
		RtpCapabilities: req.RtpCapabilities,
		Paused:          true,
	})
	if err != nil {
		return domain.ConsumerParams{}, core.NewEngineError("consume", err)
	}
	cid := c.ID()
	if err := o.Consumers.Put(cid, conn, c); err != nil {
		c.Close()
		return domain.ConsumerParams{}, err
	}
	if err := o.Users.RecordConsumer(conn, cid); err != nil {
		c.Close()
		o.Consumers.Remove(cid)
		return domain.ConsumerParams{}, err
	}
	pid := req.ProducerID
	c.OnTransportClose(func() { o.forgetConsumer(conn, cid) })
	c.OnProducerClose(func() {
		o.forgetConsumer(conn, cid)
		if err := o.Notifier.Send(conn, core.EventConsumerClosed, domain.ConsumerClosed{ConsumerID: cid, ProducerID: pid}); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str("conn", string(conn)).Msg("consumer-closed not delivered")
		}
	})

	if err := n.Fire(ctx, domain.DirectionRecv, app.EventConsume); err != nil {
		return domain.ConsumerParams{}, err
	}
	o.syncGauges()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("consumer", string(cid)).Str("producer", string(pid)).Msg("consuming")

	return domain.ConsumerParams{
		ID:            cid,
		ProducerID:    pid,
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
	}, nil
}

// ResumeConsumer starts delivery on a consumer. While the session is muted the
// consumer stays paused until unmute and the reply says so.
func (o *Orchestrator) ResumeConsumer(ctx context.Context, conn domain.ConnID, id domain.ConsumerID) (domain.PauseState, error) {
	if err := o.guard(); err != nil {
		return domain.PauseState{}, err
	}
	e, err := o.Consumers.Get(id)
	if err != nil {
		return domain.PauseState{}, err
	}
	if e.Owner != conn {
		return domain.PauseState{}, fmt.Errorf("consumer %s: %w", id, core.ErrNotFound)
	}

	o.muteMu.RLock()
	defer o.muteMu.RUnlock()
	if o.muted.Load() {
		o.held.add(consumerKey(id))
		return domain.PauseState{ID: string(id), Paused: true}, nil
	}
	if err := e.Value.Resume(ctx); err != nil {
		return domain.PauseState{}, core.NewEngineError("consumer_resume", err)
	}
	return domain.PauseState{ID: string(id), Paused: false}, nil
}

func (o *Orchestrator) ownedProducer(conn domain.ConnID, id domain.ProducerID) (core.Producer, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	e, err := o.Producers.Get(id)
	if err != nil {
		return nil, err
	}
	if e.Owner != conn {
		return nil, fmt.Errorf("producer %s: %w", id, core.ErrNotFound)
	}
	return e.Value, nil
}

func (o *Orchestrator) PauseProducer(ctx context.Context, conn domain.ConnID, id domain.ProducerID) (domain.PauseState, error) {
	p, err := o.ownedProducer(conn, id)
	if err != nil {
		return domain.PauseState{}, err
	}
	o.muteMu.RLock()
	defer o.muteMu.RUnlock()
	o.held.remove(producerKey(id))
	if err := p.Pause(ctx); err != nil {
		return domain.PauseState{}, core.NewEngineError("producer_pause", err)
	}
	return domain.PauseState{ID: string(id), Paused: true}, nil
}

// ResumeProducer only marks the producer for unmute while the session is muted.
func (o *Orchestrator) ResumeProducer(ctx context.Context, conn domain.ConnID, id domain.ProducerID) (domain.PauseState, error) {
	p, err := o.ownedProducer(conn, id)
	if err != nil {
		return domain.PauseState{}, err
	}
	o.muteMu.RLock()
	defer o.muteMu.RUnlock()
	if o.muted.Load() {
		o.held.add(producerKey(id))
		return domain.PauseState{ID: string(id), Paused: true}, nil
	}
	if err := p.Resume(ctx); err != nil {
		return domain.PauseState{}, core.NewEngineError("producer_resume", err)
	}
	return domain.PauseState{ID: string(id), Paused: false}, nil
}

func (o *Orchestrator) onDtlsState(conn domain.ConnID, dir domain.Direction, id domain.TransportID, state string) {
	log.Debug().Str("module", "orch").Str("conn", string(conn)).Str("transport", string(id)).Str("dtls", state).Msg("dtls state")
	switch state {
	case core.DtlsStateClosed, core.DtlsStateFailed:
		o.dropTransport(conn, dir, id)
	}
}

// dropTransport closes a transport the engine gave up on. The participant may
// request a new one afterwards.
func (o *Orchestrator) dropTransport(conn domain.ConnID, dir domain.Direction, id domain.TransportID) {
	e, ok := o.Transports.Remove(id)
	if !ok {
		return
	}
	e.Value.Close()
	if n, err := o.Negotiations.Get(conn); err == nil {
		n.ResetTransport(context.Background(), dir, id)
	}
	o.syncGauges()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Str("transport", string(id)).Msg("transport dropped")
}

func (o *Orchestrator) forgetProducer(conn domain.ConnID, id domain.ProducerID) {
	o.held.remove(producerKey(id))
	o.Producers.Remove(id)
	o.Users.ForgetProducer(conn, id)
	o.syncGauges()
}

func (o *Orchestrator) forgetConsumer(conn domain.ConnID, id domain.ConsumerID) {
	o.held.remove(consumerKey(id))
	o.Consumers.Remove(id)
	o.Users.ForgetConsumer(conn, id)
	o.syncGauges()
}
