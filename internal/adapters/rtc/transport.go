package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type transport struct {
	id     domain.TransportID
	dir    domain.Direction
	owner  domain.ConnID
	router *router
	logger zerolog.Logger

	api      *webrtc.API
	media    *webrtc.MediaEngine
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams

	// ready is closed once DTLS is connected; media setup waits on it.
	ready     chan struct{}
	readyOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	producers map[domain.ProducerID]*producer
	consumers map[domain.ConsumerID]*consumer
	onDtls    func(state string)
}

func newTransport(ctx context.Context, r *router, opts core.TransportOptions) (*transport, error) {
	se, err := r.engine.settingsFor(opts)
	if err != nil {
		return nil, err
	}
	api, media, err := r.engine.newAPI(r.caps, se)
	if err != nil {
		return nil, err
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	iceTransport := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var gatheredOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatheredOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local candidates: %w", err)
	}
	if len(candidates) == 0 {
		_ = gatherer.Close()
		return nil, core.NewEngineError("gather", fmt.Errorf("no ice candidates for listen ip %q", opts.ListenIP))
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local ice parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("local dtls parameters: %w", err)
	}

	local := toIceCandidates(candidates)
	if opts.PreferUDP {
		preferUDP(local)
	}

	id := domain.TransportID(uuid.NewString())
	tctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		id:       id,
		dir:      opts.Direction,
		owner:    opts.Owner,
		router:   r,
		logger:   log.With().Str("module", "rtc").Str("transport", string(id)).Logger(),
		api:      api,
		media:    media,
		gatherer: gatherer,
		ice:      iceTransport,
		dtls:     dtls,
		params: domain.TransportParams{
			ID: id,
			IceParameters: domain.IceParameters{
				UsernameFragment: iceParams.UsernameFragment,
				Password:         iceParams.Password,
				IceLite:          true,
			},
			IceCandidates:  local,
			DtlsParameters: toDtlsParameters(dtlsParams),
		},
		ready:     make(chan struct{}),
		ctx:       tctx,
		cancel:    cancel,
		producers: make(map[domain.ProducerID]*producer),
		consumers: make(map[domain.ConsumerID]*consumer),
	}
	dtls.OnStateChange(t.handleDtlsState)
	t.logger.Info().Str("direction", string(t.dir)).Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (t *transport) ID() domain.TransportID         { return t.id }
func (t *transport) Direction() domain.Direction    { return t.dir }
func (t *transport) Params() domain.TransportParams { return t.params }

func (t *transport) OnDtlsStateChange(fn func(state string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDtls = fn
}

func (t *transport) handleDtlsState(s webrtc.DTLSTransportState) {
	t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
	if s == webrtc.DTLSTransportStateConnected {
		t.readyOnce.Do(func() { close(t.ready) })
	}
	t.emitDtls(s.String())
}

func (t *transport) emitDtls(state string) {
	t.mu.Lock()
	fn := t.onDtls
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Connect starts ICE and DTLS in the background; completion is reported through OnDtlsStateChange.
// The pion agent nominates a pair only once its own check, signed with the
// remote password, succeeds, so remote ICE credentials are required.
func (t *transport) Connect(_ context.Context, p core.ConnectParams) error {
	if p.IceParameters == nil || p.IceParameters.UsernameFragment == "" || p.IceParameters.Password == "" {
		return fmt.Errorf("remote ice parameters required: %w", core.ErrIncompatible)
	}
	remote := webrtc.ICEParameters{
		UsernameFragment: p.IceParameters.UsernameFragment,
		Password:         p.IceParameters.Password,
	}
	if len(p.DtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("dtls fingerprints required: %w", core.ErrIncompatible)
	}
	candidates, err := fromIceCandidates(p.IceCandidates)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed || t.started {
		t.mu.Unlock()
		return fmt.Errorf("transport %s already connecting or closed: %w", t.id, core.ErrInvalidState)
	}
	t.started = true
	t.mu.Unlock()

	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			return fmt.Errorf("remote candidates: %w", err)
		}
	}
	go t.start(remote, fromDtlsParameters(p.DtlsParameters))
	return nil
}

func (t *transport) start(remote webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remote, &role); err != nil {
		t.logger.Error().Err(err).Msg("ice start")
		t.emitDtls(core.DtlsStateFailed)
		return
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		t.logger.Error().Err(err).Msg("dtls start")
	}
}

func (t *transport) Produce(_ context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, fmt.Errorf("produce on %s transport: %w", t.dir, core.ErrInvalidState)
	}
	if opts.Kind != domain.KindAudio {
		return nil, fmt.Errorf("kind %q: %w", opts.Kind, core.ErrIncompatible)
	}
	codec, _, err := producerCodec(opts.RtpParameters, t.router.caps)
	if err != nil {
		return nil, err
	}
	if len(opts.RtpParameters.Encodings) == 0 || opts.RtpParameters.Encodings[0].Ssrc == 0 {
		return nil, fmt.Errorf("encoding ssrc required: %w", core.ErrIncompatible)
	}
	// The client's payload type must resolve to a codec when packets arrive.
	if err := t.media.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pionCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters),
		PayloadType:        webrtc.PayloadType(codec.PayloadType),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		t.logger.Debug().Err(err).Uint8("pt", codec.PayloadType).Msg("register producer payload type")
	}

	p := newProducer(t, codec, opts.RtpParameters.Encodings[0].Ssrc, opts.Paused)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, core.ErrInvalidState)
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	go p.receive()
	return p, nil
}

func (t *transport) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if t.dir != domain.DirectionRecv {
		return nil, fmt.Errorf("consume on %s transport: %w", t.dir, core.ErrInvalidState)
	}
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", opts.ProducerID, core.ErrNotFound)
	}
	if _, ok := matchCodec(p.codec, opts.RtpCapabilities); !ok {
		return nil, fmt.Errorf("producer %s: %w", opts.ProducerID, core.ErrIncompatible)
	}
	routerCodec, ok := matchCodec(p.codec, t.router.caps)
	if !ok {
		return nil, fmt.Errorf("producer %s codec not routable: %w", opts.ProducerID, core.ErrIncompatible)
	}

	c, err := newConsumer(t, p, routerCodec, opts.Paused)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.close()
		return nil, fmt.Errorf("transport %s closed: %w", t.id, core.ErrInvalidState)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.attach(c) {
		c.close()
		return nil, fmt.Errorf("producer %s: %w", p.id, core.ErrNotFound)
	}
	go c.send()
	return c, nil
}

func (t *transport) forgetProducer(id domain.ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *transport) forgetConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes children first; they report OnTransportClose.
func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.onDtls = nil
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, p := range producers {
		if p.close() {
			p.emitTransportClose()
		}
	}
	for _, c := range consumers {
		if c.close() {
			c.emitTransportClose()
		}
	}

	t.cancel()
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("gatherer close")
	}
	t.router.removeTransport(t.id)
	t.logger.Info().Msg("transport closed")
}
