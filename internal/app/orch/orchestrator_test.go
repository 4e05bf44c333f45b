package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceSFU/internal/adapters/rtc/rtctest"
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/core/mocks"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type pushed struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// inbox is a signal connection that keeps everything sent to it.
type inbox struct {
	mu     sync.Mutex
	msgs   []pushed
	closed bool
}

func (b *inbox) TrySend(f core.Frame) error {
	var m pushed
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrConnClosed
	}
	b.msgs = append(b.msgs, m)
	return nil
}

func (b *inbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *inbox) of(event string) []pushed {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []pushed
	for _, m := range b.msgs {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	router *rtctest.Router
	o      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	router := rtctest.NewRouter([]domain.RtpCodecCapability{rtctest.Opus()})
	conns := app.NewConnections(app.TolerantPolicy{}, nil)
	o := New(router, conns, nil, Options{
		ListenIP:   "127.0.0.1",
		EnableUDP:  true,
		PreferUDP:  true,
		MuteFanout: 2,
	})
	return &fixture{t: t, ctx: context.Background(), router: router, o: o}
}

func (f *fixture) join(id domain.ConnID) *inbox {
	f.t.Helper()
	b := &inbox{}
	_, err := f.o.Connect(id, b, func() {})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) transport(id domain.ConnID, dir domain.Direction) domain.TransportID {
	f.t.Helper()
	params, err := f.o.CreateTransport(f.ctx, id, dir)
	require.NoError(f.t, err)
	require.NoError(f.t, f.o.ConnectTransport(f.ctx, id, dir, params.ID, core.ConnectParams{
		DtlsParameters: domain.DtlsParameters{Role: "client"},
	}))
	return params.ID
}

func (f *fixture) produce(id domain.ConnID) domain.ProducerID {
	f.t.Helper()
	f.transport(id, domain.DirectionSend)
	pid, err := f.o.Produce(f.ctx, id, ProduceRequest{Kind: domain.KindAudio, RtpParameters: rtctest.OpusParameters(1111)})
	require.NoError(f.t, err)
	return pid
}

func (f *fixture) consume(id domain.ConnID, pid domain.ProducerID) (domain.ConsumerParams, error) {
	return f.o.Consume(f.ctx, id, ConsumeRequest{ProducerID: pid, RtpCapabilities: f.router.RtpCapabilities()})
}

func TestConnectSendsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	b := f.join("b")

	snaps := b.of(core.EventJoinSnapshot)
	require.Len(t, snaps, 1)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(snaps[0].Data, &snap))
	assert.Equal(t, domain.ConnID("b"), snap.SelfID)
	assert.False(t, snap.Muted)
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, domain.ConnID("a"), snap.Participants[0].ID)
	assert.Equal(t, "audio/opus", snap.RouterRtpCapabilities.Codecs[0].MimeType)

	_, err := f.o.Connect("a", &inbox{}, func() {})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
}

func TestCreateTransportPassesListenOptions(t *testing.T) {
	f := newFixture(t)
	f.join("a")

	params, err := f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	require.NoError(t, err)
	assert.NotEmpty(t, params.IceParameters.UsernameFragment)
	assert.NotEmpty(t, params.DtlsParameters.Fingerprints)

	tr, ok := f.router.Transport(params.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ConnID("a"), tr.Opts.Owner)
	assert.Equal(t, "127.0.0.1", tr.Opts.ListenIP)
	assert.True(t, tr.Opts.EnableUDP)
	assert.True(t, tr.Opts.PreferUDP)

	_, err = f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	assert.ErrorIs(t, err, core.ErrInvalidState)
	_, err = f.o.CreateTransport(f.ctx, "a", "sideways")
	assert.ErrorIs(t, err, core.ErrBadPayload)
	_, err = f.o.CreateTransport(f.ctx, "ghost", domain.DirectionRecv)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCreateTransportEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.router.FailNext("create_transport", errors.New("no ports left"))

	_, err := f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	var ee *core.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "create_transport", ee.Op)
	assert.Equal(t, "engine_failure", core.ErrorCode(err))

	// the step did not advance, so a retry works
	_, err = f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	assert.NoError(t, err)
}

func TestConnectTransportChecksOwnerAndDirection(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	params, err := f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	require.NoError(t, err)

	err = f.o.ConnectTransport(f.ctx, "b", domain.DirectionSend, params.ID, core.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrNotFound)
	err = f.o.ConnectTransport(f.ctx, "a", domain.DirectionRecv, params.ID, core.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrInvalidState)
	err = f.o.ConnectTransport(f.ctx, "a", domain.DirectionSend, "transport-404", core.ConnectParams{})
	assert.ErrorIs(t, err, core.ErrNotFound)

	ice := &domain.IceParameters{UsernameFragment: "u", Password: "p"}
	require.NoError(t, f.o.ConnectTransport(f.ctx, "a", domain.DirectionSend, params.ID, core.ConnectParams{IceParameters: ice}))
	tr, _ := f.router.Transport(params.ID)
	assert.True(t, tr.Connected())
	assert.Equal(t, ice, tr.Remote().IceParameters)
}

func TestProduceBeforeConnectIsInvalidState(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	_, err := f.o.Produce(f.ctx, "a", ProduceRequest{Kind: domain.KindAudio, RtpParameters: rtctest.OpusParameters(1)})
	assert.ErrorIs(t, err, core.ErrInvalidState)

	_, err = f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	require.NoError(t, err)
	_, err = f.o.Produce(f.ctx, "a", ProduceRequest{Kind: domain.KindAudio, RtpParameters: rtctest.OpusParameters(1)})
	assert.ErrorIs(t, err, core.ErrInvalidState)
	assert.Zero(t, f.router.ProducerCount())
}

func TestProduceRejectsVideo(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.transport("a", domain.DirectionSend)
	_, err := f.o.Produce(f.ctx, "a", ProduceRequest{Kind: domain.KindVideo, RtpParameters: rtctest.OpusParameters(1)})
	assert.ErrorIs(t, err, core.ErrIncompatible)
}

func TestProduceBroadcastsToOthersOnly(t *testing.T) {
	f := newFixture(t)
	a := f.join("a")
	b := f.join("b")
	c := f.join("c")

	pid := f.produce("a")

	p, err := f.o.Users.Get("a")
	require.NoError(t, err)
	assert.Equal(t, pid, p.ProducerID)
	e, err := f.o.Producers.Get(pid)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("a"), e.Owner)

	assert.Empty(t, a.of(core.EventNewParticipantStream))
	for _, in := range []*inbox{b, c} {
		got := in.of(core.EventNewParticipantStream)
		require.Len(t, got, 1)
		var ns domain.NewStream
		require.NoError(t, json.Unmarshal(got[0].Data, &ns))
		assert.Equal(t, domain.NewStream{ID: "a", ProducerID: pid}, ns)
	}

	// one producer per participant
	_, err = f.o.Produce(f.ctx, "a", ProduceRequest{Kind: domain.KindAudio, RtpParameters: rtctest.OpusParameters(2)})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestProduceUsesNotifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	notifier := mocks.NewMockNotifier(ctrl)
	f.o.Notifier = notifier
	f.join("a")

	notifier.EXPECT().
		Broadcast(core.EventNewParticipantStream, gomock.Any(), domain.ConnID("a")).
		Do(func(_ string, payload any, _ domain.ConnID) {
			ns, ok := payload.(domain.NewStream)
			require.True(t, ok)
			assert.Equal(t, domain.ConnID("a"), ns.ID)
			assert.NotEmpty(t, ns.ProducerID)
		}).
		Times(1)

	f.produce("a")
}

func TestConsumeCreatesPausedConsumer(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	pid := f.produce("a")
	f.transport("b", domain.DirectionRecv)

	params, err := f.consume("b", pid)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, params.Kind)
	assert.Equal(t, pid, params.ProducerID)
	assert.NotEmpty(t, params.RtpParameters.Codecs)

	e, err := f.o.Consumers.Get(params.ID)
	require.NoError(t, err)
	assert.True(t, e.Value.Paused())
	p, err := f.o.Users.Get("b")
	require.NoError(t, err)
	assert.True(t, p.HasConsumer(params.ID))

	st, err := f.o.ResumeConsumer(f.ctx, "b", params.ID)
	require.NoError(t, err)
	assert.False(t, st.Paused)
	assert.False(t, e.Value.Paused())
}

func TestConsumeUnknownProducer(t *testing.T) {
	f := newFixture(t)
	b := f.join("b")
	f.transport("b", domain.DirectionRecv)

	_, err := f.consume("b", "producer-404")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, f.o.Consumers.Len())
	assert.False(t, b.closed)
	_, err = f.o.Users.Get("b")
	assert.NoError(t, err)
}

func TestConsumeIncompatibleCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	pid := f.produce("a")
	f.transport("b", domain.DirectionRecv)

	_, err := f.o.Consume(f.ctx, "b", ConsumeRequest{
		ProducerID: pid,
		RtpCapabilities: domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
			{Kind: domain.KindAudio, MimeType: "audio/PCMU", ClockRate: 8000, Channels: 1},
		}},
	})
	assert.ErrorIs(t, err, core.ErrIncompatible)
	assert.Zero(t, f.o.Consumers.Len())

	prod, ok := f.router.Producer(pid)
	require.True(t, ok)
	assert.False(t, prod.Closed())
	assert.False(t, prod.Paused())
}

func TestConsumeOwnProducerRejected(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	pid := f.produce("a")
	f.transport("a", domain.DirectionRecv)

	_, err := f.consume("a", pid)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestPauseResumeOwnership(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	pid := f.produce("a")

	_, err := f.o.PauseProducer(f.ctx, "b", pid)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.o.ResumeConsumer(f.ctx, "b", "consumer-404")
	assert.ErrorIs(t, err, core.ErrNotFound)

	st, err := f.o.PauseProducer(f.ctx, "a", pid)
	require.NoError(t, err)
	assert.Equal(t, domain.PauseState{ID: string(pid), Paused: true}, st)
	st, err = f.o.ResumeProducer(f.ctx, "a", pid)
	require.NoError(t, err)
	assert.False(t, st.Paused)
}

func TestToggleMuteTwiceRestores(t *testing.T) {
	f := newFixture(t)
	a := f.join("a")
	b := f.join("b")
	pa := f.produce("a")
	pb := f.produce("b")
	f.transport("a", domain.DirectionRecv)
	f.transport("b", domain.DirectionRecv)
	ca, err := f.consume("a", pb)
	require.NoError(t, err)
	cb, err := f.consume("b", pa)
	require.NoError(t, err)
	_, err = f.o.ResumeConsumer(f.ctx, "a", ca.ID)
	require.NoError(t, err)
	// cb is never resumed and must stay paused after unmute
	e, err := f.o.Consumers.Get(cb.ID)
	require.NoError(t, err)
	require.True(t, e.Value.Paused())

	paused := func() []bool {
		var out []bool
		for _, e := range f.o.Producers.All() {
			out = append(out, e.Value.Paused())
		}
		for _, e := range f.o.Consumers.All() {
			out = append(out, e.Value.Paused())
		}
		return out
	}
	before := paused()

	res, err := f.o.ToggleMute(f.ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.MuteResult{Muted: true, Succeeded: 3}, res)
	assert.Equal(t, []bool{true, true, true, true}, paused())
	assert.True(t, f.o.Muted())

	res, err = f.o.ToggleMute(f.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.MuteResult{Muted: false, Succeeded: 3}, res)
	assert.Equal(t, before, paused())
	assert.True(t, e.Value.Paused())

	for _, in := range []*inbox{a, b} {
		got := in.of(core.EventMuteStateChanged)
		require.Len(t, got, 2)
		assert.JSONEq(t, `{"muted":true}`, string(got[0].Data))
		assert.JSONEq(t, `{"muted":false}`, string(got[1].Data))
	}
}

func TestToggleMuteIsBestEffort(t *testing.T) {
	f := newFixture(t)
	a := f.join("a")
	f.join("b")
	f.join("c")
	pa := f.produce("a")
	pb := f.produce("b")
	broken, ok := f.router.Producer(pa)
	require.True(t, ok)
	broken.FailWith(errors.New("worker busy"))

	res, err := f.o.ToggleMute(f.ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.MuteResult{Muted: true, Succeeded: 1, Failed: 1}, res)

	healthy, _ := f.router.Producer(pb)
	assert.True(t, healthy.Paused())
	assert.Len(t, a.of(core.EventMuteStateChanged), 1)
}

func TestMutedSessionKeepsNewStreamsPaused(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	_, err := f.o.ToggleMute(f.ctx, "a")
	require.NoError(t, err)

	pid := f.produce("a")
	prod, _ := f.router.Producer(pid)
	assert.True(t, prod.Paused())

	f.transport("b", domain.DirectionRecv)
	params, err := f.consume("b", pid)
	require.NoError(t, err)
	st, err := f.o.ResumeConsumer(f.ctx, "b", params.ID)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	e, _ := f.o.Consumers.Get(params.ID)
	assert.True(t, e.Value.Paused())

	st, err = f.o.ResumeProducer(f.ctx, "a", pid)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.True(t, prod.Paused())

	// both were asked to run, so unmute starts them
	res, err := f.o.ToggleMute(f.ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.MuteResult{Muted: false, Succeeded: 2}, res)
	assert.False(t, prod.Paused())
	assert.False(t, e.Value.Paused())
}

func TestPauseWhileMutedSurvivesUnmute(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	pid := f.produce("a")
	_, err := f.o.ToggleMute(f.ctx, "a")
	require.NoError(t, err)

	_, err = f.o.PauseProducer(f.ctx, "a", pid)
	require.NoError(t, err)
	_, err = f.o.ToggleMute(f.ctx, "a")
	require.NoError(t, err)

	prod, _ := f.router.Producer(pid)
	assert.True(t, prod.Paused())
}

func TestToggleMuteRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.ToggleMute(f.ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, f.o.Muted())
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	b := f.join("b")
	pa := f.produce("a")
	f.transport("a", domain.DirectionRecv)
	pb := f.produce("b")
	f.transport("b", domain.DirectionRecv)
	_, err := f.consume("a", pb)
	require.NoError(t, err)
	cb, err := f.consume("b", pa)
	require.NoError(t, err)

	f.o.Disconnect("a")

	_, err = f.o.Users.Get("a")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, f.o.Transports.OwnedBy("a"))
	assert.Empty(t, f.o.Producers.OwnedBy("a"))
	assert.Empty(t, f.o.Consumers.OwnedBy("a"))
	assert.Equal(t, 2, f.router.TransportCount())
	assert.Equal(t, 1, f.router.ProducerCount())

	// b's consumer of a's stream went away with it
	_, err = f.o.Consumers.Get(cb.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	p, err := f.o.Users.Get("b")
	require.NoError(t, err)
	assert.Empty(t, p.ConsumerIDs)

	closed := b.of(core.EventConsumerClosed)
	require.Len(t, closed, 1)
	var cc domain.ConsumerClosed
	require.NoError(t, json.Unmarshal(closed[0].Data, &cc))
	assert.Equal(t, domain.ConsumerClosed{ConsumerID: cb.ID, ProducerID: pa}, cc)

	left := b.of(core.EventParticipantLeft)
	require.Len(t, left, 1)
	var pl domain.ParticipantLeft
	require.NoError(t, json.Unmarshal(left[0].Data, &pl))
	assert.Equal(t, domain.ParticipantLeft{ID: "a", ProducerID: pa}, pl)

	info := f.o.Info()
	assert.Equal(t, 1, info.Participants)
	assert.Equal(t, 2, info.Transports)
	assert.Equal(t, 1, info.Producers)
	assert.Equal(t, 0, info.Consumers)

	// a second disconnect is harmless
	f.o.Disconnect("a")
	assert.Len(t, b.of(core.EventParticipantLeft), 1)
}

func TestDtlsClosedDropsTransport(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	f.join("b")
	tid := f.transport("a", domain.DirectionSend)
	pid, err := f.o.Produce(f.ctx, "a", ProduceRequest{Kind: domain.KindAudio, RtpParameters: rtctest.OpusParameters(7)})
	require.NoError(t, err)

	tr, ok := f.router.Transport(tid)
	require.True(t, ok)
	tr.SetDtlsState(core.DtlsStateClosed)

	assert.True(t, tr.Closed())
	_, err = f.o.Transports.Get(tid)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.o.Producers.Get(pid)
	assert.ErrorIs(t, err, core.ErrNotFound)
	p, err := f.o.Users.Get("a")
	require.NoError(t, err)
	assert.Empty(t, p.ProducerID)

	n, err := f.o.Negotiations.Get("a")
	require.NoError(t, err)
	assert.Equal(t, app.StateJoined, n.State(domain.DirectionSend))

	f.produce("a")
}

func TestEngineDeathRejectsRequests(t *testing.T) {
	f := newFixture(t)
	f.join("a")
	engine := rtctest.NewEngine()
	exited := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.o.WatchEngine(ctx, engine.Died(), 10*time.Millisecond, func(code int) { exited <- code })
	engine.Kill(errors.New("worker exited"))

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit was not called")
	}
	assert.False(t, f.o.Alive())
	assert.False(t, f.o.Info().Alive)

	_, err := f.o.CreateTransport(f.ctx, "a", domain.DirectionSend)
	assert.ErrorIs(t, err, core.ErrEngineFatal)
	_, err = f.o.Connect("b", &inbox{}, func() {})
	assert.ErrorIs(t, err, core.ErrEngineFatal)
	_, err = f.o.ToggleMute(f.ctx, "a")
	assert.ErrorIs(t, err, core.ErrEngineFatal)
	assert.Equal(t, "engine_fatal", core.ErrorCode(err))
}

func TestWatchEngineStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.o.WatchEngine(ctx, make(chan error), time.Millisecond, func(int) { t.Error("unexpected exit") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.True(t, f.o.Alive())
}
