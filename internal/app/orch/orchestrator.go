package orch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ListenIP    string
	AnnouncedIP string
	EnableUDP   bool
	EnableTCP   bool
	PreferUDP   bool
	// MuteFanout bounds concurrent engine calls during a session-wide mute. <= 0 means unbounded.
	MuteFanout int
}

// Orchestrator coordinates participants, their negotiation and the media engine.
type Orchestrator struct {
	Users        *app.UserRegistry
	Transports   *app.ResourceRegistry[domain.TransportID, core.Transport]
	Producers    *app.ResourceRegistry[domain.ProducerID, core.Producer]
	Consumers    *app.ResourceRegistry[domain.ConsumerID, core.Consumer]
	Negotiations *app.Negotiations
	Conns        *app.Connections
	Notifier     core.Notifier
	Router       core.Router
	Metrics      *app.Metrics

	opts Options

	// muteMu is held for writing during a mute toggle and for reading by
	// steps that must observe a stable mute state.
	muteMu sync.RWMutex
	muted  atomic.Bool
	held   holdSet

	alive atomic.Bool
}

func New(router core.Router, conns *app.Connections, metrics *app.Metrics, opts Options) *Orchestrator {
	o := &Orchestrator{
		Users:        app.NewUserRegistry(),
		Transports:   app.NewResourceRegistry[domain.TransportID, core.Transport]("transport"),
		Producers:    app.NewResourceRegistry[domain.ProducerID, core.Producer]("producer"),
		Consumers:    app.NewResourceRegistry[domain.ConsumerID, core.Consumer]("consumer"),
		Negotiations: app.NewNegotiations(),
		Conns:        conns,
		Notifier:     conns,
		Router:       router,
		Metrics:      metrics,
		opts:         opts,
	}
	o.alive.Store(true)
	return o
}

func (o *Orchestrator) guard() error {
	if !o.alive.Load() {
		return core.ErrEngineFatal
	}
	return nil
}

// begin locks the participant's negotiation for one request step.
func (o *Orchestrator) begin(conn domain.ConnID) (*app.Negotiation, error) {
	if err := o.guard(); err != nil {
		return nil, err
	}
	n, err := o.Negotiations.Get(conn)
	if err != nil {
		return nil, err
	}
	n.Lock()
	return n, nil
}

func (o *Orchestrator) Alive() bool { return o.alive.Load() }

func (o *Orchestrator) Muted() bool { return o.muted.Load() }

func (o *Orchestrator) Participants() []domain.Participant {
	return o.Users.List()
}

// Snapshot is the capability exchange answer for conn.
func (o *Orchestrator) Snapshot(conn domain.ConnID) domain.Snapshot {
	return domain.Snapshot{
		SelfID:                conn,
		RouterRtpCapabilities: o.Router.RtpCapabilities(),
		Participants:          o.Users.List(),
		Muted:                 o.muted.Load(),
	}
}

func (o *Orchestrator) Info() domain.SessionInfo {
	return domain.SessionInfo{
		Alive:        o.alive.Load(),
		Muted:        o.muted.Load(),
		Participants: o.Users.Len(),
		Transports:   o.Transports.Len(),
		Producers:    o.Producers.Len(),
		Consumers:    o.Consumers.Len(),
	}
}

func (o *Orchestrator) syncGauges() {
	o.Metrics.SetCounts(o.Users.Len(), o.Transports.Len(), o.Producers.Len(), o.Consumers.Len())
}

// Halt stops accepting requests after the engine died.
func (o *Orchestrator) Halt(err error) {
	if !o.alive.CompareAndSwap(true, false) {
		return
	}
	o.Metrics.EngineDown()
	log.Error().Err(err).Str("module", "orch").Msg("media engine died, refusing requests")
}

// WatchEngine halts the coordinator when died fires and calls exit after grace.
func (o *Orchestrator) WatchEngine(ctx context.Context, died <-chan error, grace time.Duration, exit func(code int)) {
	select {
	case <-ctx.Done():
		return
	case err := <-died:
		o.Halt(err)
		log.Warn().Str("module", "orch").Dur("grace", grace).Msg("exiting after grace period")
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			exit(1)
		case <-ctx.Done():
		}
	}
}
