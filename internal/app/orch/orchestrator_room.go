package orch

import (
	"context"

	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// Connect registers a participant and queues its join snapshot ahead of any broadcast.
func (o *Orchestrator) Connect(conn domain.ConnID, sc core.SignalConnection, cancel context.CancelFunc) (domain.Snapshot, error) {
	if err := o.guard(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := o.Users.Add(conn); err != nil {
		return domain.Snapshot{}, err
	}
	o.Negotiations.Open(conn)

	var snap domain.Snapshot
	o.Conns.Bind(conn, sc, cancel, func() core.Frame {
		snap = o.Snapshot(conn)
		frame, err := app.EncodeEvent(core.EventJoinSnapshot, snap)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("encode snapshot")
			return nil
		}
		return frame
	})
	o.syncGauges()
	log.Info().Str("module", "orch").Str("conn", string(conn)).Int("participants", len(snap.Participants)).Msg("participant joined")
	return snap, nil
}

// Disconnect removes the participant and closes everything it owned.
func (o *Orchestrator) Disconnect(conn domain.ConnID) {
	participant, err := o.Users.Get(conn)
	o.Users.Remove(conn)
	o.Negotiations.Drop(conn)
	o.Conns.Unbind(conn)

	for _, e := range o.Consumers.OwnedBy(conn) {
		e.Value.Close()
		o.Consumers.Remove(e.ID)
	}
	for _, e := range o.Producers.OwnedBy(conn) {
		e.Value.Close()
		o.Producers.Remove(e.ID)
	}
	for _, e := range o.Transports.OwnedBy(conn) {
		e.Value.Close()
		o.Transports.Remove(e.ID)
	}
	o.syncGauges()

	if err != nil {
		return
	}
	o.Notifier.Broadcast(core.EventParticipantLeft, domain.ParticipantLeft{
		ID:         conn,
		ProducerID: participant.ProducerID,
	}, conn)
	log.Info().Str("module", "orch").Str("conn", string(conn)).Msg("participant left")
}

// Kick drops a connection from outside the socket, e.g. an admin action.
func (o *Orchestrator) Kick(conn domain.ConnID) bool {
	return o.Conns.Cancel(conn)
}

// Join repeats the capability exchange for a connected participant.
func (o *Orchestrator) Join(conn domain.ConnID) (domain.Snapshot, error) {
	if err := o.guard(); err != nil {
		return domain.Snapshot{}, err
	}
	if _, err := o.Users.Get(conn); err != nil {
		return domain.Snapshot{}, err
	}
	return o.Snapshot(conn), nil
}
