package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// PacketSource yields the producer's packets.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// Relay fans one producer out to its consumers.
type Relay struct {
	ID domain.ProducerID

	mu        sync.RWMutex
	outTracks map[domain.ConsumerID]*OutTrack

	paused  atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
}

func NewRelay(id domain.ProducerID) *Relay {
	return &Relay{
		ID:        id,
		outTracks: make(map[domain.ConsumerID]*OutTrack),
	}
}

// loop reads RTP packets from the source and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, src PacketSource, logger *zerolog.Logger) {
	defer r.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended, stopping")
			r.markAllDelete()
			return
		}
		if r.paused.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ConsumerID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.ConsumerID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		if ot, ok := r.outTracks[id]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, id)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst domain.ConsumerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst domain.ConsumerID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

func (r *Relay) SetPaused(paused bool) { r.paused.Store(paused) }

func (r *Relay) Paused() bool { return r.paused.Load() }

func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
