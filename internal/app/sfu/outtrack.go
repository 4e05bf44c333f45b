package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// PacketSink is where a consumer's packets go. *webrtc.TrackLocalStaticRTP satisfies it.
type PacketSink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single consumer of a relay.
type OutTrack struct {
	Sink  PacketSink
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(sink PacketSink) *OutTrack {
	return &OutTrack{Sink: sink}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
