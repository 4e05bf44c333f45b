package core

import (
	"errors"

	"github.com/dkeye/VoiceSFU/internal/domain"
)

// Frame is a raw encoded message ready for the wire.
type Frame []byte

//go:generate mockgen -destination=mocks/mock_signal.go -package=mocks . SignalConnection,Notifier

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Notifier pushes server events to connected participants.
// Delivery is at-most-once; a slow receiver loses the event.
type Notifier interface {
	// Broadcast sends to every bound connection except exclude (empty means nobody is skipped).
	Broadcast(event string, payload any, exclude domain.ConnID)
	Send(to domain.ConnID, event string, payload any) error
}

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Server pushed events.
const (
	EventJoinSnapshot         = "join-snapshot"
	EventNewParticipantStream = "new-participant-stream"
	EventMuteStateChanged     = "mute-state-changed"
	EventParticipantLeft      = "participant-left"
	EventConsumerClosed       = "consumer-closed"
)
