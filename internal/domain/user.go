// Package domain contains entity without logic, just meta-data
package domain

import "github.com/google/uuid"

type (
	ConnID      string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

// NewConnID allocates an id for a freshly accepted signalling connection.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}
