package core

import (
	"context"

	"github.com/dkeye/VoiceSFU/internal/domain"
)

// DTLS states reported through Transport.OnDtlsStateChange.
const (
	DtlsStateNew        = "new"
	DtlsStateConnecting = "connecting"
	DtlsStateConnected  = "connected"
	DtlsStateFailed     = "failed"
	DtlsStateClosed     = "closed"
)

// MediaEngine is the external SFU worker.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	// Died yields once if the engine stops unexpectedly. The process cannot continue after that.
	Died() <-chan error
	Close()
}

type TransportOptions struct {
	Owner       domain.ConnID
	Direction   domain.Direction
	ListenIP    string
	AnnouncedIP string
	EnableUDP   bool
	EnableTCP   bool
	PreferUDP   bool
}

type Router interface {
	RtpCapabilities() domain.RtpCapabilities
	// CanConsume reports whether a device with caps can receive the producer.
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close()
}

type ConnectParams struct {
	DtlsParameters domain.DtlsParameters
	// Remote ICE credentials and candidates. Engines running full ICE checks need them.
	IceParameters *domain.IceParameters
	IceCandidates []domain.IceCandidate
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	AppData       map[string]any
	Paused        bool
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
}

// Transport closes its producers and consumers when closed. Close never
// fires the transport's own callbacks; children fire OnTransportClose.
type Transport interface {
	ID() domain.TransportID
	Direction() domain.Direction
	Params() domain.TransportParams
	Connect(ctx context.Context, p ConnectParams) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	OnDtlsStateChange(fn func(state string))
	Close()
	Closed() bool
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	// Close closes every consumer of this producer; they fire OnProducerClose.
	Close()
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnTransportClose(fn func())
	OnProducerClose(fn func())
	Close()
}
