package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

type transportRequest struct {
	Sender    *bool            `json:"sender,omitempty"`
	Direction domain.Direction `json:"direction,omitempty"`
}

func (ctl *SignalWSController) handleRequestTransport(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[transportRequest](data)
	if err != nil {
		return nil, err
	}
	dir := p.Direction
	if p.Sender != nil {
		dir = domain.DirectionRecv
		if *p.Sender {
			dir = domain.DirectionSend
		}
	}
	if dir == "" {
		return nil, fmt.Errorf("request-transport needs sender or direction: %w", core.ErrBadPayload)
	}
	return ctl.Orch.CreateTransport(ctx, conn, dir)
}

type connectRequest struct {
	TransportID    domain.TransportID    `json:"transportId"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	IceParameters  *domain.IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []domain.IceCandidate `json:"iceCandidates,omitempty"`
}

type connectedReply struct {
	Connected bool `json:"connected"`
}

func (ctl *SignalWSController) connectHandler(dir domain.Direction) handlerFunc {
	return func(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
		p, err := decode[connectRequest](data)
		if err != nil {
			return nil, err
		}
		if p.TransportID == "" {
			return nil, fmt.Errorf("transportId missing: %w", core.ErrBadPayload)
		}
		err = ctl.Orch.ConnectTransport(ctx, conn, dir, p.TransportID, core.ConnectParams{
			DtlsParameters: p.DtlsParameters,
			IceParameters:  p.IceParameters,
			IceCandidates:  p.IceCandidates,
		})
		if err != nil {
			return nil, err
		}
		return connectedReply{Connected: true}, nil
	}
}

type produceRequest struct {
	TransportID   domain.TransportID   `json:"transportId,omitempty"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       map[string]any       `json:"appData,omitempty"`
}

type producedReply struct {
	ID domain.ProducerID `json:"id"`
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[produceRequest](data)
	if err != nil {
		return nil, err
	}
	if p.Kind == "" {
		return nil, fmt.Errorf("kind missing: %w", core.ErrBadPayload)
	}
	id, err := ctl.Orch.Produce(ctx, conn, orch.ProduceRequest{
		TransportID:   p.TransportID,
		Kind:          p.Kind,
		RtpParameters: p.RtpParameters,
		AppData:       p.AppData,
	})
	if err != nil {
		return nil, err
	}
	return producedReply{ID: id}, nil
}

type consumeRequest struct {
	TransportID     domain.TransportID     `json:"transportId,omitempty"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[consumeRequest](data)
	if err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, fmt.Errorf("producerId missing: %w", core.ErrBadPayload)
	}
	return ctl.Orch.Consume(ctx, conn, orch.ConsumeRequest{
		TransportID:     p.TransportID,
		ProducerID:      p.ProducerID,
		RtpCapabilities: p.RtpCapabilities,
	})
}

type resourceRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId,omitempty"`
	ProducerID domain.ProducerID `json:"producerId,omitempty"`
}

func (ctl *SignalWSController) handleConsumerResume(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[resourceRequest](data)
	if err != nil {
		return nil, err
	}
	if p.ConsumerID == "" {
		return nil, fmt.Errorf("consumerId missing: %w", core.ErrBadPayload)
	}
	return ctl.Orch.ResumeConsumer(ctx, conn, p.ConsumerID)
}

func (ctl *SignalWSController) handleProducerPause(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[resourceRequest](data)
	if err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, fmt.Errorf("producerId missing: %w", core.ErrBadPayload)
	}
	return ctl.Orch.PauseProducer(ctx, conn, p.ProducerID)
}

func (ctl *SignalWSController) handleProducerResume(ctx context.Context, conn domain.ConnID, data json.RawMessage) (any, error) {
	p, err := decode[resourceRequest](data)
	if err != nil {
		return nil, err
	}
	if p.ProducerID == "" {
		return nil, fmt.Errorf("producerId missing: %w", core.ErrBadPayload)
	}
	return ctl.Orch.ResumeProducer(ctx, conn, p.ProducerID)
}
