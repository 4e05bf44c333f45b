package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/looplab/fsm"
)

// Negotiation states. The send and receive sides advance independently.
const (
	StateJoined = "joined"

	StateSendTransportCreated = "send_transport_created"
	StateSendTransportReady   = "send_transport_ready"
	StateProducing            = "producing"

	StateRecvTransportCreated = "recv_transport_created"
	StateRecvTransportReady   = "recv_transport_ready"
	StateConsuming            = "consuming"
)

const (
	EventCreateTransport  = "create_transport"
	EventConnectTransport = "connect_transport"
	EventProduce          = "produce"
	EventConsume          = "consume"
	EventReset            = "reset"
)

func newSendFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateJoined,
		fsm.Events{
			{Name: EventCreateTransport, Src: []string{StateJoined}, Dst: StateSendTransportCreated},
			{Name: EventConnectTransport, Src: []string{StateSendTransportCreated}, Dst: StateSendTransportReady},
			{Name: EventProduce, Src: []string{StateSendTransportReady}, Dst: StateProducing},
			{Name: EventReset, Src: []string{StateSendTransportCreated, StateSendTransportReady, StateProducing}, Dst: StateJoined},
		}, nil,
	)
}

func newRecvFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateJoined,
		fsm.Events{
			{Name: EventCreateTransport, Src: []string{StateJoined}, Dst: StateRecvTransportCreated},
			{Name: EventConnectTransport, Src: []string{StateRecvTransportCreated}, Dst: StateRecvTransportReady},
			{Name: EventConsume, Src: []string{StateRecvTransportReady, StateConsuming}, Dst: StateConsuming},
			{Name: EventReset, Src: []string{StateRecvTransportCreated, StateRecvTransportReady, StateConsuming}, Dst: StateJoined},
		}, nil,
	)
}

// Negotiation is the per-participant step machine. Request handlers hold
// Lock for the whole step so one participant's steps never interleave.
type Negotiation struct {
	mu sync.Mutex

	send *fsm.FSM
	recv *fsm.FSM

	idMu          sync.Mutex
	sendTransport domain.TransportID
	recvTransport domain.TransportID
}

func NewNegotiation() *Negotiation {
	return &Negotiation{send: newSendFSM(), recv: newRecvFSM()}
}

func (n *Negotiation) Lock()   { n.mu.Lock() }
func (n *Negotiation) Unlock() { n.mu.Unlock() }

func (n *Negotiation) machine(dir domain.Direction) *fsm.FSM {
	if dir == domain.DirectionSend {
		return n.send
	}
	return n.recv
}

func (n *Negotiation) State(dir domain.Direction) string {
	return n.machine(dir).Current()
}

// Check fails with core.ErrInvalidState if event is not allowed right now.
func (n *Negotiation) Check(dir domain.Direction, event string) error {
	m := n.machine(dir)
	if !m.Can(event) {
		return fmt.Errorf("%s %s in state %s: %w", dir, event, m.Current(), core.ErrInvalidState)
	}
	return nil
}

// Fire applies event. Staying in the same state is not an error.
func (n *Negotiation) Fire(ctx context.Context, dir domain.Direction, event string) error {
	err := n.machine(dir).Event(ctx, event)
	if err == nil {
		return nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return fmt.Errorf("%s %s: %v: %w", dir, event, err, core.ErrInvalidState)
}

func (n *Negotiation) Transport(dir domain.Direction) domain.TransportID {
	n.idMu.Lock()
	defer n.idMu.Unlock()
	if dir == domain.DirectionSend {
		return n.sendTransport
	}
	return n.recvTransport
}

func (n *Negotiation) SetTransport(dir domain.Direction, id domain.TransportID) {
	n.idMu.Lock()
	defer n.idMu.Unlock()
	if dir == domain.DirectionSend {
		n.sendTransport = id
	} else {
		n.recvTransport = id
	}
}

// ResetTransport returns dir to joined when id is the transport it was using.
func (n *Negotiation) ResetTransport(ctx context.Context, dir domain.Direction, id domain.TransportID) bool {
	n.idMu.Lock()
	current := n.sendTransport
	if dir == domain.DirectionRecv {
		current = n.recvTransport
	}
	if current != id {
		n.idMu.Unlock()
		return false
	}
	if dir == domain.DirectionSend {
		n.sendTransport = ""
	} else {
		n.recvTransport = ""
	}
	n.idMu.Unlock()
	_ = n.machine(dir).Event(ctx, EventReset)
	return true
}

// Negotiations holds one Negotiation per connected participant.
type Negotiations struct {
	mu    sync.RWMutex
	items map[domain.ConnID]*Negotiation
}

func NewNegotiations() *Negotiations {
	return &Negotiations{items: make(map[domain.ConnID]*Negotiation)}
}

func (t *Negotiations) Open(id domain.ConnID) *Negotiation {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := NewNegotiation()
	t.items[id] = n
	return n
}

func (t *Negotiations) Get(id domain.ConnID) (*Negotiation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.items[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, core.ErrNotFound)
	}
	return n, nil
}

func (t *Negotiations) Drop(id domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}
