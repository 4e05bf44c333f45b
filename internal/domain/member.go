package domain

import "slices"

// Participant is one connected peer and the media it owns.
// ProducerID is empty until the peer starts sending.
type Participant struct {
	ID          ConnID       `json:"id"`
	ProducerID  ProducerID   `json:"producerId"`
	ConsumerIDs []ConsumerID `json:"consumerIds"`
}

// NewParticipant avoids raw literals in registries and keeps construction obvious.
func NewParticipant(id ConnID) *Participant {
	return &Participant{ID: id, ConsumerIDs: []ConsumerID{}}
}

// Clone returns a copy safe to hand out of a locked registry.
func (p *Participant) Clone() Participant {
	out := *p
	out.ConsumerIDs = slices.Clone(p.ConsumerIDs)
	if out.ConsumerIDs == nil {
		out.ConsumerIDs = []ConsumerID{}
	}
	return out
}

func (p *Participant) HasConsumer(id ConsumerID) bool {
	return slices.Contains(p.ConsumerIDs, id)
}
