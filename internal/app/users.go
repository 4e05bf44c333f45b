package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// UserRegistry keeps connected participants in join order.
type UserRegistry struct {
	mu    sync.RWMutex
	users map[domain.ConnID]*domain.Participant
	order []domain.ConnID
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{
		users: make(map[domain.ConnID]*domain.Participant),
	}
}

func (r *UserRegistry) Add(id domain.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; ok {
		return fmt.Errorf("participant %s: %w", id, core.ErrAlreadyExists)
	}
	r.users[id] = domain.NewParticipant(id)
	r.order = append(r.order, id)
	log.Info().Str("module", "app.users").Str("conn", string(id)).Msg("added participant")
	return nil
}

// List returns a snapshot in insertion order.
func (r *UserRegistry) List() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.users[id].Clone())
	}
	return out
}

func (r *UserRegistry) Get(id domain.ConnID) (domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[id]
	if !ok {
		return domain.Participant{}, fmt.Errorf("participant %s: %w", id, core.ErrNotFound)
	}
	return p.Clone(), nil
}

func (r *UserRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Remove is a no-op for unknown ids.
func (r *UserRegistry) Remove(id domain.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return false
	}
	delete(r.users, id)
	r.order = slices.DeleteFunc(r.order, func(c domain.ConnID) bool { return c == id })
	log.Info().Str("module", "app.users").Str("conn", string(id)).Msg("removed participant")
	return true
}

func (r *UserRegistry) RecordProducer(id domain.ConnID, producerID domain.ProducerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.users[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, core.ErrNotFound)
	}
	p.ProducerID = producerID
	log.Debug().Str("module", "app.users").Str("conn", string(id)).Str("producer", string(producerID)).Msg("recorded producer")
	return nil
}

func (r *UserRegistry) RecordConsumer(id domain.ConnID, consumerID domain.ConsumerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.users[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, core.ErrNotFound)
	}
	if !p.HasConsumer(consumerID) {
		p.ConsumerIDs = append(p.ConsumerIDs, consumerID)
	}
	log.Debug().Str("module", "app.users").Str("conn", string(id)).Str("consumer", string(consumerID)).Msg("recorded consumer")
	return nil
}

// ForgetProducer clears the producer id if it still matches.
func (r *UserRegistry) ForgetProducer(id domain.ConnID, producerID domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[id]; ok && p.ProducerID == producerID {
		p.ProducerID = ""
	}
}

func (r *UserRegistry) ForgetConsumer(id domain.ConnID, consumerID domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.users[id]; ok {
		p.ConsumerIDs = slices.DeleteFunc(p.ConsumerIDs, func(c domain.ConsumerID) bool { return c == consumerID })
	}
}
