package app

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
)

// Entry is one registered engine object and the connection owning it.
type Entry[K ~string, V any] struct {
	ID    K
	Owner domain.ConnID
	Value V

	seq uint64
}

// ResourceRegistry maps engine ids to handles.
type ResourceRegistry[K ~string, V any] struct {
	kind string

	mu    sync.RWMutex
	items map[K]Entry[K, V]
	seq   uint64
}

func NewResourceRegistry[K ~string, V any](kind string) *ResourceRegistry[K, V] {
	return &ResourceRegistry[K, V]{
		kind:  kind,
		items: make(map[K]Entry[K, V]),
	}
}

func (r *ResourceRegistry[K, V]) Put(id K, owner domain.ConnID, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%s %s: %w", r.kind, id, core.ErrAlreadyExists)
	}
	r.seq++
	r.items[id] = Entry[K, V]{ID: id, Owner: owner, Value: v, seq: r.seq}
	log.Debug().Str("module", "app.resources").Str("kind", r.kind).Str("id", string(id)).Str("owner", string(owner)).Msg("put")
	return nil
}

// Get fails with core.ErrNotFound for stale references.
func (r *ResourceRegistry[K, V]) Get(id K) (Entry[K, V], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return Entry[K, V]{}, fmt.Errorf("%s %s: %w", r.kind, id, core.ErrNotFound)
	}
	return e, nil
}

func (r *ResourceRegistry[K, V]) Remove(id K) (Entry[K, V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[id]
	if ok {
		delete(r.items, id)
		log.Debug().Str("module", "app.resources").Str("kind", r.kind).Str("id", string(id)).Msg("removed")
	}
	return e, ok
}

func (r *ResourceRegistry[K, V]) All() []Entry[K, V] {
	return r.collect(func(Entry[K, V]) bool { return true })
}

func (r *ResourceRegistry[K, V]) OwnedBy(owner domain.ConnID) []Entry[K, V] {
	return r.collect(func(e Entry[K, V]) bool { return e.Owner == owner })
}

func (r *ResourceRegistry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *ResourceRegistry[K, V]) collect(keep func(Entry[K, V]) bool) []Entry[K, V] {
	r.mu.RLock()
	out := make([]Entry[K, V], 0, len(r.items))
	for _, e := range r.items {
		if keep(e) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry[K, V]) int { return cmp.Compare(a.seq, b.seq) })
	return out
}
