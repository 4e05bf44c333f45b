package orch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type pausable interface {
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

func producerKey(id domain.ProducerID) string { return "producer/" + string(id) }
func consumerKey(id domain.ConsumerID) string { return "consumer/" + string(id) }

// holdSet remembers the resources that are paused only because the session is muted.
type holdSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (h *holdSet) add(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keys == nil {
		h.keys = make(map[string]struct{})
	}
	h.keys[key] = struct{}{}
}

func (h *holdSet) remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, key)
}

func (h *holdSet) has(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.keys[key]
	return ok
}

func (h *holdSet) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = nil
}

type muteTarget struct {
	key string
	res pausable
}

func (o *Orchestrator) muteTargets() []muteTarget {
	producers := o.Producers.All()
	consumers := o.Consumers.All()
	out := make([]muteTarget, 0, len(producers)+len(consumers))
	for _, e := range producers {
		out = append(out, muteTarget{key: producerKey(e.ID), res: e.Value})
	}
	for _, e := range consumers {
		out = append(out, muteTarget{key: consumerKey(e.ID), res: e.Value})
	}
	return out
}

// ToggleMute flips the session mute flag. Muting pauses every running
// producer and consumer; unmuting resumes the ones the mute paused.
// A failing resource does not stop the others.
func (o *Orchestrator) ToggleMute(ctx context.Context, conn domain.ConnID) (domain.MuteResult, error) {
	if err := o.guard(); err != nil {
		return domain.MuteResult{}, err
	}
	if _, err := o.Users.Get(conn); err != nil {
		return domain.MuteResult{}, err
	}

	o.muteMu.Lock()
	defer o.muteMu.Unlock()
	target := !o.muted.Load()

	var ok, failed atomic.Int64
	limit := o.opts.MuteFanout
	if limit <= 0 {
		limit = -1
	}
	g := errgroup.Group{}
	g.SetLimit(limit)
	for _, t := range o.muteTargets() {
		t := t
		if target && t.res.Paused() {
			continue
		}
		if !target && !o.held.has(t.key) {
			continue
		}
		g.Go(func() error {
			var err error
			if target {
				err = t.res.Pause(ctx)
			} else {
				err = t.res.Resume(ctx)
			}
			if err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("module", "orch").Str("resource", t.key).Bool("muted", target).Msg("mute fan-out step failed")
				return nil
			}
			if target {
				o.held.add(t.key)
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if !target {
		o.held.clear()
	}

	o.muted.Store(target)
	o.Metrics.MuteToggled()
	res := domain.MuteResult{Muted: target, Succeeded: int(ok.Load()), Failed: int(failed.Load())}
	log.Info().Str("module", "orch").Str("conn", string(conn)).Bool("muted", target).
		Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("session mute toggled")

	o.Notifier.Broadcast(core.EventMuteStateChanged, domain.MuteState{Muted: target}, "")
	return res, nil
}
