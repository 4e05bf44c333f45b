package app

import (
	"testing"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(ps []domain.Participant) []domain.ConnID {
	out := make([]domain.ConnID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

func TestUserRegistryKeepsInsertionOrder(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.Add("b"))
	require.NoError(t, r.Add("c"))
	assert.True(t, r.Remove("b"))
	require.NoError(t, r.Add("b"))

	assert.Equal(t, []domain.ConnID{"a", "c", "b"}, ids(r.List()))
	assert.Equal(t, 3, r.Len())
}

func TestUserRegistryRejectsDuplicate(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	err := r.Add("a")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)
	assert.Len(t, r.List(), 1)
}

func TestUserRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	assert.False(t, r.Remove("zzz"))
	assert.Equal(t, []domain.ConnID{"a"}, ids(r.List()))
}

func TestUserRegistryAddRemoveSequence(t *testing.T) {
	r := NewUserRegistry()
	ops := []struct {
		add bool
		id  domain.ConnID
	}{
		{true, "a"}, {true, "b"}, {false, "a"}, {true, "c"}, {false, "c"},
		{true, "a"}, {false, "b"}, {true, "d"}, {false, "x"},
	}
	for _, op := range ops {
		if op.add {
			_ = r.Add(op.id)
		} else {
			r.Remove(op.id)
		}
	}
	list := ids(r.List())
	assert.Equal(t, []domain.ConnID{"a", "d"}, list)
	seen := map[domain.ConnID]bool{}
	for _, id := range list {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestUserRegistryRecordOnAbsentLeavesRegistryUnchanged(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	before := r.List()

	assert.ErrorIs(t, r.RecordProducer("ghost", "p1"), core.ErrNotFound)
	assert.ErrorIs(t, r.RecordConsumer("ghost", "c1"), core.ErrNotFound)

	assert.Equal(t, before, r.List())
}

func TestUserRegistryRecordAndForget(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.RecordProducer("a", "p1"))
	require.NoError(t, r.RecordConsumer("a", "c1"))
	require.NoError(t, r.RecordConsumer("a", "c2"))
	require.NoError(t, r.RecordConsumer("a", "c1"))

	p, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("p1"), p.ProducerID)
	assert.Equal(t, []domain.ConsumerID{"c1", "c2"}, p.ConsumerIDs)

	r.ForgetProducer("a", "other")
	r.ForgetConsumer("a", "c1")
	p, _ = r.Get("a")
	assert.Equal(t, domain.ProducerID("p1"), p.ProducerID)
	assert.Equal(t, []domain.ConsumerID{"c2"}, p.ConsumerIDs)

	r.ForgetProducer("a", "p1")
	p, _ = r.Get("a")
	assert.Empty(t, p.ProducerID)
}

func TestUserRegistryListIsSnapshot(t *testing.T) {
	r := NewUserRegistry()
	require.NoError(t, r.Add("a"))
	require.NoError(t, r.RecordConsumer("a", "c1"))
	list := r.List()
	list[0].ConsumerIDs[0] = "mutated"

	p, _ := r.Get("a")
	assert.Equal(t, []domain.ConsumerID{"c1"}, p.ConsumerIDs)
}
