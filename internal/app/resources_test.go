package app

import (
	"testing"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRegistryLifecycle(t *testing.T) {
	r := NewResourceRegistry[domain.ProducerID, string]("producer")
	require.NoError(t, r.Put("p1", "a", "one"))
	require.NoError(t, r.Put("p2", "b", "two"))
	require.NoError(t, r.Put("p3", "a", "three"))

	assert.ErrorIs(t, r.Put("p1", "b", "dup"), core.ErrAlreadyExists)

	e, err := r.Get("p2")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("b"), e.Owner)
	assert.Equal(t, "two", e.Value)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, core.ErrNotFound)

	owned := r.OwnedBy("a")
	require.Len(t, owned, 2)
	assert.Equal(t, domain.ProducerID("p1"), owned[0].ID)
	assert.Equal(t, domain.ProducerID("p3"), owned[1].ID)

	removed, ok := r.Remove("p1")
	assert.True(t, ok)
	assert.Equal(t, "one", removed.Value)
	_, ok = r.Remove("p1")
	assert.False(t, ok)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, domain.ProducerID("p2"), all[0].ID)
	assert.Equal(t, 2, r.Len())
}
