package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewClientRegistry()
	cs := &clientSocket{id: 1}

	require.NoError(t, r.Insert(1, cs))
	assert.Same(t, cs, r.Lookup(1))
	assert.Equal(t, 1, r.Len())

	assert.ErrorIs(t, r.Insert(1, cs), ErrDuplicateClient)

	removed := r.Remove(1)
	assert.Same(t, cs, removed)
	assert.Nil(t, r.Lookup(1))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveAbsentIsIdempotent(t *testing.T) {
	r := NewClientRegistry()
	assert.Nil(t, r.Remove(99))
	assert.Nil(t, r.Remove(99))
}

func TestRegistryDrainEmptiesExactlyOnce(t *testing.T) {
	r := NewClientRegistry()
	require.NoError(t, r.Insert(1, &clientSocket{id: 1}))
	require.NoError(t, r.Insert(2, &clientSocket{id: 2}))

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Drain())
}
