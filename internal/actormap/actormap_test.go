package actormap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_AddGetRemove(t *testing.T) {
	m := New[int]()

	require.True(t, m.Add("1", "b", 2))
	require.True(t, m.Add("1", "a", 1))
	require.False(t, m.Add("1", "a", 100))
	require.True(t, m.Add("2", "a", 3))

	v, ok := m.Get("1", "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 2, m.SimulationLen("1"))
	assert.Equal(t, []int{1, 2, 3}, m.Snapshot())
	assert.Equal(t, []string{"a", "b"}, m.Keys("1"))

	removed, ok := m.Remove("1", "a")
	require.True(t, ok)
	assert.Equal(t, 1, removed)
	_, ok = m.Remove("1", "a")
	assert.False(t, ok)

	assert.Equal(t, []int{2}, m.SimulationSnapshot("1"))
	assert.Equal(t, []int{3}, m.RemoveSimulation("2"))
	assert.Empty(t, m.SimulationSnapshot("2"))
	assert.Equal(t, 1, m.Len())
}

func TestMap_ConcurrentAccess(t *testing.T) {
	m := New[string]()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("k%d", i)
				m.Add("1", key, key)
				_ = m.Snapshot()
				if w%2 == 0 {
					m.Remove("1", key)
				}
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len(), 100)
	for _, key := range m.Keys("1") {
		v, ok := m.Get("1", key)
		require.True(t, ok)
		assert.Equal(t, key, v)
	}
}
