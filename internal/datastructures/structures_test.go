package datastructures

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMapBasic(t *testing.T) {
	m := NewShardedMap[int](8)

	m.Set("a", 1)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Count())
}

func TestShardedMapUpdateSerializesKey(t *testing.T) {
	m := NewShardedMap[int](0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Update("hot", func(cur int, _ bool) (int, bool) {
					return cur + 1, true
				})
			}
		}()
	}
	wg.Wait()

	v, _ := m.Get("hot")
	assert.Equal(t, 5000, v)
}

func TestShardedMapUpdateDelete(t *testing.T) {
	m := NewShardedMap[string](4)
	m.Set("k", "v")

	m.Update("k", func(string, bool) (string, bool) { return "", false })
	_, ok := m.Get("k")
	assert.False(t, ok)
}

func TestShardedMapDeleteIf(t *testing.T) {
	m := NewShardedMap[int](4)
	for i := 0; i < 10; i++ {
		m.Set(strconv.Itoa(i), i)
	}

	removed := m.DeleteIf(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 5, removed)
	assert.Equal(t, 5, m.Count())

	seen := 0
	m.Range(func(_ string, v int) bool {
		assert.Equal(t, 1, v%2)
		seen++
		return true
	})
	assert.Equal(t, 5, seen)
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}

	old, evicted := r.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Slice())

	newest, ok := r.Newest()
	require.True(t, ok)
	assert.Equal(t, 4, newest)

	var reversed []int
	r.DoReverse(func(v int) bool {
		reversed = append(reversed, v)
		return true
	})
	assert.Equal(t, []int{4, 3, 2}, reversed)
}

func TestRingDropOldest(t *testing.T) {
	r := NewRing[int](5)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	dropped := r.DropOldest(func(v int) bool { return v < 3 })
	assert.Equal(t, 2, dropped)
	assert.Equal(t, []int{3, 4, 5}, r.Slice())

	r.Push(6)
	r.Push(7)
	r.Push(8)
	assert.Equal(t, []int{4, 5, 6, 7, 8}, r.Slice())
	assert.Equal(t, 5, r.Cap())
}
