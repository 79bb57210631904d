package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingFIFOAcrossGrowth(t *testing.T) {
	r := NewRing[int](2)
	for i := 0; i < 3; i++ {
		r.PushBack(i)
	}
	v, ok := r.PopFront()
	require.True(t, ok)
	assert.Equal(t, 0, v)

	// Wrap the write position before growing again
	for i := 3; i < 10; i++ {
		r.PushBack(i)
	}
	assert.Equal(t, 9, r.Len())

	got := r.PopN(100)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Equal(t, 0, r.Len())

	_, ok = r.PopFront()
	assert.False(t, ok)
}

func TestRingPeekAndClear(t *testing.T) {
	r := NewRing[string](0)
	_, ok := r.PeekFront()
	assert.False(t, ok)

	r.PushBack("a")
	r.PushBack("b")
	head, ok := r.PeekFront()
	require.True(t, ok)
	assert.Equal(t, "a", head)
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, 2, r.Clear())
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.PopN(1))
}

func TestRingEachStopsEarly(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 5; i++ {
		r.PushBack(i)
	}
	var seen []int
	r.Each(func(v int) bool {
		seen = append(seen, v)
		return v < 3
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 5, r.Len())
}
