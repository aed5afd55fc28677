package searcher

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMinQueueOrder(t *testing.T) {
	q := NewMin()
	for _, d := range []float32{5, 1, 3, 2, 4} {
		q.Push(Candidate{Slot: uint32(d), Distance: d})
	}
	var got []float32
	for q.Len() > 0 {
		c, ok := q.Pop()
		require.True(t, ok)
		got = append(got, c.Distance)
	}
	require.Equal(t, []float32{1, 2, 3, 4, 5}, got)
}

func TestMaxQueueBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	q := NewMax()
	const k = 5
	all := make([]float32, 100)
	for i := range all {
		all[i] = rng.Float32()
		q.PushBounded(Candidate{Slot: uint32(i), Distance: all[i]}, k)
	}
	require.Equal(t, k, q.Len())

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	got := q.Drain()
	require.Len(t, got, k)
	for i, c := range got {
		require.Equal(t, all[i], c.Distance)
	}
}

func TestMinQueueBoundedKeepsLargest(t *testing.T) {
	q := NewMin()
	for i := 0; i < 10; i++ {
		q.PushBounded(Candidate{Slot: uint32(i), Distance: float32(i)}, 3)
	}
	require.Equal(t, 3, q.Len())
	top, ok := q.Top()
	require.True(t, ok)
	require.Equal(t, float32(7), top.Distance)
}

func TestDrainBestFirst(t *testing.T) {
	q := NewMax()
	for _, d := range []float32{0.9, 0.1, 0.5} {
		q.Push(Candidate{Distance: d})
	}
	got := q.Drain()
	require.Equal(t, []float32{0.1, 0.5, 0.9}, []float32{got[0].Distance, got[1].Distance, got[2].Distance})
	require.Equal(t, 0, q.Len())
}

func TestEmptyQueue(t *testing.T) {
	q := NewMin()
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Top()
	require.False(t, ok)
	q.Reset()
	require.Equal(t, 0, q.Len())
}
