package buffercache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func listOf(r *ring, bucket int) []int32 {
	var out []int32
	r.each(bucket, func(i int32) bool {
		out = append(out, i)
		return true
	})
	return out
}

func TestRingPushUnlink(t *testing.T) {
	r := newRing(4, 2)
	require.Empty(t, listOf(r, 0))

	r.pushFront(0, 0)
	r.pushFront(0, 1)
	r.pushFront(1, 2)
	r.pushFront(0, 3)
	require.Equal(t, []int32{3, 1, 0}, listOf(r, 0))
	require.Equal(t, []int32{2}, listOf(r, 1))

	r.unlink(1)
	require.Equal(t, []int32{3, 0}, listOf(r, 0))

	// Moving a node across buckets is unlink + push.
	r.unlink(0)
	r.pushFront(1, 0)
	require.Equal(t, []int32{3}, listOf(r, 0))
	require.Equal(t, []int32{0, 2}, listOf(r, 1))

	r.unlink(3)
	require.Empty(t, listOf(r, 0))
}

func TestRingEachStopsEarly(t *testing.T) {
	r := newRing(3, 1)
	for i := int32(0); i < 3; i++ {
		r.pushFront(0, i)
	}
	var visited []int32
	r.each(0, func(i int32) bool {
		visited = append(visited, i)
		return i != 1
	})
	require.Equal(t, []int32{2, 1}, visited)
}
