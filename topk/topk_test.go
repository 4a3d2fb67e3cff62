package topk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeap_KeepsHighestK(t *testing.T) {
	h := New[int](3, func(v int) float64 { return float64(v) })
	for _, v := range []int{5, 1, 9, 3, 7, 2, 8} {
		h.Push(v)
	}
	assert.Equal(t, []int{9, 8, 7}, h.Items())
}

func TestHeap_FewerThanK(t *testing.T) {
	h := New[int](5, func(v int) float64 { return float64(v) })
	h.Push(3)
	h.Push(1)
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, []int{3, 1}, h.Items())
}

func TestHeap_ZeroK(t *testing.T) {
	h := New[int](0, func(v int) float64 { return float64(v) })
	h.Push(3)
	assert.Equal(t, 0, h.Len())
}

func TestHeap_TiesKeepExisting(t *testing.T) {
	h := New[string](1, func(v string) float64 { return 1.0 })
	h.Push("first")
	h.Push("second")
	assert.Equal(t, []string{"first"}, h.Items())
}
