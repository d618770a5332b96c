package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocv.io/x/gocv"
)

// mat tags a Mat with a recognizable row count so ordering is checkable.
func taggedMat(t *testing.T, rows int) gocv.Mat {
	t.Helper()
	return gocv.NewMatWithSize(rows, 1, gocv.MatTypeCV8UC1)
}

func TestReorderBufferReleasesInOrder(t *testing.T) {
	b := newReorderBuffer()
	defer b.drain()

	// Completion order 2, 0, 1: nothing may leave before frame 0.
	assert.Empty(t, b.push(2, taggedMat(t, 3)))

	ready := b.push(0, taggedMat(t, 1))
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Rows())
	ready[0].Close()

	ready = b.push(1, taggedMat(t, 2))
	require.Len(t, ready, 2)
	assert.Equal(t, 2, ready[0].Rows())
	assert.Equal(t, 3, ready[1].Rows())
	for _, m := range ready {
		m.Close()
	}
}

func TestReorderBufferSequential(t *testing.T) {
	b := newReorderBuffer()
	defer b.drain()

	for i := 0; i < 5; i++ {
		ready := b.push(i, taggedMat(t, i+1))
		require.Len(t, ready, 1)
		assert.Equal(t, i+1, ready[0].Rows())
		ready[0].Close()
	}
}

func TestReorderBufferDrain(t *testing.T) {
	b := newReorderBuffer()
	b.push(5, taggedMat(t, 1))
	b.push(7, taggedMat(t, 1))
	b.drain()
	assert.Empty(t, b.pending)
}
