package pipeline

import "gocv.io/x/gocv"

// reorderBuffer releases frames to the encoder strictly in input order,
// regardless of completion order. Output frame order always matches
// input frame order; nothing downstream may observe a gap or a swap.
type reorderBuffer struct {
	next    int
	pending map[int]gocv.Mat
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[int]gocv.Mat)}
}

// push stages a completed frame and returns every frame that is now
// ready, in order. Ownership of returned Mats passes to the caller.
func (b *reorderBuffer) push(index int, frame gocv.Mat) []gocv.Mat {
	b.pending[index] = frame

	var ready []gocv.Mat
	for {
		f, ok := b.pending[b.next]
		if !ok {
			return ready
		}
		delete(b.pending, b.next)
		b.next++
		ready = append(ready, f)
	}
}

// drain releases all staged frames. Used on abort paths to avoid leaking
// Mats that will never be encoded.
func (b *reorderBuffer) drain() {
	for idx, f := range b.pending {
		f.Close()
		delete(b.pending, idx)
	}
}
