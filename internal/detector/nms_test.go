package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2, score float32) Detection {
	return Detection{Box: BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2}, Score: score}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     BoundingBox
		expected float32
	}{
		{
			"Identical",
			BoundingBox{0, 0, 10, 10},
			BoundingBox{0, 0, 10, 10},
			1.0,
		},
		{
			"Disjoint",
			BoundingBox{0, 0, 10, 10},
			BoundingBox{20, 20, 30, 30},
			0.0,
		},
		{
			"Touching",
			BoundingBox{0, 0, 10, 10},
			BoundingBox{10, 0, 20, 10},
			0.0,
		},
		{
			"HalfOverlap",
			BoundingBox{0, 0, 10, 10},
			BoundingBox{0, 5, 10, 15},
			// intersection 50, union 150
			1.0 / 3.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, IoU(tt.a, tt.b), 1e-6)
		})
	}
}

func TestNMSSuppressesOverlaps(t *testing.T) {
	dets := []Detection{
		det(0, 0, 100, 100, 0.6),
		det(5, 5, 105, 105, 0.9), // near-duplicate, higher score
		det(300, 300, 400, 400, 0.8),
	}

	kept := NMS(dets, 0.4)
	require.Len(t, kept, 2)

	// Score-descending, and the duplicate's survivor is the 0.9 box.
	assert.Equal(t, float32(0.9), kept[0].Score)
	assert.Equal(t, float32(0.8), kept[1].Score)
}

func TestNMSKeepsDisjointDetections(t *testing.T) {
	dets := []Detection{
		det(0, 0, 50, 50, 0.5),
		det(100, 100, 150, 150, 0.7),
		det(200, 200, 250, 250, 0.6),
	}

	kept := NMS(dets, 0.4)
	assert.Len(t, kept, 3)
}

func TestNMSEmpty(t *testing.T) {
	assert.Empty(t, NMS(nil, 0.4))
}

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 70}
	assert.Equal(t, float32(100), b.Width())
	assert.Equal(t, float32(50), b.Height())
	assert.Equal(t, float32(5000), b.Area())
	assert.Equal(t, Point{X: 60, Y: 45}, b.Center())
}
