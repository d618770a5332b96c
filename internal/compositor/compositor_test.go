package compositor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/secondly/face-ai/internal/analyzer"
)

func TestCheckWarpGeometryInBounds(t *testing.T) {
	// Identity: the crop lands at the frame origin, well inside.
	identity := analyzer.Affine{1, 0, 0, 0, 1, 0}
	assert.NoError(t, checkWarpGeometry(identity, 640, 480))
}

func TestCheckWarpGeometryPartialOverlapAccepted(t *testing.T) {
	// Forward transform shifts the face region so the crop pokes past the
	// frame edge but still overlaps it. Partial clipping is blendable.
	shifted := analyzer.Affine{1, 0, 64, 0, 1, 64}
	assert.NoError(t, checkWarpGeometry(shifted, 640, 480))
}

func TestCheckWarpGeometryFullyOutside(t *testing.T) {
	// Inverse places every crop corner far beyond the frame.
	far := analyzer.Affine{1, 0, -10000, 0, 1, -10000}
	assert.ErrorIs(t, checkWarpGeometry(far, 640, 480), ErrOutOfBounds)
}

func TestCheckWarpGeometryDegenerate(t *testing.T) {
	assert.ErrorIs(t, checkWarpGeometry(analyzer.Affine{}, 640, 480), ErrOutOfBounds)
}

func TestNewBlenderForcesOddBlur(t *testing.T) {
	assert.Equal(t, 31, NewBlender(30, false).blurSize)
	assert.Equal(t, 31, NewBlender(31, false).blurSize)
}
