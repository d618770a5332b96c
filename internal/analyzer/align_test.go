package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondly/face-ai/internal/detector"
)

func TestEstimateSimilarityIdentity(t *testing.T) {
	m := EstimateSimilarity(alignTemplate112, alignTemplate112)

	for _, p := range alignTemplate112 {
		q := m.Apply(p)
		assert.InDelta(t, p.X, q.X, 1e-3)
		assert.InDelta(t, p.Y, q.Y, 1e-3)
	}
}

func TestEstimateSimilarityRecoversKnownTransform(t *testing.T) {
	// Apply a known similarity (scale 2, translate +10/+20) to the
	// template, then check the estimate maps source onto destination.
	var dst detector.Landmarks
	for i, p := range alignTemplate112 {
		dst[i] = detector.Point{X: 2*p.X + 10, Y: 2*p.Y + 20}
	}

	m := EstimateSimilarity(alignTemplate112, dst)
	for i, p := range alignTemplate112 {
		q := m.Apply(p)
		assert.InDelta(t, dst[i].X, q.X, 1e-2)
		assert.InDelta(t, dst[i].Y, q.Y, 1e-2)
	}
}

func TestAffineInvertRoundTrip(t *testing.T) {
	m := Affine{1.5, -0.3, 40, 0.3, 1.5, -25}
	inv, ok := m.Invert()
	require.True(t, ok)

	p := detector.Point{X: 17, Y: 42}
	q := inv.Apply(m.Apply(p))
	assert.InDelta(t, p.X, q.X, 1e-3)
	assert.InDelta(t, p.Y, q.Y, 1e-3)
}

func TestAffineInvertDegenerate(t *testing.T) {
	_, ok := Affine{}.Invert()
	assert.False(t, ok)
}

func TestAlignerSwapTemplateScaled(t *testing.T) {
	a := NewAligner()
	scale := float32(SwapCropSize) / float32(EmbedCropSize)
	for i := range a.embedTemplate {
		assert.InDelta(t, a.embedTemplate[i].X*scale, a.swapTemplate[i].X, 1e-5)
		assert.InDelta(t, a.embedTemplate[i].Y*scale, a.swapTemplate[i].Y, 1e-5)
	}
}

func TestEmbeddingCosine(t *testing.T) {
	var a, b Embedding
	a[0] = 1
	b[0] = 1
	assert.InDelta(t, 1.0, a.Cosine(&b), 1e-6)

	b[0] = -1
	assert.InDelta(t, -1.0, a.Cosine(&b), 1e-6)

	var c Embedding
	c[1] = 1
	assert.InDelta(t, 0.0, a.Cosine(&c), 1e-6)
}

func TestEmbeddingNormalize(t *testing.T) {
	var e Embedding
	e[0] = 3
	e[1] = 4
	e.Normalize()

	var norm float32
	for _, v := range e {
		norm += v * v
	}
	assert.InDelta(t, 1.0, float64(norm), 1e-5)
	assert.InDelta(t, 0.6, float64(e[0]), 1e-5)
	assert.InDelta(t, 0.8, float64(e[1]), 1e-5)
}

func TestOrderRecords(t *testing.T) {
	records := FrameFaceSet{
		{Box: detector.BoundingBox{X1: 300}, Score: 0.7},
		{Box: detector.BoundingBox{X1: 100}, Score: 0.9},
		{Box: detector.BoundingBox{X1: 200}, Score: 0.7},
	}

	orderRecords(records)

	assert.Equal(t, float32(0.9), records[0].Score)
	// Equal scores order left to right.
	assert.Equal(t, float32(200), records[1].Box.X1)
	assert.Equal(t, float32(300), records[2].Box.X1)
	for i, r := range records {
		assert.Equal(t, i, r.Index)
	}
}
