package analyzer

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/detector"
)

// Reference keypoint template for a 112x112 aligned face (ArcFace
// convention). The swap generator uses the same template scaled to its
// own input size.
var alignTemplate112 = detector.Landmarks{
	detector.LeftEye:    {X: 38.2946, Y: 51.6963},
	detector.RightEye:   {X: 73.5318, Y: 51.5014},
	detector.Nose:       {X: 56.0252, Y: 71.7366},
	detector.LeftMouth:  {X: 41.5493, Y: 92.3655},
	detector.RightMouth: {X: 70.7299, Y: 92.2041},
}

const (
	// EmbedCropSize is the aligned crop size fed to the recognition model.
	EmbedCropSize = 112
	// SwapCropSize is the aligned crop size fed to the swap generator.
	SwapCropSize = 128
)

// Affine is a 2x3 affine transform in row-major order.
type Affine [6]float64

// Apply transforms a point.
func (m Affine) Apply(p detector.Point) detector.Point {
	x := float64(p.X)
	y := float64(p.Y)
	return detector.Point{
		X: float32(m[0]*x + m[1]*y + m[2]),
		Y: float32(m[3]*x + m[4]*y + m[5]),
	}
}

// Invert returns the inverse transform. The second result is false for a
// degenerate (non-invertible) transform.
func (m Affine) Invert() (Affine, bool) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < 1e-12 {
		return Affine{}, false
	}
	inv := Affine{
		m[4] / det, -m[1] / det, 0,
		-m[3] / det, m[0] / det, 0,
	}
	inv[2] = -(inv[0]*m[2] + inv[1]*m[5])
	inv[5] = -(inv[3]*m[2] + inv[4]*m[5])
	return inv, true
}

// Mat converts the transform to a 2x3 OpenCV matrix. The caller owns the
// returned Mat.
func (m Affine) Mat() gocv.Mat {
	mat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			mat.SetDoubleAt(r, c, m[r*3+c])
		}
	}
	return mat
}

// EstimateSimilarity computes the least-squares similarity transform
// (rotation, uniform scale, translation) mapping src keypoints onto dst.
func EstimateSimilarity(src, dst detector.Landmarks) Affine {
	n := float64(detector.NumLandmarks)

	var srcCx, srcCy, dstCx, dstCy float64
	for i := 0; i < detector.NumLandmarks; i++ {
		srcCx += float64(src[i].X)
		srcCy += float64(src[i].Y)
		dstCx += float64(dst[i].X)
		dstCy += float64(dst[i].Y)
	}
	srcCx /= n
	srcCy /= n
	dstCx /= n
	dstCy /= n

	var srcNorm, dstNorm float64
	var a11, a12, a21, a22 float64
	for i := 0; i < detector.NumLandmarks; i++ {
		sx := float64(src[i].X) - srcCx
		sy := float64(src[i].Y) - srcCy
		dx := float64(dst[i].X) - dstCx
		dy := float64(dst[i].Y) - dstCy

		srcNorm += sx*sx + sy*sy
		dstNorm += dx*dx + dy*dy

		a11 += sx * dx
		a12 += sx * dy
		a21 += sy * dx
		a22 += sy * dy
	}

	// Closed-form 2D similarity: cos ∝ a11+a22, sin ∝ a21-a12.
	norm := math.Hypot(a11+a22, a21-a12)
	if norm < 1e-10 {
		norm = 1
	}
	cos := (a11 + a22) / norm
	sin := (a21 - a12) / norm

	scale := 1.0
	if srcNorm > 1e-10 {
		scale = math.Sqrt(dstNorm) / math.Sqrt(srcNorm)
	}

	m := Affine{
		scale * cos, -scale * sin, 0,
		scale * sin, scale * cos, 0,
	}
	m[2] = dstCx - scale*(cos*srcCx-sin*srcCy)
	m[5] = dstCy - scale*(sin*srcCx+cos*srcCy)
	return m
}

// Aligner warps faces into the canonical crops the models expect.
type Aligner struct {
	embedTemplate detector.Landmarks
	swapTemplate  detector.Landmarks
}

// NewAligner builds an aligner with templates for both crop sizes.
func NewAligner() *Aligner {
	var swapTemplate detector.Landmarks
	scale := float32(SwapCropSize) / float32(EmbedCropSize)
	for i, p := range alignTemplate112 {
		swapTemplate[i] = detector.Point{X: p.X * scale, Y: p.Y * scale}
	}
	return &Aligner{
		embedTemplate: alignTemplate112,
		swapTemplate:  swapTemplate,
	}
}

// AlignedFace is an aligned crop plus the forward transform that
// produced it.
type AlignedFace struct {
	Crop      gocv.Mat
	Transform Affine
}

// Close releases the crop.
func (a *AlignedFace) Close() {
	a.Crop.Close()
}

// AlignForEmbedding warps the face to the recognition crop size.
func (a *Aligner) AlignForEmbedding(img gocv.Mat, lm detector.Landmarks) *AlignedFace {
	return a.align(img, lm, a.embedTemplate, EmbedCropSize)
}

// AlignForSwap warps the face to the swap generator crop size.
func (a *Aligner) AlignForSwap(img gocv.Mat, lm detector.Landmarks) *AlignedFace {
	return a.align(img, lm, a.swapTemplate, SwapCropSize)
}

func (a *Aligner) align(img gocv.Mat, lm, template detector.Landmarks, size int) *AlignedFace {
	transform := EstimateSimilarity(lm, template)

	mat := transform.Mat()
	defer mat.Close()

	crop := gocv.NewMat()
	gocv.WarpAffine(img, &crop, mat, image.Pt(size, size))

	return &AlignedFace{Crop: crop, Transform: transform}
}
