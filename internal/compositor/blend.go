package compositor

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/detector"
)

// Blender composes a generated face region back into the full frame with
// a feathered mask so the seam stays invisible.
type Blender struct {
	blurSize      int
	colorTransfer bool
}

// NewBlender creates a blender. blurSize controls mask feathering and is
// forced odd.
func NewBlender(blurSize int, colorTransfer bool) *Blender {
	if blurSize%2 == 0 {
		blurSize++
	}
	return &Blender{blurSize: blurSize, colorTransfer: colorTransfer}
}

// Blend inverse-warps the swapped crop into frame geometry and blends it
// under a feathered elliptical mask. The frame is modified in place;
// callers wanting a pure composite clone first.
func (b *Blender) Blend(swapped gocv.Mat, frame *gocv.Mat, transform analyzer.Affine, lm detector.Landmarks) {
	inv, ok := transform.Invert()
	if !ok {
		return
	}
	invMat := inv.Mat()
	defer invMat.Close()

	frameSize := image.Pt(frame.Cols(), frame.Rows())
	warped := gocv.NewMat()
	gocv.WarpAffine(swapped, &warped, invMat, frameSize)
	defer warped.Close()

	mask := b.faceMask(frame.Rows(), frame.Cols(), lm)
	defer mask.Close()

	if b.colorTransfer {
		transferColor(&warped, frame)
	}

	feathered := gocv.NewMat()
	gocv.GaussianBlur(mask, &feathered, image.Pt(b.blurSize, b.blurSize), 0, 0, gocv.BorderDefault)
	defer feathered.Close()

	warped.CopyToWithMask(frame, feathered)
}

// faceMask draws a filled ellipse over the face, sized from the eye
// distance.
func (b *Blender) faceMask(rows, cols int, lm detector.Landmarks) gocv.Mat {
	mask := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)

	center := lm.Centroid()
	eyeDist := lm.EyeDistance()
	faceW := eyeDist * 2.5
	faceH := eyeDist * 3.0

	gocv.Ellipse(&mask,
		image.Pt(int(center.X), int(center.Y)),
		image.Pt(int(faceW/2), int(faceH/2)),
		0, 0, 360,
		color.RGBA{R: 255, G: 255, B: 255, A: 255},
		-1,
	)
	return mask
}

// transferColor matches the generated region's lighting to the target
// frame by aligning per-channel mean and deviation in LAB space.
func transferColor(source, target *gocv.Mat) {
	sourceLab := gocv.NewMat()
	defer sourceLab.Close()
	targetLab := gocv.NewMat()
	defer targetLab.Close()
	gocv.CvtColor(*source, &sourceLab, gocv.ColorBGRToLab)
	gocv.CvtColor(*target, &targetLab, gocv.ColorBGRToLab)

	srcMean := gocv.NewMat()
	defer srcMean.Close()
	srcStd := gocv.NewMat()
	defer srcStd.Close()
	tgtMean := gocv.NewMat()
	defer tgtMean.Close()
	tgtStd := gocv.NewMat()
	defer tgtStd.Close()
	gocv.MeanStdDev(sourceLab, &srcMean, &srcStd)
	gocv.MeanStdDev(targetLab, &tgtMean, &tgtStd)

	srcFloat := gocv.NewMat()
	defer srcFloat.Close()
	sourceLab.ConvertTo(&srcFloat, gocv.MatTypeCV32FC3)

	channels := gocv.Split(srcFloat)
	adjusted := make([]gocv.Mat, 3)
	for i := 0; i < 3; i++ {
		adjusted[i] = gocv.NewMat()
		defer channels[i].Close()
		defer adjusted[i].Close()

		sStd := srcStd.GetDoubleAt(i, 0)
		if sStd < 1e-6 {
			sStd = 1e-6
		}
		scale := tgtStd.GetDoubleAt(i, 0) / sStd
		offset := tgtMean.GetDoubleAt(i, 0) - srcMean.GetDoubleAt(i, 0)*scale

		gocv.AddWeighted(channels[i], scale, channels[i], 0, offset, &adjusted[i])
	}

	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge(adjusted, &merged)

	resultLab := gocv.NewMat()
	defer resultLab.Close()
	merged.ConvertTo(&resultLab, gocv.MatTypeCV8UC3)

	resultBGR := gocv.NewMat()
	defer resultBGR.Close()
	gocv.CvtColor(resultLab, &resultBGR, gocv.ColorLabToBGR)

	resultBGR.CopyTo(source)
}
