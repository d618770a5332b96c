package compositor

import (
	"fmt"
	"image"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/backend"
)

// Generator runs the swap-generation model: aligned target crop in,
// source latent in, replacement face crop out.
type Generator struct {
	session *backend.Session
	emap    *Emap
}

// NewGenerator loads the swap model and its latent projection matrix.
func NewGenerator(b *backend.Backend, modelPath, emapPath string) (*Generator, error) {
	session, err := b.NewSession(modelPath, []string{"target", "source"}, []string{"output"})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator session: %w", err)
	}

	emap, err := LoadEmap(emapPath)
	if err != nil {
		session.Close()
		return nil, err
	}

	return &Generator{session: session, emap: emap}, nil
}

// Latent projects a recognition embedding into generator latent space.
// The projection is computed once per source identity, not per frame.
func (g *Generator) Latent(source *analyzer.Embedding) *analyzer.Embedding {
	return g.emap.Project(source)
}

// Swap generates a replacement face for an aligned target crop.
// Deterministic for fixed weights, crop and latent. The caller owns the
// returned Mat.
func (g *Generator) Swap(targetCrop gocv.Mat, latent *analyzer.Embedding) (gocv.Mat, error) {
	size := analyzer.SwapCropSize
	if targetCrop.Rows() != size || targetCrop.Cols() != size {
		return gocv.NewMat(), fmt.Errorf("expected %dx%d target crop, got %dx%d",
			size, size, targetCrop.Cols(), targetCrop.Rows())
	}

	targetTensor, err := backend.NewTensor(
		[]int64{1, 3, int64(size), int64(size)},
		g.preprocess(targetCrop),
	)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create target tensor: %w", err)
	}
	defer targetTensor.Destroy()

	sourceTensor, err := backend.NewTensor([]int64{1, analyzer.EmbeddingDim}, latent[:])
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create source tensor: %w", err)
	}
	defer sourceTensor.Destroy()

	outputTensor, err := backend.NewEmptyTensor[float32]([]int64{1, 3, int64(size), int64(size)})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	err = g.session.Run(
		[]ort.Value{targetTensor, sourceTensor},
		[]ort.Value{outputTensor},
	)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("swap inference failed: %w", err)
	}

	return g.postprocess(outputTensor.GetData()), nil
}

// preprocess converts the BGR crop to an RGB NCHW blob in [0,1].
func (g *Generator) preprocess(crop gocv.Mat) []float32 {
	size := analyzer.SwapCropSize
	blob := gocv.BlobFromImage(crop, 1.0/255.0, image.Pt(size, size),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	return floatsFromBytes(blob.ToBytes())
}

// postprocess converts NCHW [0,1] RGB output back to a BGR image.
func (g *Generator) postprocess(data []float32) gocv.Mat {
	size := analyzer.SwapCropSize
	plane := size * size
	pixels := make([]byte, plane*3)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			idx := y*size + x
			r := clampByte(data[idx] * 255.0)
			gr := clampByte(data[plane+idx] * 255.0)
			b := clampByte(data[2*plane+idx] * 255.0)

			pi := idx * 3
			pixels[pi+0] = b
			pixels[pi+1] = gr
			pixels[pi+2] = r
		}
	}

	result, _ := gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC3, pixels)
	return result
}

// Close releases the generator session.
func (g *Generator) Close() error {
	return g.session.Close()
}

func clampByte(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
