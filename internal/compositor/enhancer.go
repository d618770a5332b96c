package compositor

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/backend"
)

const enhancerInputSize = 512

// Enhancer runs an optional face restoration pass over swapped crops.
type Enhancer struct {
	session *backend.Session
}

// NewEnhancer loads the enhancement model.
func NewEnhancer(b *backend.Backend, modelPath string) (*Enhancer, error) {
	session, err := b.NewSession(modelPath, []string{"input"}, []string{"output"})
	if err != nil {
		return nil, fmt.Errorf("failed to create enhancer session: %w", err)
	}
	return &Enhancer{session: session}, nil
}

// Enhance restores a face crop, returning it at the model's native
// resolution. The caller owns the returned Mat and rescales as needed.
func (e *Enhancer) Enhance(face gocv.Mat) (gocv.Mat, error) {
	resized := gocv.NewMat()
	if face.Rows() != enhancerInputSize || face.Cols() != enhancerInputSize {
		gocv.Resize(face, &resized, image.Pt(enhancerInputSize, enhancerInputSize), 0, 0, gocv.InterpolationLinear)
	} else {
		face.CopyTo(&resized)
	}
	defer resized.Close()

	rgb := gocv.NewMat()
	gocv.CvtColor(resized, &rgb, gocv.ColorBGRToRGB)
	defer rgb.Close()

	floatMat := gocv.NewMat()
	rgb.ConvertTo(&floatMat, gocv.MatTypeCV32FC3)
	defer floatMat.Close()
	floatMat.DivideFloat(255.0)

	blob := gocv.BlobFromImage(floatMat, 1.0, image.Pt(enhancerInputSize, enhancerInputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	inputTensor, err := backend.NewTensor(
		[]int64{1, 3, enhancerInputSize, enhancerInputSize},
		floatsFromBytes(blob.ToBytes()),
	)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := backend.NewEmptyTensor[float32]([]int64{1, 3, enhancerInputSize, enhancerInputSize})
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return gocv.NewMat(), fmt.Errorf("enhancement inference failed: %w", err)
	}

	return e.postprocess(outputTensor.GetData()), nil
}

// postprocess converts NCHW [0,1] RGB output back to a BGR image.
func (e *Enhancer) postprocess(data []float32) gocv.Mat {
	size := enhancerInputSize
	plane := size * size
	pixels := make([]byte, plane*3)

	for i := 0; i < plane; i++ {
		r := clamp01(data[i])
		g := clamp01(data[plane+i])
		b := clamp01(data[2*plane+i])
		pixels[i*3+0] = uint8(b * 255)
		pixels[i*3+1] = uint8(g * 255)
		pixels[i*3+2] = uint8(r * 255)
	}

	result, _ := gocv.NewMatFromBytes(size, size, gocv.MatTypeCV8UC3, pixels)
	return result
}

// Close releases the enhancer session.
func (e *Enhancer) Close() error {
	return e.session.Close()
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatsFromBytes(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
