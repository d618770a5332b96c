package analyzer

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/backend"
)

// EmbeddingDim is the recognition embedding length.
const EmbeddingDim = 512

// ModelVersion tags which recognition model produced an embedding.
// Embeddings from different model versions must never be compared.
type ModelVersion string

// Embedding is an L2-normalized face identity vector. It is used only for
// similarity comparison, never for pixel reconstruction.
type Embedding [EmbeddingDim]float32

// Cosine returns the cosine similarity of two normalized embeddings.
func (e *Embedding) Cosine(other *Embedding) float32 {
	var dot float32
	for i := 0; i < EmbeddingDim; i++ {
		dot += e[i] * other[i]
	}
	return dot
}

// Normalize L2-normalizes the embedding in place.
func (e *Embedding) Normalize() {
	var norm float64
	for _, v := range e {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		norm = 1
	}
	for i := range e {
		e[i] = float32(float64(e[i]) / norm)
	}
}

// Encoder extracts identity embeddings from aligned face crops.
type Encoder struct {
	session *backend.Session
	version ModelVersion
}

// NewEncoder loads the recognition model onto the backend.
func NewEncoder(b *backend.Backend, modelPath string, version ModelVersion) (*Encoder, error) {
	session, err := b.NewSession(modelPath, []string{"input.1"}, []string{"683"})
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder session: %w", err)
	}
	return &Encoder{session: session, version: version}, nil
}

// Version reports the recognition model version of this encoder.
func (e *Encoder) Version() ModelVersion { return e.version }

// Extract computes the identity embedding of an aligned crop.
func (e *Encoder) Extract(crop gocv.Mat) (*Embedding, error) {
	if crop.Rows() != EmbedCropSize || crop.Cols() != EmbedCropSize {
		return nil, fmt.Errorf("expected %dx%d aligned crop, got %dx%d",
			EmbedCropSize, EmbedCropSize, crop.Cols(), crop.Rows())
	}

	inputTensor, err := backend.NewTensor(
		[]int64{1, 3, EmbedCropSize, EmbedCropSize},
		e.preprocess(crop),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := backend.NewEmptyTensor[float32]([]int64{1, EmbeddingDim})
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("embedding inference failed: %w", err)
	}

	var emb Embedding
	copy(emb[:], outputTensor.GetData())
	emb.Normalize()
	return &emb, nil
}

// preprocess converts a BGR crop to a normalized RGB NCHW blob.
func (e *Encoder) preprocess(crop gocv.Mat) []float32 {
	rgb := gocv.NewMat()
	gocv.CvtColor(crop, &rgb, gocv.ColorBGRToRGB)
	defer rgb.Close()

	floatImg := gocv.NewMat()
	rgb.ConvertTo(&floatImg, gocv.MatTypeCV32FC3)
	defer floatImg.Close()

	blob := gocv.BlobFromImage(floatImg, 1.0/255.0, image.Pt(EmbedCropSize, EmbedCropSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	return floatsFromBytes(blob.ToBytes())
}

// Close releases the encoder session.
func (e *Encoder) Close() error {
	return e.session.Close()
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
