package detector

import (
	"errors"
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/backend"
)

// ErrBadInput is returned for frames the detector cannot consume
// (empty buffer, wrong channel count).
var ErrBadInput = errors.New("detector: malformed input frame")

// SCRFD is the anchor-free face detector. It produces bounding boxes,
// confidence scores and five landmark keypoints per face.
type SCRFD struct {
	session       *backend.Session
	inputSize     int
	confThreshold float32
	nmsThreshold  float32
	strides       []int
	anchorsPerLoc int
}

// NewSCRFD loads the detection model onto the given backend.
// The model has one input and nine outputs: score, bbox and keypoint maps
// for three feature pyramid levels.
func NewSCRFD(b *backend.Backend, modelPath string, inputSize int, confThreshold, nmsThreshold float32) (*SCRFD, error) {
	inputNames := []string{"input.1"}
	outputNames := []string{
		"score_8", "score_16", "score_32",
		"bbox_8", "bbox_16", "bbox_32",
		"kps_8", "kps_16", "kps_32",
	}

	session, err := b.NewSession(modelPath, inputNames, outputNames)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector session: %w", err)
	}

	return &SCRFD{
		session:       session,
		inputSize:     inputSize,
		confThreshold: confThreshold,
		nmsThreshold:  nmsThreshold,
		strides:       []int{8, 16, 32},
		anchorsPerLoc: 2,
	}, nil
}

// Detect finds faces in a BGR frame. An empty result is a normal outcome,
// not an error.
func (s *SCRFD) Detect(img gocv.Mat) ([]Detection, error) {
	if img.Empty() || img.Channels() != 3 {
		return nil, ErrBadInput
	}

	origW := img.Cols()
	origH := img.Rows()

	blob, scale := s.preprocess(img)
	defer blob.Close()

	inputTensor, err := backend.NewTensor(
		[]int64{1, 3, int64(s.inputSize), int64(s.inputSize)},
		floatsFromBlob(blob),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Nine outputs: score (Nx1), bbox (Nx4) and keypoint (Nx10) maps per
	// pyramid level.
	outputs := make([]ort.Value, 9)
	tensors := make([]*ort.Tensor[float32], 9)
	defer func() {
		for _, t := range tensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for level := range s.strides {
		fm := s.inputSize / s.strides[level]
		n := int64(fm * fm * s.anchorsPerLoc)
		widths := [3]int64{1, 4, 10}
		for group := 0; group < 3; group++ {
			t, err := backend.NewEmptyTensor[float32]([]int64{n, widths[group]})
			if err != nil {
				return nil, fmt.Errorf("failed to create output tensor: %w", err)
			}
			outputs[level+group*3] = t
			tensors[level+group*3] = t
		}
	}

	if err := s.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("detection inference failed: %w", err)
	}

	dets := s.decode(tensors, scale, origW, origH)
	return NMS(dets, s.nmsThreshold), nil
}

// preprocess letterboxes the frame into the square model input and
// normalizes pixels to (x-127.5)/128 in RGB channel order.
func (s *SCRFD) preprocess(img gocv.Mat) (gocv.Mat, float32) {
	h := img.Rows()
	w := img.Cols()
	longest := h
	if w > h {
		longest = w
	}
	scale := float32(s.inputSize) / float32(longest)

	newW := int(float32(w) * scale)
	newH := int(float32(h) * scale)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newW, newH), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSize(s.inputSize, s.inputSize, gocv.MatTypeCV8UC3)
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))
	roi := padded.Region(image.Rect(0, 0, newW, newH))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()

	rgb := gocv.NewMat()
	gocv.CvtColor(padded, &rgb, gocv.ColorBGRToRGB)
	padded.Close()

	norm := gocv.NewMat()
	rgb.ConvertTo(&norm, gocv.MatTypeCV32FC3)
	rgb.Close()
	gocv.AddWeighted(norm, 1.0/128.0, norm, 0, -127.5/128.0, &norm)

	blob := gocv.BlobFromImage(norm, 1.0, image.Pt(s.inputSize, s.inputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	norm.Close()

	return blob, scale
}

// decode maps raw model outputs back to frame-space detections. Box and
// keypoint regressions are distances from anchor centers in stride units.
func (s *SCRFD) decode(outputs []*ort.Tensor[float32], scale float32, origW, origH int) []Detection {
	var dets []Detection

	for level, stride := range s.strides {
		fm := s.inputSize / stride
		scores := outputs[level].GetData()
		boxes := outputs[level+3].GetData()
		kps := outputs[level+6].GetData()

		idx := 0
		for y := 0; y < fm; y++ {
			for x := 0; x < fm; x++ {
				for a := 0; a < s.anchorsPerLoc; a++ {
					score := sigmoid(scores[idx])
					if score <= s.confThreshold {
						idx++
						continue
					}

					cx := (float32(x) + 0.5) * float32(stride)
					cy := (float32(y) + 0.5) * float32(stride)

					bi := idx * 4
					box := BoundingBox{
						X1: clamp((cx-boxes[bi]*float32(stride))/scale, 0, float32(origW)),
						Y1: clamp((cy-boxes[bi+1]*float32(stride))/scale, 0, float32(origH)),
						X2: clamp((cx+boxes[bi+2]*float32(stride))/scale, 0, float32(origW)),
						Y2: clamp((cy+boxes[bi+3]*float32(stride))/scale, 0, float32(origH)),
					}

					var lm Landmarks
					ki := idx * 10
					for p := 0; p < NumLandmarks; p++ {
						lm[p] = Point{
							X: (cx + kps[ki+p*2]*float32(stride)) / scale,
							Y: (cy + kps[ki+p*2+1]*float32(stride)) / scale,
						}
					}

					dets = append(dets, Detection{Box: box, Landmarks: lm, Score: score})
					idx++
				}
			}
		}
	}

	return dets
}

// Close releases the detection session.
func (s *SCRFD) Close() error {
	return s.session.Close()
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// floatsFromBlob reinterprets a CV32F blob's bytes as float32s.
func floatsFromBlob(blob gocv.Mat) []float32 {
	data := blob.ToBytes()
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
