// Package analyzer turns raw frames into detected face records: detection,
// landmark alignment and identity embedding in one pass.
package analyzer

import (
	"fmt"
	"image"
	"math/rand"
	"sort"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/backend"
	"github.com/secondly/face-ai/internal/detector"
)

// FaceRecord is one detected face. Immutable after creation. The record
// does not own frame pixels; it only references frame geometry.
type FaceRecord struct {
	Box       detector.BoundingBox
	Landmarks detector.Landmarks
	Score     float32
	Embedding *Embedding
	Version   ModelVersion

	// Index is the position within the frame's ordering (see Analyze).
	// Downstream index-based face selection depends on it.
	Index int
}

// FrameFaceSet is the ordered set of faces found in one frame: confidence
// descending, ties broken left to right by box position. The ordering is
// part of the contract; callers select faces by index.
type FrameFaceSet []FaceRecord

// Config holds analyzer model parameters.
type Config struct {
	DetectorModelPath string
	EncoderModelPath  string
	EncoderVersion    ModelVersion
	DetectionSize     int
	ConfThreshold     float32
	NMSThreshold      float32
}

// Analyzer wraps the detection and recognition models.
type Analyzer struct {
	detector *detector.SCRFD
	encoder  *Encoder
	aligner  *Aligner
}

// New loads the analyzer's models onto the backend. On failure any
// partially constructed session is torn down.
func New(b *backend.Backend, cfg Config) (*Analyzer, error) {
	det, err := detector.NewSCRFD(b, cfg.DetectorModelPath,
		cfg.DetectionSize, cfg.ConfThreshold, cfg.NMSThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	enc, err := NewEncoder(b, cfg.EncoderModelPath, cfg.EncoderVersion)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &Analyzer{
		detector: det,
		encoder:  enc,
		aligner:  NewAligner(),
	}, nil
}

// Aligner exposes the alignment transform shared with the compositor.
func (a *Analyzer) Aligner() *Aligner { return a.aligner }

// Version reports the recognition model version embedded in every record.
func (a *Analyzer) Version() ModelVersion { return a.encoder.Version() }

// Analyze detects all faces in a frame and computes their embeddings.
// An image with no faces yields an empty set, not an error.
func (a *Analyzer) Analyze(frame gocv.Mat) (FrameFaceSet, error) {
	dets, err := a.detector.Detect(frame)
	if err != nil {
		return nil, err
	}

	records := make(FrameFaceSet, 0, len(dets))
	for _, d := range dets {
		aligned := a.aligner.AlignForEmbedding(frame, d.Landmarks)
		emb, err := a.encoder.Extract(aligned.Crop)
		aligned.Close()
		if err != nil {
			return nil, err
		}

		records = append(records, FaceRecord{
			Box:       d.Box,
			Landmarks: d.Landmarks,
			Score:     d.Score,
			Embedding: emb,
			Version:   a.encoder.Version(),
		})
	}

	orderRecords(records)
	return records, nil
}

// orderRecords fixes the frame ordering: confidence descending, then left
// to right for equal scores. Indices are assigned after sorting.
func orderRecords(records FrameFaceSet) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].Box.X1 < records[j].Box.X1
	})
	for i := range records {
		records[i].Index = i
	}
}

// ExtractPreview crops the face region with margin and resizes it, for
// callers that present candidate faces for selection. Returns an empty
// Mat if the crop degenerates. The caller owns the returned Mat.
func ExtractPreview(frame gocv.Mat, rec FaceRecord, size image.Point, margin int) gocv.Mat {
	x1 := int(rec.Box.X1) - margin
	y1 := int(rec.Box.Y1) - margin
	x2 := int(rec.Box.X2) + margin
	y2 := int(rec.Box.Y2) + margin

	if x1 < 0 {
		x1 = 0
	}
	if y1 < 0 {
		y1 = 0
	}
	if x2 > frame.Cols() {
		x2 = frame.Cols()
	}
	if y2 > frame.Rows() {
		y2 = frame.Rows()
	}
	if x2 <= x1 || y2 <= y1 {
		return gocv.NewMat()
	}

	region := frame.Region(image.Rect(x1, y1, x2, y2))
	defer region.Close()

	preview := gocv.NewMat()
	gocv.Resize(region, &preview, size, 0, 0, gocv.InterpolationLinear)
	return preview
}

// Warmup runs one throwaway detection pass so session graph compilation
// happens before the first real frame.
func (a *Analyzer) Warmup() {
	noise := make([]byte, 256*256*3)
	rand.New(rand.NewSource(1)).Read(noise)
	img, err := gocv.NewMatFromBytes(256, 256, gocv.MatTypeCV8UC3, noise)
	if err != nil {
		return
	}
	defer img.Close()
	// Warm-up failure is harmless; real calls will surface the error.
	a.detector.Detect(img)
}

// Close releases the analyzer's sessions.
func (a *Analyzer) Close() error {
	var firstErr error
	if err := a.detector.Close(); err != nil {
		firstErr = err
	}
	if err := a.encoder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
