// Package tracker maintains stable face identities across video frames
// and resolves user-directed source-to-target face mappings.
package tracker

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/secondly/face-ai/internal/analyzer"
)

// ErrVersionMismatch is returned when a face record carries an embedding
// from a different recognition model version than the tracker was built
// with. Comparing such embeddings is undefined and must be rejected.
var ErrVersionMismatch = errors.New("tracker: embedding model version mismatch")

// Config holds the matching heuristics. All thresholds are named here so
// similarity edge cases stay reproducible in tests.
type Config struct {
	// SimilarityThreshold is the minimum combined similarity for a face
	// to match an open track. Below it, the face spawns a new track.
	SimilarityThreshold float32

	// EMAAlpha weights the new embedding when updating a track's
	// reference (0 = frozen reference, 1 = no smoothing).
	EMAAlpha float32

	// StalenessBudget is how many consecutive unmatched frames a track
	// survives before retirement. Nonzero so brief occlusion or a
	// turned-away head does not kill the identity.
	StalenessBudget int

	// Similarity term weights. Embedding similarity dominates; position
	// and size only break near-ties and carry the degraded mode when an
	// embedding is missing.
	EmbeddingWeight float32
	PositionWeight  float32
	AreaWeight      float32
}

// DefaultConfig mirrors the production heuristics.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.40,
		EMAAlpha:            0.30,
		StalenessBudget:     25,
		EmbeddingWeight:     0.80,
		PositionWeight:      0.15,
		AreaWeight:          0.05,
	}
}

// Assignment pairs a face index in the current frame with a track id.
type Assignment struct {
	FaceIndex int
	TrackID   int64
}

// Tracker assigns frame face sets to persistent identity tracks.
type Tracker struct {
	cfg     Config
	version analyzer.ModelVersion
	nextID  int64
	tracks  []*Track // insertion order, deterministic iteration
}

// New creates a tracker bound to one recognition model version.
func New(cfg Config, version analyzer.ModelVersion) *Tracker {
	return &Tracker{cfg: cfg, version: version, nextID: 1}
}

// Tracks returns all tracks, including retired ones, in creation order.
func (t *Tracker) Tracks() []*Track {
	return t.tracks
}

// openTracks returns matchable tracks in creation order.
func (t *Tracker) openTracks() []*Track {
	open := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.open() {
			open = append(open, tr)
		}
	}
	return open
}

type candidate struct {
	faceIdx  int // index into faces
	trackIdx int // index into open
	score    float32
}

// Observe matches a frame's faces to open tracks and advances all track
// states. Matching is greedy best-first: highest combined similarity
// pairs claim their face and track first, with a deterministic tie-break
// on detection order then track age. Each face and each track is used at
// most once. Faces matching no open track above the threshold spawn new
// tracks.
func (t *Tracker) Observe(frameIdx int, faces analyzer.FrameFaceSet, frameW, frameH int) ([]Assignment, error) {
	for _, rec := range faces {
		if rec.Embedding != nil && rec.Version != t.version {
			return nil, fmt.Errorf("%w: track set built with %q, face carries %q",
				ErrVersionMismatch, t.version, rec.Version)
		}
	}

	open := t.openTracks()

	candidates := make([]candidate, 0, len(faces)*len(open))
	for fi, rec := range faces {
		for ti, tr := range open {
			score := t.similarity(rec, tr, frameW, frameH)
			if score >= t.cfg.SimilarityThreshold {
				candidates = append(candidates, candidate{faceIdx: fi, trackIdx: ti, score: score})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].faceIdx != candidates[j].faceIdx {
			return candidates[i].faceIdx < candidates[j].faceIdx
		}
		return candidates[i].trackIdx < candidates[j].trackIdx
	})

	faceUsed := make([]bool, len(faces))
	trackUsed := make([]bool, len(open))
	assignments := make([]Assignment, 0, len(faces))

	for _, c := range candidates {
		if faceUsed[c.faceIdx] || trackUsed[c.trackIdx] {
			continue
		}
		faceUsed[c.faceIdx] = true
		trackUsed[c.trackIdx] = true

		tr := open[c.trackIdx]
		tr.match(faces[c.faceIdx], frameIdx, t.cfg.EMAAlpha)
		assignments = append(assignments, Assignment{FaceIndex: c.faceIdx, TrackID: tr.ID})
	}

	// Unmatched open tracks go stale; past the budget they retire and
	// their ids are never handed out again.
	for ti, tr := range open {
		if !trackUsed[ti] {
			tr.miss(t.cfg.StalenessBudget)
		}
	}

	// Unmatched faces spawn fresh tracks.
	for fi, rec := range faces {
		if faceUsed[fi] || rec.Embedding == nil {
			continue
		}
		tr := &Track{
			ID:        t.nextID,
			State:     StateNew,
			Reference: *rec.Embedding,
			LastBox:   rec.Box,
			LastSeen:  frameIdx,
		}
		t.nextID++
		t.tracks = append(t.tracks, tr)
		assignments = append(assignments, Assignment{FaceIndex: fi, TrackID: tr.ID})
	}

	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].FaceIndex < assignments[j].FaceIndex
	})
	return assignments, nil
}

// similarity combines embedding, position and size agreement into one
// score in [0,1]. Without an embedding on either side it degrades to
// position and size alone, reweighted 0.7/0.3.
func (t *Tracker) similarity(rec analyzer.FaceRecord, tr *Track, frameW, frameH int) float32 {
	var embSim float32
	hasEmb := rec.Embedding != nil
	if hasEmb {
		// Map cosine from [-1,1] into [0,1].
		embSim = (rec.Embedding.Cosine(&tr.Reference) + 1) / 2
	}

	posSim := positionSimilarity(rec, tr, frameW, frameH)
	areaSim := areaSimilarity(rec.Box.Area(), tr.LastBox.Area())

	if hasEmb {
		return embSim*t.cfg.EmbeddingWeight + posSim*t.cfg.PositionWeight + areaSim*t.cfg.AreaWeight
	}
	return posSim*0.7 + areaSim*0.3
}

func positionSimilarity(rec analyzer.FaceRecord, tr *Track, frameW, frameH int) float32 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	c1 := rec.Box.Center()
	c2 := tr.LastBox.Center()
	dist := math.Hypot(float64(c1.X-c2.X), float64(c1.Y-c2.Y))
	diag := math.Hypot(float64(frameW), float64(frameH))
	sim := 1 - dist/(diag/2)
	if sim < 0 {
		sim = 0
	}
	return float32(sim)
}

func areaSimilarity(a, b float32) float32 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a < b {
		return a / b
	}
	return b / a
}
