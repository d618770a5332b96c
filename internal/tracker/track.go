package tracker

import (
	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/detector"
)

// State is a track's lifecycle state. Transitions:
// NEW -> ACTIVE -> STALE -> RETIRED, with STALE -> ACTIVE on re-match.
type State string

const (
	StateNew     State = "new"
	StateActive  State = "active"
	StateStale   State = "stale"
	StateRetired State = "retired"
)

// Track is a persistent identity across frames. The id is monotonic and
// never reused within a job, so a retired identity can never leak into a
// later face.
type Track struct {
	ID        int64
	State     State
	Reference analyzer.Embedding // running representative embedding
	LastBox   detector.BoundingBox
	LastSeen  int // frame index of last match
	Staleness int // consecutive unmatched frames
}

// open reports whether the track still participates in matching.
func (t *Track) open() bool {
	return t.State != StateRetired
}

// match folds a newly matched face into the track: EMA on the reference
// embedding smooths jitter and tolerates partial occlusion without
// losing the identity.
func (t *Track) match(rec analyzer.FaceRecord, frameIdx int, alpha float32) {
	// A position-only match (no embedding) keeps the reference frozen.
	if rec.Embedding != nil {
		for i := range t.Reference {
			t.Reference[i] = alpha*rec.Embedding[i] + (1-alpha)*t.Reference[i]
		}
		t.Reference.Normalize()
	}
	t.LastBox = rec.Box
	t.LastSeen = frameIdx
	t.Staleness = 0
	t.State = StateActive
}

// miss records an unmatched frame and retires the track once the
// staleness budget is exhausted. Retirement is idempotent.
func (t *Track) miss(budget int) {
	if t.State == StateRetired {
		return
	}
	t.Staleness++
	if t.Staleness > budget {
		t.State = StateRetired
		return
	}
	t.State = StateStale
}
