package tracker

import (
	"github.com/secondly/face-ai/internal/analyzer"
)

// Mapping assigns one source identity to a target face. Exactly one
// target selector is set:
//   - TrackID > 0 binds to an explicit identity track,
//   - Reference binds to whichever track best matches a reference face,
//   - AllUnmapped applies the source to every track no other mapping
//     claims.
type Mapping struct {
	SourceID string // caller-supplied label, carried into warnings
	Source   *analyzer.Embedding

	TrackID     int64
	Reference   *analyzer.Embedding
	AllUnmapped bool
}

// Mapper resolves track ids to source embeddings for the compositor.
// The mapping set is immutable for the duration of a job; only internal
// reference bindings settle as tracks appear.
type Mapper struct {
	mappings  []*Mapping
	bindings  map[int64]*Mapping // resolved trackID -> mapping
	bound     map[*Mapping]bool
	threshold float32
	fallback  *Mapping // the AllUnmapped mapping, if any
}

// NewMapper builds a mapper from the job's mappings. The threshold gates
// reference-face binding; it is the same similarity floor the tracker
// uses for frame matching.
func NewMapper(mappings []*Mapping, threshold float32) *Mapper {
	m := &Mapper{
		bindings:  make(map[int64]*Mapping),
		bound:     make(map[*Mapping]bool),
		threshold: threshold,
	}
	for _, mp := range mappings {
		switch {
		case mp.AllUnmapped:
			m.fallback = mp
		case mp.TrackID > 0:
			m.bindings[mp.TrackID] = mp
			m.mappings = append(m.mappings, mp)
		default:
			m.mappings = append(m.mappings, mp)
		}
	}
	return m
}

// Update settles reference-face mappings against the current track set.
// A reference mapping binds to the open track whose reference embedding
// it matches best, once, above the threshold. Called after each Observe.
func (m *Mapper) Update(tracks []*Track) {
	for _, mp := range m.mappings {
		if mp.Reference == nil || m.bound[mp] {
			continue
		}
		var best *Track
		var bestSim float32
		for _, tr := range tracks {
			if !tr.open() {
				continue
			}
			if _, taken := m.bindings[tr.ID]; taken {
				continue
			}
			sim := (mp.Reference.Cosine(&tr.Reference) + 1) / 2
			if sim >= m.threshold && (best == nil || sim > bestSim) {
				best = tr
				bestSim = sim
			}
		}
		if best != nil {
			m.bindings[best.ID] = mp
			m.bound[mp] = true
		}
	}
}

// Resolve returns the source embedding to swap onto a track, or nil if
// the track should pass through untouched.
func (m *Mapper) Resolve(trackID int64) *analyzer.Embedding {
	if mp, ok := m.bindings[trackID]; ok {
		return mp.Source
	}
	if m.fallback != nil {
		return m.fallback.Source
	}
	return nil
}

// Unmatched returns mappings that never bound to any track during the
// job: explicit track ids that never appeared and reference faces that
// never matched. Reported as warnings, never as failures.
func (m *Mapper) Unmatched(seen func(trackID int64) bool) []*Mapping {
	var unmatched []*Mapping
	for _, mp := range m.mappings {
		switch {
		case mp.TrackID > 0:
			if !seen(mp.TrackID) {
				unmatched = append(unmatched, mp)
			}
		case mp.Reference != nil:
			if !m.bound[mp] {
				unmatched = append(unmatched, mp)
			}
		}
	}
	return unmatched
}
