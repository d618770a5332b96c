package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondly/face-ai/internal/analyzer"
)

func activeTrack(id int64, emb *analyzer.Embedding) *Track {
	return &Track{ID: id, State: StateActive, Reference: *emb}
}

func TestMapperExplicitTrack(t *testing.T) {
	src := unitEmbedding(0)
	m := NewMapper([]*Mapping{
		{SourceID: "alice", Source: src, TrackID: 3},
	}, 0.4)

	assert.Same(t, src, m.Resolve(3))
	assert.Nil(t, m.Resolve(1))
}

func TestMapperFallbackCoversUnmappedTracks(t *testing.T) {
	explicit := unitEmbedding(0)
	fallback := unitEmbedding(1)
	m := NewMapper([]*Mapping{
		{SourceID: "alice", Source: explicit, TrackID: 1},
		{SourceID: "bob", Source: fallback, AllUnmapped: true},
	}, 0.4)

	// Explicit binding wins; everything else falls through to bob.
	assert.Same(t, explicit, m.Resolve(1))
	assert.Same(t, fallback, m.Resolve(2))
	assert.Same(t, fallback, m.Resolve(99))
}

func TestMapperReferenceBindsBestTrackOnce(t *testing.T) {
	ref := unitEmbedding(0)
	m := NewMapper([]*Mapping{
		{SourceID: "alice", Source: unitEmbedding(5), Reference: ref},
	}, 0.4)

	// Track 2's reference matches exactly; track 1's is opposite.
	var opposite analyzer.Embedding
	opposite[0] = -1
	m.Update([]*Track{
		activeTrack(1, &opposite),
		activeTrack(2, unitEmbedding(0)),
	})

	require.NotNil(t, m.Resolve(2))
	assert.Nil(t, m.Resolve(1))

	// A later, equally good track must not steal the binding.
	m.Update([]*Track{
		activeTrack(1, &opposite),
		activeTrack(2, unitEmbedding(0)),
		activeTrack(3, unitEmbedding(0)),
	})
	assert.NotNil(t, m.Resolve(2))
	assert.Nil(t, m.Resolve(3))
}

func TestMapperReferenceIgnoresRetiredTracks(t *testing.T) {
	m := NewMapper([]*Mapping{
		{SourceID: "alice", Source: unitEmbedding(5), Reference: unitEmbedding(0)},
	}, 0.4)

	retired := activeTrack(1, unitEmbedding(0))
	retired.State = StateRetired
	m.Update([]*Track{retired})

	assert.Nil(t, m.Resolve(1))
}

func TestMapperUnmatched(t *testing.T) {
	m := NewMapper([]*Mapping{
		{SourceID: "alice", Source: unitEmbedding(0), TrackID: 7},
		{SourceID: "bob", Source: unitEmbedding(1), Reference: unitEmbedding(2)},
		{SourceID: "carol", Source: unitEmbedding(3), TrackID: 1},
	}, 0.4)

	// Track 1 appeared; track 7 never did; bob's reference never bound.
	seen := func(id int64) bool { return id == 1 }
	unmatched := m.Unmatched(seen)

	require.Len(t, unmatched, 2)
	ids := []string{unmatched[0].SourceID, unmatched[1].SourceID}
	assert.Contains(t, ids, "alice")
	assert.Contains(t, ids, "bob")
}
