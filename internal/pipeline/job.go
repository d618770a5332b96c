// Package pipeline orchestrates face swap jobs over still images and
// videos: analysis, identity tracking, compositing, encoding and audio
// remux, with explicit resource lifecycle around every job.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/secondly/face-ai/internal/analyzer"
)

// Stage tags the externally observable phase of a running job.
type Stage string

const (
	StageDetecting   Stage = "detecting"
	StageTracking    Stage = "tracking"
	StageCompositing Stage = "compositing"
	StageEncoding    Stage = "encoding"
	StageRemuxing    Stage = "remuxing"
)

// ProgressFunc receives a monotonically increasing fraction in [0,1] and
// the current stage. It is the only mid-job signal a caller observes.
type ProgressFunc func(fraction float64, stage Stage)

// SourceFace identifies one source identity, either by an image to embed
// or by a precomputed embedding.
type SourceFace struct {
	ID        string
	ImagePath string
	Embedding *analyzer.Embedding
	Version   analyzer.ModelVersion // required when Embedding is set
}

// TargetSelector names which target face a source maps onto. Exactly one
// field is set.
type TargetSelector struct {
	TrackID       int64  // explicit identity track
	ReferencePath string // image of the face to find in the target
	AllUnmapped   bool   // every face no other mapping claims
}

// MappingSpec is one user-directed source-to-target assignment,
// immutable for the job's duration.
type MappingSpec struct {
	Source SourceFace
	Target TargetSelector
}

// Job is the unit of work: one image or video, one or more mappings.
// It owns no hardware resources; those belong to the Context.
type Job struct {
	ID         uuid.UUID
	TargetPath string
	OutputPath string
	Mappings   []MappingSpec
	Progress   ProgressFunc
}

// NewJob creates a job with a fresh id. At least one mapping is
// required; a mapping with the AllUnmapped selector covers every face no
// other mapping claims (automatic mode).
func NewJob(targetPath, outputPath string, mappings []MappingSpec) (*Job, error) {
	if len(mappings) == 0 {
		return nil, fmt.Errorf("job needs at least one face mapping")
	}
	return &Job{
		ID:         uuid.New(),
		TargetPath: targetPath,
		OutputPath: outputPath,
		Mappings:   mappings,
	}, nil
}

// Status is the terminal outcome of a job. Partial success is never
// silent: warnings ride along in the result.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusWithWarnings Status = "succeeded_with_warnings"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Warning records a recoverable per-frame or per-face event.
type Warning struct {
	Frame   int // -1 when not frame-scoped
	TrackID int64
	Message string
}

// Result is the job outcome returned to the caller.
type Result struct {
	JobID        uuid.UUID
	Status       Status
	OutputPath   string
	FramesTotal  int
	FramesDone   int
	FacesSwapped int
	Warnings     []Warning
}

func (r *Result) warn(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

func (r *Result) finalStatus() Status {
	if len(r.Warnings) > 0 {
		return StatusWithWarnings
	}
	return StatusSucceeded
}

// progressReporter enforces the progress contract: the reported fraction
// never regresses and never reaches 1.0 before completion.
type progressReporter struct {
	mu   sync.Mutex
	fn   ProgressFunc
	last float64
}

func newProgressReporter(fn ProgressFunc) *progressReporter {
	return &progressReporter{fn: fn}
}

// report publishes a mid-job fraction, clamped monotone and below 1.
func (p *progressReporter) report(fraction float64, stage Stage) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if fraction >= 1 {
		fraction = 0.999
	}
	if fraction < p.last {
		fraction = p.last
	}
	p.last = fraction
	p.fn(fraction, stage)
}

// finish publishes the terminal 1.0.
func (p *progressReporter) finish(stage Stage) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 1
	p.fn(1, stage)
}
