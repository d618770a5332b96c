package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/compositor"
	"github.com/secondly/face-ai/internal/tracker"
)

// RunImage executes a single-image swap job. Faces the mappings do not
// cover pass through untouched; an image with no faces at all is a
// successful no-op copy with a warning.
func (c *Context) RunImage(ctx context.Context, job *Job) (*Result, error) {
	release, err := acquireJobSlot(ctx)
	if err != nil {
		return c.cancelledResult(job), nil
	}
	defer release()

	result := &Result{JobID: job.ID, OutputPath: job.OutputPath, FramesTotal: 1}
	progress := newProgressReporter(job.Progress)

	resolved, err := c.buildMappings(job)
	if err != nil {
		return failed(result), err
	}

	frame := gocv.IMRead(job.TargetPath, gocv.IMReadColor)
	if frame.Empty() {
		return failed(result), fmt.Errorf("failed to load target image: %s", job.TargetPath)
	}
	defer frame.Close()

	progress.report(0.1, StageDetecting)
	faces, err := c.Analyzer.Analyze(frame)
	if err != nil {
		return failed(result), err
	}

	if err := ctx.Err(); err != nil {
		return c.cancelledResult(job), nil
	}

	// A one-frame job still runs through the tracker so mapping semantics
	// (track ids, reference binding, unmapped fallback) match video jobs.
	progress.report(0.3, StageTracking)
	tr := tracker.New(c.trackerConfig(), c.Analyzer.Version())
	assignments, err := tr.Observe(0, faces, frame.Cols(), frame.Rows())
	if err != nil {
		return failed(result), err
	}

	mapper := tracker.NewMapper(trackerMappings(resolved), c.Config.Tracking.SimilarityThreshold)
	mapper.Update(tr.Tracks())

	progress.report(0.5, StageCompositing)
	latents := newLatentCache(c.Composer)
	for _, a := range assignments {
		source := mapper.Resolve(a.TrackID)
		if source == nil {
			continue
		}
		if err := c.Composer.CompositeInto(&frame, faces[a.FaceIndex], latents.get(source)); err != nil {
			if errors.Is(err, compositor.ErrOutOfBounds) {
				result.warn(Warning{Frame: 0, TrackID: a.TrackID,
					Message: "face too close to frame edge, region left unswapped"})
				continue
			}
			return failed(result), err
		}
		result.FacesSwapped++
	}

	if len(faces) == 0 {
		result.warn(Warning{Frame: 0, Message: "no faces detected in target image"})
	}
	warnUnmatched(result, mapper, tr)

	progress.report(0.9, StageEncoding)
	if ok := gocv.IMWrite(job.OutputPath, frame); !ok {
		return failed(result), fmt.Errorf("failed to write output image: %s", job.OutputPath)
	}
	if info, err := os.Stat(job.OutputPath); err != nil || info.Size() == 0 {
		return failed(result), fmt.Errorf("output image missing or empty: %s", job.OutputPath)
	}

	result.FramesDone = 1
	result.Status = result.finalStatus()
	progress.finish(StageEncoding)
	return result, nil
}

func (c *Context) trackerConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	cfg.SimilarityThreshold = c.Config.Tracking.SimilarityThreshold
	cfg.EMAAlpha = c.Config.Tracking.EMAAlpha
	cfg.StalenessBudget = c.Config.Tracking.StalenessBudget
	return cfg
}

func (c *Context) cancelledResult(job *Job) *Result {
	return &Result{JobID: job.ID, Status: StatusCancelled, OutputPath: job.OutputPath}
}

func failed(r *Result) *Result {
	r.Status = StatusFailed
	return r
}

// warnUnmatched records every mapping that never bound to a track.
func warnUnmatched(result *Result, mapper *tracker.Mapper, tr *tracker.Tracker) {
	seen := func(trackID int64) bool {
		for _, t := range tr.Tracks() {
			if t.ID == trackID {
				return true
			}
		}
		return false
	}
	for _, mp := range mapper.Unmatched(seen) {
		result.warn(Warning{Frame: -1, TrackID: mp.TrackID,
			Message: fmt.Sprintf("mapping for source %q never matched a face", mp.SourceID)})
	}
}

// latentCache memoizes the generator latent per distinct source
// embedding. Mappings sharing one source share one projection.
type latentCache struct {
	comp    FaceCompositor
	latents map[*analyzer.Embedding]*analyzer.Embedding
}

func newLatentCache(comp FaceCompositor) *latentCache {
	return &latentCache{comp: comp, latents: make(map[*analyzer.Embedding]*analyzer.Embedding)}
}

func (lc *latentCache) get(source *analyzer.Embedding) *analyzer.Embedding {
	if l, ok := lc.latents[source]; ok {
		return l
	}
	l := lc.comp.Latent(source)
	lc.latents[source] = l
	return l
}
