package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/backend"
	"github.com/secondly/face-ai/internal/compositor"
	"github.com/secondly/face-ai/internal/detector"
	"github.com/secondly/face-ai/internal/tracker"
)

// indexedFrame carries one decoded frame and its position in the input
// order. The index is what the reorder stage keys on.
type indexedFrame struct {
	index int
	frame gocv.Mat
}

// RunVideo executes a video swap job: pipelined decode, sequential
// analyze/track/composite, in-order encode, then audio remux. Output
// frame order always matches input frame order and the output has
// exactly as many frames as were decoded.
func (c *Context) RunVideo(ctx context.Context, job *Job) (*Result, error) {
	release, err := acquireJobSlot(ctx)
	if err != nil {
		return c.cancelledResult(job), nil
	}
	defer release()

	result := &Result{JobID: job.ID, OutputPath: job.OutputPath}
	progress := newProgressReporter(job.Progress)

	resolved, err := c.buildMappings(job)
	if err != nil {
		return failed(result), err
	}

	reader, err := OpenReaderFn(job.TargetPath)
	if err != nil {
		return failed(result), err
	}
	defer reader.Close()
	result.FramesTotal = reader.FrameCount()

	// All frames encode into a silent temp file; finalization either
	// remuxes audio into the real output or renames the temp over it.
	silentPath := job.OutputPath + ".video.tmp.mp4"
	writer, err := NewWriterFn(silentPath, reader.FPS(), reader.Width(), reader.Height())
	if err != nil {
		return failed(result), err
	}
	cleanupSilent := true
	defer func() {
		writer.Close()
		if cleanupSilent {
			os.Remove(silentPath)
		}
	}()

	c.Analyzer.Warmup()

	err = c.runFrameLoop(ctx, job, result, progress, reader, writer, resolved)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		os.Remove(job.OutputPath)
		return c.cancelledResult(job), nil
	}
	if err != nil {
		return failed(result), err
	}

	if err := writer.Close(); err != nil {
		return failed(result), fmt.Errorf("failed to finalize encoded video: %w", err)
	}
	result.FramesDone = writer.FramesWritten()
	result.FramesTotal = result.FramesDone // container frame counts lie; trust what we decoded

	progress.report(0.99, StageRemuxing)
	if err := c.finalize(ctx, job, result, silentPath); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Remove(job.OutputPath)
			return c.cancelledResult(job), nil
		}
		return failed(result), err
	}
	cleanupSilent = false // finalize consumed or renamed the temp file
	os.Remove(silentPath)

	result.Status = result.finalStatus()
	progress.finish(StageRemuxing)
	return result, nil
}

// runFrameLoop drives the three pipeline stages. Decode and encode run
// concurrently with processing; processing itself is sequential because
// identity tracking depends on frame order.
func (c *Context) runFrameLoop(ctx context.Context, job *Job, result *Result,
	progress *progressReporter, reader FrameReader, writer FrameWriter,
	resolved []resolvedMapping) error {

	depth := c.Config.Video.QueueDepth
	if depth < 1 {
		depth = 1
	}
	decoded := make(chan indexedFrame, depth)
	processed := make(chan indexedFrame, depth)

	tr := tracker.New(c.trackerConfig(), c.Analyzer.Version())
	mapper := tracker.NewMapper(trackerMappings(resolved), c.Config.Tracking.SimilarityThreshold)
	latents := newLatentCache(c.Composer)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(decoded)
		for idx := 0; ; idx++ {
			frame := gocv.NewMat()
			if !reader.Read(&frame) {
				frame.Close()
				return nil
			}
			select {
			case decoded <- indexedFrame{index: idx, frame: frame}:
			case <-gctx.Done():
				frame.Close()
				return gctx.Err()
			}
		}
	})

	group.Go(func() error {
		defer close(processed)
		for item := range decoded {
			if err := gctx.Err(); err != nil {
				item.frame.Close()
				return err
			}
			if err := c.processFrame(item, result, tr, mapper, latents); err != nil {
				item.frame.Close()
				return err
			}
			select {
			case processed <- item:
			case <-gctx.Done():
				item.frame.Close()
				return gctx.Err()
			}
		}
		return nil
	})

	group.Go(func() error {
		reorder := newReorderBuffer()
		defer reorder.drain()
		total := result.FramesTotal
		for item := range processed {
			for _, frame := range reorder.push(item.index, item.frame) {
				err := writer.Write(frame)
				frame.Close()
				if err != nil {
					return err
				}
				if total > 0 {
					progress.report(float64(writer.FramesWritten())/float64(total), StageEncoding)
				}
			}
		}
		return nil
	})

	err := group.Wait()

	// Both channels are closed once the group returns. On an abort any
	// frames still queued between the stages were abandoned in flight and
	// must be released here.
	for item := range decoded {
		item.frame.Close()
	}
	for item := range processed {
		item.frame.Close()
	}
	if err != nil {
		return err
	}

	warnUnmatched(result, mapper, tr)
	if writer.FramesWritten() == 0 {
		return fmt.Errorf("no frames decoded from %s", job.TargetPath)
	}
	return nil
}

// processFrame analyzes, tracks and composites one frame in place. A
// frame exceeding the per-frame budget is passed through unmodified
// with a warning; the job itself keeps going.
func (c *Context) processFrame(item indexedFrame, result *Result,
	tr *tracker.Tracker, mapper *tracker.Mapper, latents *latentCache) error {

	deadline := time.Now().Add(c.Config.Video.FrameTimeout)

	faces, err := c.Analyzer.Analyze(item.frame)
	if err != nil {
		// A per-frame inference fault skips the frame; the original frame
		// still goes to the encoder so the output stays frame-complete.
		if errors.Is(err, backend.ErrInference) || errors.Is(err, detector.ErrBadInput) {
			result.warn(Warning{Frame: item.index,
				Message: fmt.Sprintf("frame skipped: %v", err)})
			return nil
		}
		return err
	}

	assignments, err := tr.Observe(item.index, faces, item.frame.Cols(), item.frame.Rows())
	if err != nil {
		return err
	}
	mapper.Update(tr.Tracks())

	for _, a := range assignments {
		// Model runs are not interruptible, so the budget is enforced at
		// inference boundaries: a frame past its deadline keeps whatever
		// was already composited and skips the rest.
		if c.Config.Video.FrameTimeout > 0 && time.Now().After(deadline) {
			result.warn(Warning{Frame: item.index, TrackID: a.TrackID,
				Message: "frame exceeded processing budget, remaining faces left unswapped"})
			break
		}

		source := mapper.Resolve(a.TrackID)
		if source == nil {
			continue
		}
		if err := c.Composer.CompositeInto(&item.frame, faces[a.FaceIndex], latents.get(source)); err != nil {
			if errors.Is(err, compositor.ErrOutOfBounds) {
				result.warn(Warning{Frame: item.index, TrackID: a.TrackID,
					Message: "face too close to frame edge, region left unswapped"})
				continue
			}
			if errors.Is(err, backend.ErrInference) {
				result.warn(Warning{Frame: item.index, TrackID: a.TrackID,
					Message: fmt.Sprintf("face skipped: %v", err)})
				continue
			}
			return err
		}
		result.FacesSwapped++
	}
	return nil
}

// finalize produces the job output from the silent encode: remux the
// original audio in when present, otherwise promote the silent file. A
// failed remux degrades to the silent video with a warning rather than
// failing the job.
func (c *Context) finalize(ctx context.Context, job *Job, result *Result, silentPath string) error {
	if c.Remuxer != nil {
		hasAudio, err := c.Remuxer.HasAudio(ctx, job.TargetPath)
		if err != nil {
			c.Logger.Warn("audio probe failed, keeping silent video", "error", err)
			result.warn(Warning{Frame: -1, Message: "audio probe failed, output has no audio"})
			hasAudio = false
		}
		if hasAudio {
			if err := c.Remuxer.Mux(ctx, job.TargetPath, silentPath, job.OutputPath); err == nil {
				return nil
			} else if ctx.Err() != nil {
				return ctx.Err()
			} else {
				c.Logger.Warn("audio remux failed, keeping silent video", "error", err)
				result.warn(Warning{Frame: -1, Message: "audio remux failed, output has no audio"})
			}
		}
	}
	if err := os.Rename(silentPath, job.OutputPath); err != nil {
		return fmt.Errorf("failed to move encoded video into place: %w", err)
	}
	return nil
}
