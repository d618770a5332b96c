package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/secondly/face-ai/internal/pipeline"
)

var (
	flagSources []string
	flagRefs    []string
	flagTracks  []int64
	flagOutput  string
	flagEnhance bool
)

var imageCmd = &cobra.Command{
	Use:   "image <target>",
	Short: "Swap faces in a still image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwap(args[0], false)
	},
}

var videoCmd = &cobra.Command{
	Use:   "video <target>",
	Short: "Swap faces in a video, preserving the audio track",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwap(args[0], true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{imageCmd, videoCmd} {
		cmd.Flags().StringSliceVarP(&flagSources, "source", "s", nil, "source face image (repeatable)")
		cmd.Flags().StringSliceVar(&flagRefs, "ref", nil, "reference image of the target face for the matching --source")
		cmd.Flags().Int64SliceVar(&flagTracks, "track", nil, "target track id for the matching --source")
		cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output path (required)")
		cmd.Flags().BoolVar(&flagEnhance, "enhance", false, "enable face enhancement")
		cmd.MarkFlagRequired("source")
		cmd.MarkFlagRequired("output")
	}
	rootCmd.AddCommand(imageCmd, videoCmd)
}

// buildMappingSpecs pairs sources with target selectors in source order:
// each source consumes the next unused --ref, then the next unused
// --track, and only with neither left does it fall back to all unmapped
// faces. At most one fallback is allowed, and every given selector must
// be consumed, or the swap targets would be ambiguous.
func buildMappingSpecs() ([]pipeline.MappingSpec, error) {
	specs := make([]pipeline.MappingSpec, 0, len(flagSources))
	refs := flagRefs
	tracks := flagTracks
	fallbacks := 0

	for i, src := range flagSources {
		spec := pipeline.MappingSpec{
			Source: pipeline.SourceFace{
				ID:        fmt.Sprintf("source-%d", i+1),
				ImagePath: src,
			},
		}
		switch {
		case len(refs) > 0:
			spec.Target.ReferencePath = refs[0]
			refs = refs[1:]
		case len(tracks) > 0:
			spec.Target.TrackID = tracks[0]
			tracks = tracks[1:]
		default:
			spec.Target.AllUnmapped = true
			fallbacks++
		}
		specs = append(specs, spec)
	}

	if len(refs) > 0 || len(tracks) > 0 {
		return nil, fmt.Errorf("%d unused --ref/--track values; give one --source per selector", len(refs)+len(tracks))
	}
	if fallbacks > 1 {
		return nil, fmt.Errorf("only one --source may target all unmapped faces; add --ref or --track for the others")
	}
	return specs, nil
}

func runSwap(target string, video bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Compositing.Enhance = cfg.Compositing.Enhance || flagEnhance

	specs, err := buildMappingSpecs()
	if err != nil {
		return err
	}

	pctx, err := pipeline.NewContext(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer pctx.Close()

	job, err := pipeline.NewJob(target, flagOutput, specs)
	if err != nil {
		return err
	}
	job.Progress = progressRenderer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var result *pipeline.Result
	if video {
		result, err = pctx.RunVideo(ctx, job)
	} else {
		result, err = pctx.RunImage(ctx, job)
	}
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	return report(result, time.Since(start))
}

// progressRenderer drives the terminal bar and a rate-limited debug log
// line so verbose runs do not log every frame.
func progressRenderer() pipeline.ProgressFunc {
	bar := progressbar.NewOptions(1000,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("processing"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	logLimit := rate.NewLimiter(rate.Every(2*time.Second), 1)

	return func(fraction float64, stage pipeline.Stage) {
		bar.Describe(string(stage))
		bar.Set(int(fraction * 1000))
		if logLimit.Allow() {
			slog.Debug("progress", "stage", stage, "fraction", fmt.Sprintf("%.3f", fraction))
		}
	}
}

func report(result *pipeline.Result, elapsed time.Duration) error {
	for _, w := range result.Warnings {
		if w.Frame >= 0 {
			slog.Warn(w.Message, "frame", w.Frame, "track", w.TrackID)
		} else {
			slog.Warn(w.Message)
		}
	}

	switch result.Status {
	case pipeline.StatusCancelled:
		return fmt.Errorf("job cancelled")
	case pipeline.StatusFailed:
		return fmt.Errorf("job failed")
	}

	slog.Info("done",
		"status", result.Status,
		"output", result.OutputPath,
		"frames", result.FramesDone,
		"faces_swapped", result.FacesSwapped,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return nil
}
