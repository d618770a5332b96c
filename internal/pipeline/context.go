package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/backend"
	"github.com/secondly/face-ai/internal/compositor"
	"github.com/secondly/face-ai/internal/config"
	"github.com/secondly/face-ai/internal/media"
	"github.com/secondly/face-ai/internal/tracker"
)

// ErrNoSourceFace is returned when a source image contains no detectable
// face.
var ErrNoSourceFace = errors.New("pipeline: no face detected in source image")

// jobGate serializes jobs process-wide. One backend holds device memory
// at a time; concurrent jobs with conflicting device affinity are not
// supported.
var jobGate = semaphore.NewWeighted(1)

// FaceAnalyzer is the analysis dependency of the pipelines, satisfied by
// analyzer.Analyzer and by fakes in tests.
type FaceAnalyzer interface {
	Analyze(frame gocv.Mat) (analyzer.FrameFaceSet, error)
	Version() analyzer.ModelVersion
	Warmup()
	Close() error
}

// FaceCompositor is the swap dependency of the pipelines.
type FaceCompositor interface {
	Latent(source *analyzer.Embedding) *analyzer.Embedding
	CompositeInto(dst *gocv.Mat, rec analyzer.FaceRecord, latent *analyzer.Embedding) error
	Close() error
}

// Context owns every stateful resource a job needs: the compute backend
// and all model sessions. It is built per job and must be closed on
// every exit path; the backends do not reclaim device memory on their
// own at process level.
type Context struct {
	Config   config.Config
	Backend  *backend.Backend
	Analyzer FaceAnalyzer
	Composer FaceCompositor
	Remuxer  media.Remuxer
	Logger   *slog.Logger

	closed bool
}

// NewContext selects a backend, resolves model artifacts and loads all
// sessions. Any construction failure tears down what was already built.
func NewContext(cfg config.Config, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}

	artifacts, err := cfg.ResolveArtifacts()
	if err != nil {
		return nil, err
	}

	b, err := backend.NewSelector(logger).Select(cfg.Preference())
	if err != nil {
		return nil, err
	}

	an, err := analyzer.New(b, analyzer.Config{
		DetectorModelPath: artifacts.Detector,
		EncoderModelPath:  artifacts.Encoder,
		EncoderVersion:    analyzer.ModelVersion(cfg.EncoderVersion),
		DetectionSize:     cfg.Detection.Size,
		ConfThreshold:     cfg.Detection.ConfThreshold,
		NMSThreshold:      cfg.Detection.NMSThreshold,
	})
	if err != nil {
		b.Release()
		return nil, err
	}

	comp, err := compositor.New(b, an.Aligner(), compositor.Config{
		GeneratorModelPath: artifacts.Generator,
		EmapPath:           artifacts.Emap,
		EnhancerModelPath:  artifacts.Enhancer,
		BlendBlurSize:      cfg.Compositing.BlendBlurSize,
		ColorTransfer:      cfg.Compositing.ColorTransfer,
		Enhance:            cfg.Compositing.Enhance && artifacts.Enhancer != "",
	})
	if err != nil {
		an.Close()
		b.Release()
		return nil, err
	}

	var remuxer media.Remuxer
	if r, err := media.NewFFmpegRemuxer(); err == nil {
		remuxer = r
	} else {
		// Jobs still run; video finalization degrades to silent output.
		logger.Warn("remux tool unavailable, videos will keep no audio", "error", err)
	}

	return &Context{
		Config:   cfg,
		Backend:  b,
		Analyzer: an,
		Composer: comp,
		Remuxer:  remuxer,
		Logger:   logger,
	}, nil
}

// Close releases every session and the backend. Idempotent; safe on all
// exit paths including cancellation.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.Composer != nil {
		if err := c.Composer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Analyzer != nil {
		if err := c.Analyzer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Backend != nil {
		if err := c.Backend.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// acquireJobSlot blocks until this context's job may run. Jobs are
// serialized process-wide.
func acquireJobSlot(ctx context.Context) (release func(), err error) {
	if err := jobGate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { jobGate.Release(1) }, nil
}

// resolvedMapping pairs a built tracker mapping with its spec for
// warning attribution.
type resolvedMapping struct {
	spec    MappingSpec
	mapping *tracker.Mapping
}

// buildMappings embeds every source face (and reference face) and
// produces the tracker-facing mapping set. Embeddings supplied directly
// must carry the active recognition model version: cross-version
// comparison is undefined and rejected.
func (c *Context) buildMappings(job *Job) ([]resolvedMapping, error) {
	resolved := make([]resolvedMapping, 0, len(job.Mappings))

	for _, spec := range job.Mappings {
		source, err := c.sourceEmbedding(spec.Source)
		if err != nil {
			return nil, err
		}

		m := &tracker.Mapping{
			SourceID:    spec.Source.ID,
			Source:      source,
			TrackID:     spec.Target.TrackID,
			AllUnmapped: spec.Target.AllUnmapped,
		}

		if spec.Target.ReferencePath != "" {
			ref, err := c.embedImageFace(spec.Target.ReferencePath)
			if err != nil {
				return nil, fmt.Errorf("reference face %s: %w", spec.Target.ReferencePath, err)
			}
			m.Reference = ref
		}

		resolved = append(resolved, resolvedMapping{spec: spec, mapping: m})
	}
	return resolved, nil
}

func (c *Context) sourceEmbedding(src SourceFace) (*analyzer.Embedding, error) {
	if src.Embedding != nil {
		if src.Version != c.Analyzer.Version() {
			return nil, fmt.Errorf("%w: source %q carries %q, pipeline runs %q",
				tracker.ErrVersionMismatch, src.ID, src.Version, c.Analyzer.Version())
		}
		return src.Embedding, nil
	}
	emb, err := c.embedImageFace(src.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("source face %q: %w", src.ID, err)
	}
	return emb, nil
}

// embedImageFace loads an image and returns the embedding of its most
// confident face.
func (c *Context) embedImageFace(path string) (*analyzer.Embedding, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("failed to load image: %s", path)
	}
	defer img.Close()

	faces, err := c.Analyzer.Analyze(img)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoSourceFace
	}
	return faces[0].Embedding, nil
}

func trackerMappings(resolved []resolvedMapping) []*tracker.Mapping {
	out := make([]*tracker.Mapping, len(resolved))
	for i, r := range resolved {
		out[i] = r.mapping
	}
	return out
}
