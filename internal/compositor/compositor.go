// Package compositor generates replacement face regions and blends them
// back into full frames.
package compositor

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/backend"
	"github.com/secondly/face-ai/internal/detector"
)

// ErrOutOfBounds is returned when the inverse warp would place the
// generated region outside the frame, typically a face clipped at the
// frame edge. Recoverable: the caller keeps the original region.
var ErrOutOfBounds = errors.New("compositor: inverse warp out of frame bounds")

// Config holds compositor model paths and post-step options.
type Config struct {
	GeneratorModelPath string
	EmapPath           string
	EnhancerModelPath  string // empty disables enhancement
	BlendBlurSize      int
	ColorTransfer      bool
	Enhance            bool
}

// Compositor swaps one face per call: align, generate, optionally
// enhance, inverse-warp and blend.
type Compositor struct {
	generator *Generator
	enhancer  *Enhancer
	blender   *Blender
	aligner   *analyzer.Aligner
}

// New loads the compositor's models onto the backend. On failure any
// partially constructed session is torn down.
func New(b *backend.Backend, aligner *analyzer.Aligner, cfg Config) (*Compositor, error) {
	gen, err := NewGenerator(b, cfg.GeneratorModelPath, cfg.EmapPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	var enh *Enhancer
	if cfg.Enhance && cfg.EnhancerModelPath != "" {
		enh, err = NewEnhancer(b, cfg.EnhancerModelPath)
		if err != nil {
			gen.Close()
			return nil, fmt.Errorf("failed to create enhancer: %w", err)
		}
	}

	return &Compositor{
		generator: gen,
		enhancer:  enh,
		blender:   NewBlender(cfg.BlendBlurSize, cfg.ColorTransfer),
		aligner:   aligner,
	}, nil
}

// Latent projects a source embedding into generator latent space.
func (c *Compositor) Latent(source *analyzer.Embedding) *analyzer.Embedding {
	return c.generator.Latent(source)
}

// CompositeInto swaps one face directly into dst. Used by the pipelines,
// which own the frame copy and may composite several faces into it.
func (c *Compositor) CompositeInto(dst *gocv.Mat, rec analyzer.FaceRecord, latent *analyzer.Embedding) error {
	aligned := c.aligner.AlignForSwap(*dst, rec.Landmarks)
	defer aligned.Close()

	if err := checkWarpGeometry(aligned.Transform, dst.Cols(), dst.Rows()); err != nil {
		return err
	}

	swapped, err := c.generator.Swap(aligned.Crop, latent)
	if err != nil {
		return err
	}
	defer swapped.Close()

	if c.enhancer != nil {
		enhanced, err := c.enhancer.Enhance(swapped)
		if err == nil {
			// Blend expects the generator crop size.
			gocv.Resize(enhanced, &swapped,
				image.Pt(analyzer.SwapCropSize, analyzer.SwapCropSize), 0, 0, gocv.InterpolationArea)
			enhanced.Close()
		}
	}

	c.blender.Blend(swapped, dst, aligned.Transform, rec.Landmarks)
	return nil
}

// Composite swaps one face and returns a new composed frame, leaving the
// input untouched. The caller owns the returned Mat.
func (c *Compositor) Composite(frame gocv.Mat, rec analyzer.FaceRecord, latent *analyzer.Embedding) (gocv.Mat, error) {
	result := frame.Clone()
	if err := c.CompositeInto(&result, rec, latent); err != nil {
		result.Close()
		return gocv.NewMat(), err
	}
	return result, nil
}

// checkWarpGeometry rejects transforms whose inverse places the crop
// fully outside the frame, or which cannot be inverted at all.
func checkWarpGeometry(transform analyzer.Affine, frameW, frameH int) error {
	inv, ok := transform.Invert()
	if !ok {
		return fmt.Errorf("%w: degenerate alignment transform", ErrOutOfBounds)
	}

	size := float32(analyzer.SwapCropSize)
	corners := [4][2]float32{{0, 0}, {size, 0}, {0, size}, {size, size}}

	minX, minY := float32(1e30), float32(1e30)
	maxX, maxY := float32(-1e30), float32(-1e30)
	for _, c := range corners {
		p := inv.Apply(detector.Point{X: c[0], Y: c[1]})
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}

	if maxX <= 0 || maxY <= 0 || minX >= float32(frameW) || minY >= float32(frameH) {
		return ErrOutOfBounds
	}
	return nil
}

// Close releases the compositor's sessions.
func (c *Compositor) Close() error {
	var firstErr error
	if err := c.generator.Close(); err != nil {
		firstErr = err
	}
	if c.enhancer != nil {
		if err := c.enhancer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
