// Package config holds job configuration defaults, YAML loading and
// model artifact resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/secondly/face-ai/internal/backend"
)

// Logical model artifact names. The pipeline resolves them under the
// models directory and fails if a required one is absent; it never
// fetches models itself.
const (
	DetectorModelName  = "scrfd_10g.onnx"
	EncoderModelName   = "arcface.onnx"
	GeneratorModelName = "inswapper.onnx"
	EmapName           = "emap.bin"
	EnhancerModelName  = "gfpgan_1.4.onnx"
)

// Config is the full pipeline configuration. Every heuristic threshold
// lives here under a name so edge cases stay reproducible in tests.
type Config struct {
	ModelsDir      string `yaml:"models_dir"`
	EncoderVersion string `yaml:"encoder_version"`

	Backend string `yaml:"backend"` // auto, gpu or cpu

	Detection struct {
		Size          int     `yaml:"size"`
		ConfThreshold float32 `yaml:"conf_threshold"`
		NMSThreshold  float32 `yaml:"nms_threshold"`
	} `yaml:"detection"`

	Tracking struct {
		SimilarityThreshold float32 `yaml:"similarity_threshold"`
		EMAAlpha            float32 `yaml:"ema_alpha"`
		StalenessBudget     int     `yaml:"staleness_budget"`
	} `yaml:"tracking"`

	Compositing struct {
		BlendBlurSize int  `yaml:"blend_blur_size"`
		ColorTransfer bool `yaml:"color_transfer"`
		Enhance       bool `yaml:"enhance"`
	} `yaml:"compositing"`

	Video struct {
		QueueDepth   int           `yaml:"queue_depth"`
		FrameTimeout time.Duration `yaml:"frame_timeout"`
	} `yaml:"video"`
}

// Default returns the production defaults.
func Default() Config {
	var c Config
	c.ModelsDir = "models"
	c.EncoderVersion = "arcface-r100-v1"
	c.Backend = "auto"
	c.Detection.Size = 640
	c.Detection.ConfThreshold = 0.5
	c.Detection.NMSThreshold = 0.4
	c.Tracking.SimilarityThreshold = 0.40
	c.Tracking.EMAAlpha = 0.30
	c.Tracking.StalenessBudget = 25
	c.Compositing.BlendBlurSize = 31
	c.Compositing.ColorTransfer = true
	c.Compositing.Enhance = false
	c.Video.QueueDepth = 8
	c.Video.FrameTimeout = 30 * time.Second
	return c
}

// Load merges a YAML file over the defaults. A missing path yields pure
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Preference maps the configured backend string to a selector preference.
func (c Config) Preference() backend.Preference {
	switch c.Backend {
	case "cpu":
		return backend.PreferCPU
	case "gpu":
		return backend.PreferGPU
	default:
		return backend.PreferAuto
	}
}

// Artifacts are the resolved model file paths for one job.
type Artifacts struct {
	Detector  string
	Encoder   string
	Generator string
	Emap      string
	Enhancer  string // empty when enhancement is off or model absent
}

// ResolveArtifacts locates every required model under the models
// directory, failing early with the model-missing error before any
// backend memory is allocated. The enhancer is optional: its absence
// only disables the enhancement pass.
func (c Config) ResolveArtifacts() (Artifacts, error) {
	a := Artifacts{
		Detector:  filepath.Join(c.ModelsDir, DetectorModelName),
		Encoder:   filepath.Join(c.ModelsDir, EncoderModelName),
		Generator: filepath.Join(c.ModelsDir, GeneratorModelName),
		Emap:      filepath.Join(c.ModelsDir, EmapName),
	}

	for _, required := range []string{a.Detector, a.Encoder, a.Generator, a.Emap} {
		if _, err := os.Stat(required); err != nil {
			return Artifacts{}, fmt.Errorf("%w: %s", backend.ErrModelMissing, required)
		}
	}

	if c.Compositing.Enhance {
		enhancer := filepath.Join(c.ModelsDir, EnhancerModelName)
		if _, err := os.Stat(enhancer); err == nil {
			a.Enhancer = enhancer
		}
	}
	return a, nil
}
