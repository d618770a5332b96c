package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondly/face-ai/internal/backend"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "models", cfg.ModelsDir)
	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, 640, cfg.Detection.Size)
	assert.Equal(t, float32(0.40), cfg.Tracking.SimilarityThreshold)
	assert.Equal(t, 25, cfg.Tracking.StalenessBudget)
	assert.Equal(t, 31, cfg.Compositing.BlendBlurSize)
	assert.Equal(t, 8, cfg.Video.QueueDepth)
	assert.Equal(t, 30*time.Second, cfg.Video.FrameTimeout)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models_dir: /opt/models
backend: cpu
tracking:
  similarity_threshold: 0.55
video:
  queue_depth: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/models", cfg.ModelsDir)
	assert.Equal(t, "cpu", cfg.Backend)
	assert.Equal(t, float32(0.55), cfg.Tracking.SimilarityThreshold)
	assert.Equal(t, 4, cfg.Video.QueueDepth)

	// Untouched keys keep their defaults.
	assert.Equal(t, 640, cfg.Detection.Size)
	assert.Equal(t, 25, cfg.Tracking.StalenessBudget)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPreference(t *testing.T) {
	tests := []struct {
		backend  string
		expected backend.Preference
	}{
		{"cpu", backend.PreferCPU},
		{"gpu", backend.PreferGPU},
		{"auto", backend.PreferAuto},
		{"", backend.PreferAuto},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Backend = tt.backend
		assert.Equal(t, tt.expected, cfg.Preference())
	}
}

func TestResolveArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{DetectorModelName, EncoderModelName, GeneratorModelName, EmapName} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	cfg := Default()
	cfg.ModelsDir = dir

	a, err := cfg.ResolveArtifacts()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DetectorModelName), a.Detector)
	assert.Empty(t, a.Enhancer, "enhancement off leaves the enhancer unresolved")
}

func TestResolveArtifactsMissingModel(t *testing.T) {
	cfg := Default()
	cfg.ModelsDir = t.TempDir() // empty: everything missing

	_, err := cfg.ResolveArtifacts()
	assert.ErrorIs(t, err, backend.ErrModelMissing)
}

func TestResolveArtifactsOptionalEnhancer(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{DetectorModelName, EncoderModelName, GeneratorModelName, EmapName} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	cfg := Default()
	cfg.ModelsDir = dir
	cfg.Compositing.Enhance = true

	// Enhancer model absent: resolution succeeds, enhancement just stays off.
	a, err := cfg.ResolveArtifacts()
	require.NoError(t, err)
	assert.Empty(t, a.Enhancer)

	require.NoError(t, os.WriteFile(filepath.Join(dir, EnhancerModelName), []byte("x"), 0o644))
	a, err = cfg.ResolveArtifacts()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, EnhancerModelName), a.Enhancer)
}
