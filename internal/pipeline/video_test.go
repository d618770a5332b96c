package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/analyzer"
	"github.com/secondly/face-ai/internal/config"
	"github.com/secondly/face-ai/internal/media"
)

type fakeRemuxer struct {
	hasAudio bool
	muxErr   error
	muxed    bool
}

func (f *fakeRemuxer) HasAudio(ctx context.Context, path string) (bool, error) {
	return f.hasAudio, nil
}

func (f *fakeRemuxer) Mux(ctx context.Context, originalPath, silentPath, outputPath string) error {
	if f.muxErr != nil {
		return f.muxErr
	}
	f.muxed = true
	data, err := os.ReadFile(silentPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append(data, "+audio"...), 0o644)
}

func testContext(r media.Remuxer) *Context {
	return &Context{
		Remuxer: r,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeSilent(t *testing.T, dir string) (silent, output string) {
	t.Helper()
	silent = filepath.Join(dir, "out.mp4.video.tmp.mp4")
	output = filepath.Join(dir, "out.mp4")
	require.NoError(t, os.WriteFile(silent, []byte("video"), 0o644))
	return silent, output
}

func TestFinalizeMuxesAudio(t *testing.T) {
	dir := t.TempDir()
	silent, output := writeSilent(t, dir)

	remuxer := &fakeRemuxer{hasAudio: true}
	c := testContext(remuxer)
	job := &Job{TargetPath: filepath.Join(dir, "in.mp4"), OutputPath: output}
	result := &Result{}

	require.NoError(t, c.finalize(context.Background(), job, result, silent))
	assert.True(t, remuxer.muxed)
	assert.Empty(t, result.Warnings)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "video+audio", string(data))
}

func TestFinalizeDegradesOnRemuxFailure(t *testing.T) {
	dir := t.TempDir()
	silent, output := writeSilent(t, dir)

	c := testContext(&fakeRemuxer{hasAudio: true, muxErr: media.ErrRemux})
	job := &Job{TargetPath: filepath.Join(dir, "in.mp4"), OutputPath: output}
	result := &Result{}

	// The job survives: the silent video is promoted and a warning rides
	// along, so the caller sees succeeded_with_warnings.
	require.NoError(t, c.finalize(context.Background(), job, result, silent))
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, StatusWithWarnings, result.finalStatus())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestFinalizeNoAudio(t *testing.T) {
	dir := t.TempDir()
	silent, output := writeSilent(t, dir)

	c := testContext(&fakeRemuxer{hasAudio: false})
	job := &Job{TargetPath: filepath.Join(dir, "in.mp4"), OutputPath: output}
	result := &Result{}

	require.NoError(t, c.finalize(context.Background(), job, result, silent))
	assert.Empty(t, result.Warnings)
	assert.Equal(t, StatusSucceeded, result.finalStatus())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestFinalizeWithoutRemuxer(t *testing.T) {
	dir := t.TempDir()
	silent, output := writeSilent(t, dir)

	c := testContext(nil)
	job := &Job{TargetPath: filepath.Join(dir, "in.mp4"), OutputPath: output}
	result := &Result{}

	require.NoError(t, c.finalize(context.Background(), job, result, silent))
	_, err := os.Stat(output)
	assert.NoError(t, err)
}

// fakeFrameReader yields frames tagged by row count (frame i has i+1
// rows) so output ordering is checkable without codecs.
type fakeFrameReader struct {
	frames int
	read   int
}

func (f *fakeFrameReader) Read(dst *gocv.Mat) bool {
	if f.read >= f.frames {
		return false
	}
	f.read++
	m := gocv.NewMatWithSize(f.read, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.CopyTo(dst)
	return true
}

func (f *fakeFrameReader) FPS() float64    { return 25 }
func (f *fakeFrameReader) Width() int      { return 8 }
func (f *fakeFrameReader) Height() int     { return f.frames }
func (f *fakeFrameReader) FrameCount() int { return f.frames }
func (f *fakeFrameReader) Close() error    { return nil }

type fakeFrameWriter struct {
	path   string
	rows   []int
	closed bool
}

func (f *fakeFrameWriter) Write(frame gocv.Mat) error {
	f.rows = append(f.rows, frame.Rows())
	return nil
}

func (f *fakeFrameWriter) FramesWritten() int { return len(f.rows) }

func (f *fakeFrameWriter) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return os.WriteFile(f.path, []byte("video"), 0o644)
}

const fakeVersion = analyzer.ModelVersion("test-v1")

// fakeFrameAnalyzer finds no faces; onFrame observes each frame's tag.
type fakeFrameAnalyzer struct {
	onFrame func(rows int)
}

func (f *fakeFrameAnalyzer) Analyze(frame gocv.Mat) (analyzer.FrameFaceSet, error) {
	if f.onFrame != nil {
		f.onFrame(frame.Rows())
	}
	return nil, nil
}

func (f *fakeFrameAnalyzer) Version() analyzer.ModelVersion { return fakeVersion }
func (f *fakeFrameAnalyzer) Warmup()                        {}
func (f *fakeFrameAnalyzer) Close() error                   { return nil }

type fakeFaceCompositor struct{}

func (fakeFaceCompositor) Latent(source *analyzer.Embedding) *analyzer.Embedding { return source }
func (fakeFaceCompositor) CompositeInto(dst *gocv.Mat, rec analyzer.FaceRecord, latent *analyzer.Embedding) error {
	return nil
}
func (fakeFaceCompositor) Close() error { return nil }

func videoTestContext(an FaceAnalyzer) *Context {
	cfg := config.Default()
	cfg.Video.QueueDepth = 2
	return &Context{
		Config:   cfg,
		Analyzer: an,
		Composer: fakeFaceCompositor{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func videoTestJob(t *testing.T, dir string) *Job {
	t.Helper()
	var emb analyzer.Embedding
	emb[0] = 1
	job, err := NewJob(filepath.Join(dir, "in.mp4"), filepath.Join(dir, "out.mp4"), []MappingSpec{
		{
			Source: SourceFace{ID: "a", Embedding: &emb, Version: fakeVersion},
			Target: TargetSelector{AllUnmapped: true},
		},
	})
	require.NoError(t, err)
	return job
}

func swapVideoIO(t *testing.T, reader FrameReader, writer *fakeFrameWriter) {
	t.Helper()
	origOpen, origNew := OpenReaderFn, NewWriterFn
	OpenReaderFn = func(path string) (FrameReader, error) { return reader, nil }
	NewWriterFn = func(path string, fps float64, width, height int) (FrameWriter, error) {
		writer.path = path
		return writer, nil
	}
	t.Cleanup(func() {
		OpenReaderFn = origOpen
		NewWriterFn = origNew
	})
}

func TestRunVideoFrameCountAndOrder(t *testing.T) {
	dir := t.TempDir()
	writer := &fakeFrameWriter{}
	swapVideoIO(t, &fakeFrameReader{frames: 10}, writer)

	c := videoTestContext(&fakeFrameAnalyzer{})
	job := videoTestJob(t, dir)

	var fractions []float64
	job.Progress = func(fraction float64, stage Stage) {
		fractions = append(fractions, fraction)
	}

	result, err := c.RunVideo(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, result.Status)
	assert.Equal(t, 10, result.FramesDone)

	// Every decoded frame was encoded, in decode order.
	require.Len(t, writer.rows, 10)
	for i, rows := range writer.rows {
		assert.Equal(t, i+1, rows)
	}

	// Progress is monotone and terminates at exactly 1.
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
	assert.Equal(t, 1.0, fractions[len(fractions)-1])

	// The output landed and the silent temp is gone.
	_, err = os.Stat(job.OutputPath)
	assert.NoError(t, err)
	_, err = os.Stat(job.OutputPath + ".video.tmp.mp4")
	assert.True(t, os.IsNotExist(err))
}

func TestRunVideoCancelDeletesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	writer := &fakeFrameWriter{}
	swapVideoIO(t, &fakeFrameReader{frames: 100}, writer)

	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	c := videoTestContext(&fakeFrameAnalyzer{onFrame: func(rows int) {
		seen++
		if seen == 3 {
			cancel()
		}
	}})
	job := videoTestJob(t, dir)

	result, err := c.RunVideo(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)

	// Partial outputs must not survive an abort.
	_, err = os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(job.OutputPath + ".video.tmp.mp4")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireJobSlotSerializes(t *testing.T) {
	release, err := acquireJobSlot(context.Background())
	require.NoError(t, err)

	// A second job cannot start while the first holds the slot.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = acquireJobSlot(ctx)
	assert.Error(t, err)

	release()

	release2, err := acquireJobSlot(context.Background())
	require.NoError(t, err)
	release2()
}
