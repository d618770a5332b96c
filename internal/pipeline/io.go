package pipeline

import (
	"gocv.io/x/gocv"

	"github.com/secondly/face-ai/internal/media"
)

// FrameReader is the decode side of the video loop.
type FrameReader interface {
	Read(dst *gocv.Mat) bool
	FPS() float64
	Width() int
	Height() int
	FrameCount() int
	Close() error
}

// FrameWriter is the encode side of the video loop.
type FrameWriter interface {
	Write(frame gocv.Mat) error
	FramesWritten() int
	Close() error
}

// Decoder and encoder constructors, swappable in tests for fakes that
// need no codec support.
var (
	OpenReaderFn = func(path string) (FrameReader, error) { return media.OpenReader(path) }
	NewWriterFn  = func(path string, fps float64, width, height int) (FrameWriter, error) {
		return media.NewWriter(path, fps, width, height)
	}
)
