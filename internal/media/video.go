// Package media wraps video decode/encode and the external audio remux
// collaborator.
package media

import (
	"errors"
	"fmt"
	"os"

	"gocv.io/x/gocv"
)

// ErrOpen is returned when a media file cannot be opened for decode.
var ErrOpen = errors.New("media: cannot open video")

// Reader decodes a video file frame by frame in timestamp order.
type Reader struct {
	capture *gocv.VideoCapture
	path    string
	fps     float64
	width   int
	height  int
	frames  int
}

// OpenReader opens a video for decoding. Reported dimensions come from
// the first decoded frame, not the container header: some files lie.
func OpenReader(path string) (*Reader, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, path)
	}

	r := &Reader{
		capture: capture,
		path:    path,
		fps:     capture.Get(gocv.VideoCaptureFPS),
		frames:  int(capture.Get(gocv.VideoCaptureFrameCount)),
	}

	first := gocv.NewMat()
	defer first.Close()
	if !capture.Read(&first) || first.Empty() {
		capture.Close()
		return nil, fmt.Errorf("%w: %s: no decodable frames", ErrOpen, path)
	}
	r.width = first.Cols()
	r.height = first.Rows()
	capture.Set(gocv.VideoCapturePosFrames, 0)

	return r, nil
}

// Read decodes the next frame into dst. Returns false at end of stream.
func (r *Reader) Read(dst *gocv.Mat) bool {
	return r.capture.Read(dst) && !dst.Empty()
}

func (r *Reader) FPS() float64    { return r.fps }
func (r *Reader) Width() int      { return r.width }
func (r *Reader) Height() int     { return r.height }
func (r *Reader) FrameCount() int { return r.frames }

// Close releases the decoder.
func (r *Reader) Close() error {
	return r.capture.Close()
}

// Writer encodes frames to a video file. Frames must be written in
// presentation order; the writer does no reordering.
type Writer struct {
	writer *gocv.VideoWriter
	path   string
	count  int
	closed bool
}

// NewWriter creates an encoder for the given geometry.
func NewWriter(path string, fps float64, width, height int) (*Writer, error) {
	w, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create video writer for %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("video writer did not open for %s", path)
	}
	return &Writer{writer: w, path: path}, nil
}

// Write encodes one frame.
func (w *Writer) Write(frame gocv.Mat) error {
	if err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to encode frame %d: %w", w.count, err)
	}
	w.count++
	return nil
}

// FramesWritten reports how many frames were encoded.
func (w *Writer) FramesWritten() int { return w.count }

// Close finalizes the file and verifies it exists with nonzero size.
// Idempotent; the pipeline closes on every exit path.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Close(); err != nil {
		return err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("encoded output missing: %s: %w", w.path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("encoded output empty: %s", w.path)
	}
	return nil
}
