package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrRemux is returned when the external muxing tool fails. Recoverable:
// the silent encoded video remains a valid, degraded result.
var ErrRemux = errors.New("media: audio remux failed")

// Remuxer combines the original file's audio track with a silent encoded
// video into the final output container.
type Remuxer interface {
	// HasAudio reports whether the source carries an audio stream.
	HasAudio(ctx context.Context, path string) (bool, error)
	// Mux writes originalAudio+silentVideo to outputPath without
	// re-encoding the video stream.
	Mux(ctx context.Context, originalPath, silentPath, outputPath string) error
}

// FFmpegRemuxer invokes ffmpeg/ffprobe as external processes.
type FFmpegRemuxer struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegRemuxer locates ffmpeg and ffprobe on PATH.
func NewFFmpegRemuxer() (*FFmpegRemuxer, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found on PATH", ErrRemux)
	}
	ffprobe, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe not found on PATH", ErrRemux)
	}
	return &FFmpegRemuxer{ffmpegPath: ffmpeg, ffprobePath: ffprobe}, nil
}

// HasAudio probes the first audio stream of the file.
func (r *FFmpegRemuxer) HasAudio(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "quiet",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("%w: probe: %v", ErrRemux, err)
	}
	return strings.Contains(string(out), "audio"), nil
}

// Mux copies the silent video stream and transcodes the original audio
// into the output container. Writes to a temp file first so a failed mux
// never clobbers the silent video.
func (r *FFmpegRemuxer) Mux(ctx context.Context, originalPath, silentPath, outputPath string) error {
	tmp := outputPath + ".remux.tmp.mp4"
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-i", silentPath,
		"-i", originalPath,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0?",
		"-shortest",
		"-y",
		tmp,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %v: %s", ErrRemux, err, truncate(string(out), 400))
	}

	// Success is an existing, non-empty output.
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: mux produced no output", ErrRemux)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return fmt.Errorf("%w: %v", ErrRemux, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
