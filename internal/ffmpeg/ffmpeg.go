// Package ffmpeg wraps the external ffmpeg/ffprobe binaries behind the
// Transcoder port. Everything above this package sees probe results and
// transcode outcomes, never subprocess details; tests substitute a
// deterministic fake.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotAvailable is returned when the ffmpeg binary cannot be found.
var ErrNotAvailable = errors.New("ffmpeg not available")

// ExecError carries the captured stderr of a failed ffmpeg run.
type ExecError struct {
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("ffmpeg failed: %v", e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ProbeResult is the subset of container/stream metadata the pipeline needs.
type ProbeResult struct {
	FormatName   string
	Width        int
	Height       int
	DurationMS   int64
	BitrateKbps  int
	FPS          float64
	VideoCodec   string
	AudioCodec   string
	HasVideo     bool
	HasAudio     bool
	CreationTime *time.Time
}

// TranscodeParams parameterize a std1080p-style transcode.
type TranscodeParams struct {
	MaxWidth  int
	MaxHeight int
	CRF       int
	Preset    string
}

// Transcoder is the port to the external media toolchain.
type Transcoder interface {
	// Available reports whether the transcode binary is usable.
	Available() bool
	// Probe inspects a media file.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	// Transcode converts src into an H.264/AAC MP4 at dst.
	Transcode(ctx context.Context, src, dst string, params TranscodeParams) error
	// ExtractFrame writes a single JPEG frame from src at the given offset.
	ExtractFrame(ctx context.Context, src, dst string, offset time.Duration) error
}

// Exec is the subprocess-backed Transcoder.
type Exec struct {
	ffmpegPath  string
	ffprobePath string

	// Availability cache. Rechecked after checkInterval so a node that
	// gains ffmpeg mid-flight recovers without a restart.
	mu        sync.Mutex
	available *bool
	checkedAt time.Time
}

const availabilityCheckInterval = 5 * time.Minute

// NewExec creates a subprocess-backed Transcoder. Empty paths default to
// binaries resolved via PATH.
func NewExec(ffmpegPath, ffprobePath string) *Exec {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Exec{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Available reports whether ffmpeg can be invoked, caching the answer.
func (e *Exec) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.available != nil && time.Since(e.checkedAt) < availabilityCheckInterval {
		return *e.available
	}
	_, err := exec.LookPath(e.ffmpegPath)
	ok := err == nil
	e.available = &ok
	e.checkedAt = time.Now()
	return ok
}

// probeOutput mirrors ffprobe's -print_format json output.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

type probeStream struct {
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Tags         map[string]string `json:"tags"`
}

// Probe runs ffprobe and extracts the fields the pipeline cares about.
func (e *Exec) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExecError{Stderr: string(exitErr.Stderr), Err: err}
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var probed probeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	result := &ProbeResult{FormatName: probed.Format.FormatName}
	if probed.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil {
			result.DurationMS = int64(secs * 1000)
		}
	}
	if probed.Format.BitRate != "" {
		if bps, err := strconv.Atoi(probed.Format.BitRate); err == nil {
			result.BitrateKbps = bps / 1000
		}
	}
	if t := parseCreationTime(probed.Format.Tags); t != nil {
		result.CreationTime = t
	}

	for i := range probed.Streams {
		s := &probed.Streams[i]
		switch s.CodecType {
		case "video":
			if !result.HasVideo {
				result.HasVideo = true
				result.VideoCodec = s.CodecName
				result.Width = s.Width
				result.Height = s.Height
				result.FPS = parseFrameRate(s.AvgFrameRate)
				if result.CreationTime == nil {
					result.CreationTime = parseCreationTime(s.Tags)
				}
			}
		case "audio":
			if !result.HasAudio {
				result.HasAudio = true
				result.AudioCodec = s.CodecName
			}
		}
	}
	return result, nil
}

// Transcode runs ffmpeg with the fixed std1080p recipe: scale capped to the
// param bounds without upscaling, libx264 CRF, AAC stereo, faststart.
func (e *Exec) Transcode(ctx context.Context, src, dst string, params TranscodeParams) error {
	if !e.Available() {
		return ErrNotAvailable
	}
	scale := fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease",
		params.MaxWidth, params.MaxHeight)
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-y",
		"-i", src,
		"-vf", scale,
		"-c:v", "libx264",
		"-crf", strconv.Itoa(params.CRF),
		"-preset", params.Preset,
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-movflags", "+faststart",
		dst)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ExecError{Stderr: stderr.String(), Err: err}
	}
	return nil
}

// ExtractFrame pulls one frame at offset into a JPEG at dst. If seeking to
// the offset fails (the clip may be shorter), it retries from the start.
func (e *Exec) ExtractFrame(ctx context.Context, src, dst string, offset time.Duration) error {
	if !e.Available() {
		return ErrNotAvailable
	}
	run := func(seek bool) error {
		args := []string{"-y"}
		if seek {
			args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
		}
		args = append(args, "-i", src, "-frames:v", "1", "-q:v", "3", dst)
		cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
		var stderr strings.Builder
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return &ExecError{Stderr: stderr.String(), Err: err}
		}
		return nil
	}
	if err := run(true); err != nil {
		return run(false)
	}
	return nil
}

func parseFrameRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func parseCreationTime(tags map[string]string) *time.Time {
	raw, ok := tags["creation_time"]
	if !ok || raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000000Z"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
