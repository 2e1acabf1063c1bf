// Package compositor drives ffmpeg and ffprobe to render narrated slideshows.
package compositor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var commandContext = exec.CommandContext

// maxErrOutput bounds how much tool output is kept in an error.
const maxErrOutput = 2000

// Config configures the compositor.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
	FPS         int
}

// FFmpeg renders media with the ffmpeg command-line tools.
type FFmpeg struct {
	cfg Config
	log zerolog.Logger
}

// New creates a compositor.
func New(cfg Config, log zerolog.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 25
	}
	return &FFmpeg{cfg: cfg, log: log.With().Str("component", "compositor").Logger()}
}

// ChangeSpeed re-times audio by rate without changing pitch.
func (f *FFmpeg) ChangeSpeed(ctx context.Context, in, out string, rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("invalid playback rate %v", rate)
	}
	return f.run(ctx, speedArgs(in, out, rate))
}

// ToMonoFLAC converts audio to single-channel FLAC for recognition.
func (f *FFmpeg) ToMonoFLAC(ctx context.Context, in, out string) error {
	return f.run(ctx, flacArgs(in, out))
}

// Slideshow renders an ffconcat manifest to video, trimmed to total seconds.
func (f *FFmpeg) Slideshow(ctx context.Context, manifestPath, out string, total float64) error {
	return f.run(ctx, slideshowArgs(manifestPath, out, total, f.cfg.FPS))
}

// AddAudio muxes an audio track onto a silent video.
func (f *FFmpeg) AddAudio(ctx context.Context, audio, video, out string) error {
	return f.run(ctx, addAudioArgs(audio, video, out))
}

// Fade applies audio and video fades at both ends of in.
func (f *FFmpeg) Fade(ctx context.Context, in, out string, fadeIn, fadeOut float64) error {
	d, err := f.Duration(ctx, in)
	if err != nil {
		return err
	}
	return f.run(ctx, fadeArgs(in, out, d, fadeIn, fadeOut))
}

// Resize scales and pads video to the configured frame size.
func (f *FFmpeg) Resize(ctx context.Context, in, out string) error {
	return f.run(ctx, resizeArgs(in, out, f.cfg.Width, f.cfg.Height))
}

// Concat joins clips with audio, in order.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return errors.New("concat: no inputs")
	}
	return f.run(ctx, concatArgs(inputs, out))
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns a media file's duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := commandContext(ctx, f.cfg.FFprobePath, "-v", "error", "-show_entries", "format=duration", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, tail(exitErr.Stderr))
		}
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(probe.Format.Duration), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: no duration: %w", path, err)
	}
	return d, nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	f.log.Debug().Strs("args", full).Msg("ffmpeg")
	cmd := commandContext(ctx, f.cfg.FFmpegPath, full...) //nolint:gosec
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(output))
	}
	return nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrOutput {
		s = "..." + s[len(s)-maxErrOutput:]
	}
	return s
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// atempoChain expresses rate as a chain of atempo filters, each within the
// 0.5 to 2.0 range every ffmpeg version accepts.
func atempoChain(rate float64) string {
	var parts []string
	for rate > 2.0 {
		parts = append(parts, "atempo=2")
		rate /= 2.0
	}
	for rate < 0.5 {
		parts = append(parts, "atempo=0.5")
		rate /= 0.5
	}
	parts = append(parts, "atempo="+num(rate))
	return strings.Join(parts, ",")
}

func speedArgs(in, out string, rate float64) []string {
	return []string{"-i", in, "-filter:a", atempoChain(rate), out}
}

func flacArgs(in, out string) []string {
	return []string{"-i", in, "-ac", "1", "-c:a", "flac", out}
}

func slideshowArgs(manifest, out string, total float64, fps int) []string {
	return []string{
		"-f", "concat", "-safe", "0", "-i", manifest,
		"-t", num(total),
		"-vf", fmt.Sprintf("fps=%d,format=yuv420p", fps),
		"-c:v", "libx264", "-pix_fmt", "yuv420p",
		out,
	}
}

func addAudioArgs(audio, video, out string) []string {
	return []string{
		"-i", video, "-i", audio,
		"-map", "0:v:0", "-map", "1:a:0",
		"-c:v", "copy", "-c:a", "aac",
		out,
	}
}

func fadeArgs(in, out string, duration, fadeIn, fadeOut float64) []string {
	outStart := max(0, duration-fadeOut)
	return []string{
		"-i", in,
		"-vf", fmt.Sprintf("fade=t=in:st=0:d=%s,fade=t=out:st=%s:d=%s", num(fadeIn), num(outStart), num(fadeOut)),
		"-af", fmt.Sprintf("afade=t=in:st=0:d=%s,afade=t=out:st=%s:d=%s", num(fadeIn), num(outStart), num(fadeOut)),
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "aac",
		out,
	}
}

func resizeArgs(in, out string, w, h int) []string {
	return []string{
		"-i", in,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h),
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "copy",
		out,
	}
}

func concatArgs(inputs []string, out string) []string {
	var args []string
	var graph strings.Builder
	for i, in := range inputs {
		args = append(args, "-i", in)
		fmt.Fprintf(&graph, "[%d:v][%d:a]", i, i)
	}
	fmt.Fprintf(&graph, "concat=n=%d:v=1:a=1[v][a]", len(inputs))
	return append(args,
		"-filter_complex", graph.String(),
		"-map", "[v]", "-map", "[a]",
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-c:a", "aac",
		out,
	)
}
