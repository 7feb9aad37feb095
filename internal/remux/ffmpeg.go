package remux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpeg constants
const (
	FFmpegCommand       = "ffmpeg"
	FFprobeCommand      = "ffprobe"
	FFprobeLogLevel     = "error"
	FFprobeShowEntries  = "format=duration"
	FFprobeOutputFormat = "csv=p=0"
	ProgressPipeTarget  = "pipe:2"
	ProgressTimePrefix  = "out_time_us="
	OutputExtension     = ".mp4"
)

// ProgressFunc receives the remux progress in percent, 0 to 100.
type ProgressFunc func(percent float64)

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Path      string
	ProbePath string
}

// NewFFmpeg returns a runner for the binaries on PATH, or for path and the
// ffprobe next to it.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		return &FFmpeg{Path: FFmpegCommand, ProbePath: FFprobeCommand}
	}
	probe := FFprobeCommand
	if i := strings.LastIndex(path, FFmpegCommand); i >= 0 {
		probe = path[:i] + FFprobeCommand + path[i+len(FFmpegCommand):]
	}
	return &FFmpeg{Path: path, ProbePath: probe}
}

// BuildArgs builds the ffmpeg arguments that copy the first video stream
// and, when audio is set, the first audio stream of audio into out.
func BuildArgs(video, audio, out string) []string {
	args := []string{"-y", "-i", video}
	if audio != "" {
		args = append(args,
			"-i", audio,
			"-map", "0:v:0",
			"-map", "1:a:0?", // audio is optional
			"-c:v", "copy",
			"-c:a", "copy",
			"-shortest",
		)
	} else {
		args = append(args,
			"-map", "0:v:0",
			"-c", "copy",
		)
	}
	return append(args,
		"-progress", ProgressPipeTarget,
		"-nostats",
		out,
	)
}

// Duration returns the length of path in seconds using ffprobe.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ProbePath, "-v", FFprobeLogLevel, "-show_entries", FFprobeShowEntries, "-of", FFprobeOutputFormat, path)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to run ffprobe: %w", err)
	}
	s := strings.TrimSpace(string(output))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", s, err)
	}
	return d, nil
}

// Remux runs ffmpeg over video and audio into out. duration, in seconds,
// scales progress; with duration 0 progress is only reported at the end.
func (f *FFmpeg) Remux(ctx context.Context, video, audio, out string, duration float64, progress ProgressFunc) error {
	cmd := exec.CommandContext(ctx, f.Path, BuildArgs(video, audio, out)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// The pipe must be drained before Wait.
	var tail bytes.Buffer
	monitorProgress(stderr, duration, progress, &tail)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(tail.String()))
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// monitorProgress reads ffmpeg's -progress output. Lines that are not
// progress keys are kept in tail for error reporting.
func monitorProgress(r io.Reader, duration float64, progress ProgressFunc, tail *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, ProgressTimePrefix); ok {
			if progress == nil || duration <= 0 {
				continue
			}
			us, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			progress(Percent(float64(us)/1e6, duration))
			continue
		}
		if !strings.Contains(line, "=") && line != "" {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
	}
}

// Percent converts a position into a clamped percentage of duration.
func Percent(pos, duration float64) float64 {
	if duration <= 0 || pos <= 0 {
		return 0
	}
	p := pos / duration * 100
	if p > 100 {
		return 100
	}
	return p
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
