package sampler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FFmpeg decodes video through the ffmpeg and ffprobe binaries. It
// implements both VideoDecoder and SceneDetector.
type FFmpeg struct {
	ffmpeg          string
	ffprobe         string
	SceneThreshold  float64 // ffmpeg scene score in (0,1)
	MinSceneSeconds float64
}

// NewFFmpeg resolves both binaries on PATH.
func NewFFmpeg(ffmpegBin, ffprobeBin string) (*FFmpeg, error) {
	ff, err := exec.LookPath(ffmpegBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}
	fp, err := exec.LookPath(ffprobeBin)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not available: %w", err)
	}
	return &FFmpeg{ffmpeg: ff, ffprobe: fp, SceneThreshold: 0.3, MinSceneSeconds: 0.5}, nil
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (VideoInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration:stream=width,height",
		"-of", "json",
		path)
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (VideoInfo, error) {
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(p.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream")
	}
	var info VideoInfo
	info.Width, info.Height = p.Streams[0].Width, p.Streams[0].Height
	if p.Format.Duration != "" && p.Format.Duration != "N/A" {
		d, err := strconv.ParseFloat(p.Format.Duration, 64)
		if err != nil {
			return VideoInfo{}, fmt.Errorf("bad duration %q: %w", p.Format.Duration, err)
		}
		info.Duration = d
	}
	return info, nil
}

func (f *FFmpeg) FrameAt(ctx context.Context, path string, ts float64) (image.Image, error) {
	cmd := exec.CommandContext(ctx, f.ffmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame at %.3fs: %w: %s", ts, err, strings.TrimSpace(stderr.String()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame at %.3fs", ts)
	}
	return png.Decode(bytes.NewReader(out))
}

func (f *FFmpeg) DetectScenes(ctx context.Context, path string) ([]Scene, error) {
	info, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("select='gt(scene,%.3f)',showinfo", f.SceneThreshold)
	cmd := exec.CommandContext(ctx, f.ffmpeg,
		"-hide_banner", "-nostats",
		"-i", path,
		"-an",
		"-vf", filter,
		"-f", "null",
		"-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg scene detection: %w", err)
	}
	return ScenesFromCuts(parseShowinfo(stderr.String()), info.Duration, f.MinSceneSeconds), nil
}

var ptsTimeRe = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

func parseShowinfo(log string) []float64 {
	var cuts []float64
	for _, m := range ptsTimeRe.FindAllStringSubmatch(log, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			cuts = append(cuts, v)
		}
	}
	return cuts
}

// ScenesFromCuts turns shot-boundary times into scenes covering
// [0, duration]. Cuts closer than minLen to the previous boundary are merged.
// It returns nil when no cut survives, so callers fall back to fixed
// intervals instead of sampling a single-shot video once.
func ScenesFromCuts(cuts []float64, duration, minLen float64) []Scene {
	if duration <= 0 {
		return nil
	}
	sorted := append([]float64(nil), cuts...)
	sort.Float64s(sorted)

	bounds := []float64{0}
	for _, c := range sorted {
		if c <= 0 || c >= duration {
			continue
		}
		if c-bounds[len(bounds)-1] < minLen {
			continue
		}
		bounds = append(bounds, c)
	}
	if duration-bounds[len(bounds)-1] < minLen && len(bounds) > 1 {
		bounds = bounds[:len(bounds)-1]
	}
	if len(bounds) == 1 {
		return nil
	}
	bounds = append(bounds, duration)

	scenes := make([]Scene, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		scenes = append(scenes, Scene{Start: bounds[i], End: bounds[i+1]})
	}
	return scenes
}
