// Package sampler turns a media file into a short, ordered list of decoded
// frames: the image itself for stills, a bounded selection for videos.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoFrames        = errors.New("no frames could be decoded")
	ErrUnreadableVideo = errors.New("video is unreadable or has zero duration")
	ErrUnsupportedKind = errors.New("unsupported media kind")
)

// DefaultMaxFrames caps frames taken from a single video.
const DefaultMaxFrames = 30

// Frame is one decoded picture and where it came from.
type Frame struct {
	Image     image.Image
	Timestamp float64 // seconds; 0 for still images
	Index     int
}

type Sampler interface {
	Sample(ctx context.Context, path string, kind models.MediaKind) ([]Frame, error)
}

type VideoInfo struct {
	Duration float64
	Width    int
	Height   int
}

// VideoDecoder probes videos and decodes single frames.
type VideoDecoder interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
	FrameAt(ctx context.Context, path string, ts float64) (image.Image, error)
}

// Scene is a shot between two detected boundaries, in seconds.
type Scene struct {
	Start float64
	End   float64
}

type SceneDetector interface {
	DetectScenes(ctx context.Context, path string) ([]Scene, error)
}

type Options struct {
	MaxFrames     int
	DecodeTimeout time.Duration
}

func (o Options) maxFrames() int {
	if o.MaxFrames <= 0 {
		return DefaultMaxFrames
	}
	return o.MaxFrames
}

// New picks the scene-aware strategy when a detector is available and the
// fixed-interval one otherwise.
func New(decoder VideoDecoder, detector SceneDetector, opts Options) Sampler {
	fixed := &FixedIntervalSampler{decoder: decoder, opts: opts}
	if detector == nil {
		return fixed
	}
	return &SceneAwareSampler{detector: detector, fixed: fixed}
}

// FixedIntervalSampler samples evenly spaced timestamps across the video.
type FixedIntervalSampler struct {
	decoder VideoDecoder
	opts    Options
}

func NewFixedInterval(decoder VideoDecoder, opts Options) *FixedIntervalSampler {
	return &FixedIntervalSampler{decoder: decoder, opts: opts}
}

func (s *FixedIntervalSampler) Sample(ctx context.Context, path string, kind models.MediaKind) ([]Frame, error) {
	switch kind {
	case models.MediaKindImage:
		return sampleImage(path)
	case models.MediaKindVideo:
		info, err := s.probe(ctx, path)
		if err != nil {
			return nil, err
		}
		return s.extract(ctx, path, FixedTimestamps(info.Duration, s.opts.maxFrames()))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
}

func (s *FixedIntervalSampler) probe(ctx context.Context, path string) (VideoInfo, error) {
	if s.decoder == nil {
		return VideoInfo{}, fmt.Errorf("%w: no video decoder configured", ErrUnreadableVideo)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	info, err := s.decoder.Probe(ctx, path)
	if err != nil {
		return VideoInfo{}, fmt.Errorf("%w: %v", ErrUnreadableVideo, err)
	}
	if info.Duration <= 0 {
		return VideoInfo{}, ErrUnreadableVideo
	}
	return info, nil
}

// extract decodes one frame per timestamp. Individual decode failures are
// dropped; at least one frame must survive.
func (s *FixedIntervalSampler) extract(ctx context.Context, path string, timestamps []float64) ([]Frame, error) {
	frames := make([]Frame, 0, len(timestamps))
	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := s.frameAt(ctx, path, ts)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"path": path, "ts": ts}).Debug("Dropping undecodable frame")
			continue
		}
		frames = append(frames, Frame{Image: img, Timestamp: ts, Index: len(frames)})
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	return frames, nil
}

func (s *FixedIntervalSampler) frameAt(ctx context.Context, path string, ts float64) (image.Image, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.decoder.FrameAt(ctx, path, ts)
}

func (s *FixedIntervalSampler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.DecodeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.DecodeTimeout)
}

// SceneAwareSampler takes one frame per detected scene, thinning evenly
// when there are more scenes than the cap allows. Videos without a cut are
// sampled at fixed intervals.
type SceneAwareSampler struct {
	detector SceneDetector
	fixed    *FixedIntervalSampler
}

func (s *SceneAwareSampler) Sample(ctx context.Context, path string, kind models.MediaKind) ([]Frame, error) {
	if kind != models.MediaKindVideo {
		return s.fixed.Sample(ctx, path, kind)
	}
	if _, err := s.fixed.probe(ctx, path); err != nil {
		return nil, err
	}

	dctx, cancel := s.fixed.withTimeout(ctx)
	scenes, err := s.detector.DetectScenes(dctx, path)
	cancel()
	if err != nil || len(scenes) <= 1 {
		logrus.WithError(err).WithField("path", path).Debug("No scenes detected, using fixed interval")
		return s.fixed.Sample(ctx, path, kind)
	}

	picked := EvenlySpaced(len(scenes), s.fixed.opts.maxFrames())
	timestamps := make([]float64, len(picked))
	for i, idx := range picked {
		timestamps[i] = scenes[idx].Start
	}
	return s.fixed.extract(ctx, path, timestamps)
}

// FixedTimestamps returns n timestamps at the centres of n equal slices of
// the duration.
func FixedTimestamps(duration float64, n int) []float64 {
	if duration <= 0 || n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range n {
		out[i] = duration * float64(2*i+1) / float64(2*n)
	}
	return out
}

// EvenlySpaced picks k ascending indices spread across [0, n). All indices
// are returned when k >= n.
func EvenlySpaced(n, k int) []int {
	if n <= 0 || k <= 0 {
		return nil
	}
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, k)
	for i := range k {
		out[i] = (2*i + 1) * n / (2 * k)
	}
	return out
}
