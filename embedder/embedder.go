// Package embedder batches frames and queries through the external embedding
// model and shapes its output into unit-length vectors.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var ErrModelUnavailable = errors.New("embedding model unavailable")

// Model is the external embedding capability.
type Model interface {
	// Load prepares the model and reports its output dimensionality.
	Load(ctx context.Context) (int, error)
	EmbedImages(ctx context.Context, imgs []image.Image, q models.Quantization) ([][]float32, error)
	EmbedText(ctx context.Context, text string, q models.Quantization) ([]float32, error)
}

type Options struct {
	BatchSize    int
	Quantization models.Quantization
	Timeout      time.Duration // per model call, 0 = none
	Rate         float64       // model calls per second, 0 = unlimited
}

// Adapter serialises calls into the model, so callers may share it across
// goroutines without oversubscribing the device. Options.Timeout bounds each
// model call on its own; time spent waiting for the model does not count.
type Adapter struct {
	model   Model
	opts    Options
	limiter *rate.Limiter
	calls   *semaphore.Weighted

	mu  sync.Mutex
	dim int
}

func New(model Model, opts Options) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Quantization == "" {
		opts.Quantization = models.QuantFloat16
	}
	a := &Adapter{model: model, opts: opts, calls: semaphore.NewWeighted(1)}
	if opts.Rate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return a
}

func (a *Adapter) BatchSize() int {
	return a.opts.BatchSize
}

// Load initialises the model once and caches its dimension.
func (a *Adapter) Load(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dim > 0 {
		return a.dim, nil
	}
	dim, err := a.model.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if dim <= 0 {
		return 0, fmt.Errorf("%w: model reported dimension %d", ErrModelUnavailable, dim)
	}
	a.dim = dim
	return dim, nil
}

// Dimension returns the loaded model's output size, or 0 before Load.
func (a *Adapter) Dimension() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dim
}

// EmbedImages returns one vector per image, in order. Inputs are split into
// batches of at most BatchSize. A failed batch is retried once in halves;
// if that fails too the whole call fails.
func (a *Adapter) EmbedImages(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	out := make([][]float32, 0, len(imgs))
	for start := 0; start < len(imgs); start += a.opts.BatchSize {
		end := min(start+a.opts.BatchSize, len(imgs))
		batch := imgs[start:end]

		vecs, err := a.embedBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, models.ErrDimensionMismatch) {
				return nil, err
			}
			logrus.WithError(err).WithField("batch", len(batch)).Warn("Embedding batch failed, retrying with smaller batches")
			vecs, err = a.retrySmaller(ctx, batch)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (a *Adapter) retrySmaller(ctx context.Context, batch []image.Image) ([][]float32, error) {
	size := max(1, len(batch)/2)
	out := make([][]float32, 0, len(batch))
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		vecs, err := a.embedBatch(ctx, batch[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch failed after retry: %w", err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (a *Adapter) embedBatch(ctx context.Context, batch []image.Image) ([][]float32, error) {
	var vecs [][]float32
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		vecs, err = a.model.EmbedImages(ctx, batch, a.opts.Quantization)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("model returned %d vectors for %d images", len(vecs), len(batch))
	}
	for i, v := range vecs {
		if err := a.checkDim(v); err != nil {
			return nil, err
		}
		vecs[i] = Quantize(v, a.opts.Quantization)
	}
	return vecs, nil
}

// EmbedText embeds a query at the adapter's quantization and unit-normalises it.
func (a *Adapter) EmbedText(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := a.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = a.model.EmbedText(ctx, text, a.opts.Quantization)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := a.checkDim(vec); err != nil {
		return nil, err
	}
	return Normalize(Quantize(vec, a.opts.Quantization)), nil
}

// EmbedImage embeds a single image, normalised, for query-by-example.
func (a *Adapter) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	vecs, err := a.EmbedImages(ctx, []image.Image{img})
	if err != nil {
		return nil, err
	}
	return Normalize(vecs[0]), nil
}

func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	// the timeout starts once this call owns the model, not while queued
	if err := a.calls.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.calls.Release(1)

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

// checkDim must be called without a.mu held.
func (a *Adapter) checkDim(v []float32) error {
	if len(v) == 0 {
		return errors.New("model returned an empty vector")
	}
	if dim := a.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: model declared %d, got %d", models.ErrDimensionMismatch, dim, len(v))
	}
	return nil
}
