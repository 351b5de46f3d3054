package indexer

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pablobfonseca/go-media-vector/embedder"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/pablobfonseca/go-media-vector/scanner"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/pgvector/pgvector-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// unit is the work handed to one worker: a batch of images or one video.
type unit []scanner.Candidate

func (o *Orchestrator) units(candidates []scanner.Candidate) []unit {
	batch := max(1, o.embedder.BatchSize())
	var (
		out    []unit
		images unit
	)
	for _, c := range candidates {
		if c.Kind == models.MediaKindVideo {
			out = append(out, unit{c})
			continue
		}
		images = append(images, c)
		if len(images) == batch {
			out = append(out, images)
			images = nil
		}
	}
	if len(images) > 0 {
		out = append(out, images)
	}
	return out
}

// process samples and embeds every candidate with at most WorkerCount
// units in flight. Per-file failures are counted, not returned; the error
// is reserved for conditions that must abort the run.
func (o *Orchestrator) process(ctx context.Context, candidates []scanner.Candidate) ([]models.MediaRecord, error) {
	var (
		mu      sync.Mutex
		results []models.MediaRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.WorkerCount)

	for _, u := range o.units(candidates) {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			recs, err := o.processUnit(gctx, u)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, recs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(results, func(a, b models.MediaRecord) int {
		return strings.Compare(a.Path, b.Path)
	})
	return results, nil
}

type sampled struct {
	candidate scanner.Candidate
	frames    []sampler.Frame
}

func (o *Orchestrator) processUnit(ctx context.Context, u unit) ([]models.MediaRecord, error) {
	// a started file runs to completion; cancellation is honoured between files
	work := context.WithoutCancel(ctx)

	var ok []sampled
	for _, c := range u {
		if ctx.Err() != nil {
			break
		}
		o.setPhase(models.PhaseSampling, "Sampling "+baseName(c.Path))
		frames, err := o.sampler.Sample(work, c.Path, c.Kind)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"path": c.Path, "kind": c.Kind}).Warn("Failed to sample frames")
			o.fileDone(c.Path, true)
			continue
		}
		ok = append(ok, sampled{candidate: c, frames: frames})
	}
	if len(ok) == 0 {
		return nil, nil
	}

	var imgs []image.Image
	for _, s := range ok {
		for _, f := range s.frames {
			imgs = append(imgs, f.Image)
		}
	}
	o.setPhase(models.PhaseEmbedding, "Embedding "+baseName(ok[0].candidate.Path))
	vecs, err := o.embedder.EmbedImages(work, imgs)
	if err != nil {
		if errors.Is(err, vectorstore.ErrDimensionMismatch) {
			return nil, err
		}
		for _, s := range ok {
			logrus.WithError(err).WithFields(logrus.Fields{"path": s.candidate.Path, "frames": len(s.frames)}).Warn("Failed to embed file")
			o.fileDone(s.candidate.Path, true)
		}
		return nil, nil
	}

	records := make([]models.MediaRecord, 0, len(ok))
	offset := 0
	for _, s := range ok {
		frameVecs := vecs[offset : offset+len(s.frames)]
		offset += len(s.frames)

		agg, err := embedder.Aggregate(frameVecs)
		if err != nil {
			logrus.WithError(err).WithField("path", s.candidate.Path).Warn("Failed to aggregate frame embeddings")
			o.fileDone(s.candidate.Path, true)
			continue
		}
		records = append(records, o.record(s, frameVecs, agg))
		o.fileDone(s.candidate.Path, false)
	}
	return records, nil
}

func (o *Orchestrator) record(s sampled, frameVecs [][]float32, agg []float32) models.MediaRecord {
	c := s.candidate
	rec := models.MediaRecord{
		ID:          models.MediaID(c.Path),
		Path:        c.Path,
		Filename:    filepath.Base(c.Path),
		Kind:        c.Kind,
		Size:        c.Fingerprint.Size,
		ModTime:     c.Fingerprint.ModTime,
		Hash:        c.Fingerprint.Hash,
		Embedding:   pgvector.NewVector(agg),
		FrameCount:  len(s.frames),
		ThumbnailAt: s.frames[0].Timestamp,
		IndexedAt:   time.Now().UTC(),
	}
	if o.opts.StoreFrameVectors && c.Kind == models.MediaKindVideo {
		rec.Frames = make([]models.FrameVector, len(s.frames))
		for i, f := range s.frames {
			rec.Frames[i] = models.FrameVector{
				RecordID:  rec.ID,
				Index:     f.Index,
				Timestamp: f.Timestamp,
				Embedding: pgvector.NewVector(frameVecs[i]),
			}
		}
	}
	return rec
}
