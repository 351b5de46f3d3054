// Package indexer runs indexing jobs: scan a folder, sample and embed the
// changed files, then commit vectors and fingerprints.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/sampler"
	"github.com/pablobfonseca/go-media-vector/scanner"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/sirupsen/logrus"
)

var ErrJobRunning = errors.New("indexing job already running")

const MsgNothingToIndex = "No new files to index."

// Embedder is the part of embedder.Adapter the orchestrator drives.
type Embedder interface {
	Load(ctx context.Context) (int, error)
	EmbedImages(ctx context.Context, imgs []image.Image) ([][]float32, error)
	BatchSize() int
}

// Fingerprints is the read/write side of fingerprint.Store.
type Fingerprints interface {
	scanner.Lookup
	Put(ctx context.Context, path string, fp models.Fingerprint) error
	Delete(ctx context.Context, path string) error
}

type Options struct {
	WorkerCount       int
	StoreFrameVectors bool
}

type Orchestrator struct {
	sampler  sampler.Sampler
	embedder Embedder
	store    vectorstore.Store
	fps      Fingerprints
	sink     StatusSink
	opts     Options

	mu      sync.RWMutex
	state   models.IndexJobState
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
	subs    map[chan models.IndexJobState]struct{}
}

func New(s sampler.Sampler, e Embedder, store vectorstore.Store, fps Fingerprints, opts Options) *Orchestrator {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	return &Orchestrator{
		sampler:  s,
		embedder: e,
		store:    store,
		fps:      fps,
		opts:     opts,
		state:    models.IndexJobState{Status: models.JobStatusIdle, Phase: models.PhaseIdle},
		subs:     make(map[chan models.IndexJobState]struct{}),
	}
}

// WithStatusSink mirrors every state change into sink.
func (o *Orchestrator) WithStatusSink(sink StatusSink) *Orchestrator {
	o.sink = sink
	return o
}

// Start validates the request and launches the job in the background. It
// fails with ErrJobRunning while another job is active, and with
// scanner.ErrInvalidRoot for a bad folder; neither touches the state.
func (o *Orchestrator) Start(req models.IndexRequest) (models.IndexJobState, error) {
	root, err := scanner.ValidateRoot(req.Root)
	if err != nil {
		return models.IndexJobState{}, err
	}

	o.mu.Lock()
	if o.state.Running() {
		o.mu.Unlock()
		return models.IndexJobState{}, ErrJobRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel = cancel
	o.done = done
	o.lastErr = nil
	jobID := uuid.NewString()
	o.state = models.IndexJobState{
		JobID:     jobID,
		Status:    models.JobStatusRunning,
		Phase:     models.PhaseScanning,
		Message:   "Scanning " + root,
		StartedAt: time.Now().UTC(),
	}
	state := o.state
	for ch := range o.subs {
		offer(ch, state)
	}
	o.mu.Unlock()
	o.publish(state)

	go func() {
		defer close(done)
		defer cancel()
		o.run(ctx, jobID, root, scanner.ModeFor(req.Incremental))
	}()
	return state, nil
}

// Run starts a job and blocks until it finishes. Cancelling ctx stops the
// job at the next file boundary. The error is the job's fatal error, if any.
func (o *Orchestrator) Run(ctx context.Context, req models.IndexRequest) (models.IndexJobState, error) {
	if _, err := o.Start(req); err != nil {
		return models.IndexJobState{}, err
	}
	select {
	case <-ctx.Done():
		o.Cancel()
	case <-o.doneChan():
	}
	o.Wait()

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state, o.lastErr
}

// Cancel asks the running job to stop between files. In-flight model calls
// are allowed to finish.
func (o *Orchestrator) Cancel() {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current job, if any, has finished.
func (o *Orchestrator) Wait() {
	if done := o.doneChan(); done != nil {
		<-done
	}
}

func (o *Orchestrator) doneChan() chan struct{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.done
}

func (o *Orchestrator) run(ctx context.Context, jobID, root string, mode scanner.Mode) error {
	log := logrus.WithFields(logrus.Fields{"job_id": jobID, "root": root, "mode": mode})
	log.Info("Indexing started")

	dim, err := o.prepare(ctx)
	if err != nil {
		return o.abort(ctx, log, err)
	}

	sc, err := scanner.New(root, o.fps)
	if err != nil {
		return o.abort(ctx, log, err)
	}
	removed := 0
	if mode == scanner.ModeIncremental {
		removed = o.removeMissing(ctx, sc, log)
	}
	candidates, err := sc.Collect(ctx, mode)
	if err != nil {
		return o.abort(ctx, log, err)
	}
	if len(candidates) == 0 {
		log.WithField("removed", removed).Info(MsgNothingToIndex)
		o.finish(MsgNothingToIndex)
		return nil
	}

	o.update(func(s *models.IndexJobState) {
		s.TotalCount = len(candidates)
		s.Phase = models.PhaseSampling
		s.Message = fmt.Sprintf("Found %d files to index", len(candidates))
	})
	log.WithField("files", len(candidates)).Info("Scan complete")

	results, err := o.process(ctx, candidates)
	if err != nil {
		return o.abort(ctx, log, err)
	}

	o.setPhase(models.PhaseCommitting, fmt.Sprintf("Saving %d embeddings", len(results)))
	if err := o.commit(context.WithoutCancel(ctx), dim, results, log); err != nil {
		return o.fail(log, err)
	}

	state := o.State()
	msg := fmt.Sprintf("Indexed %d/%d files.", state.ProcessedCount-state.FailedCount, state.TotalCount)
	if state.FailedCount > 0 {
		msg = fmt.Sprintf("Indexed %d/%d files, %d failed, see log", state.ProcessedCount-state.FailedCount, state.TotalCount, state.FailedCount)
	}
	if ctx.Err() != nil {
		msg = cancelledMessage(state)
	}
	log.WithFields(logrus.Fields{
		"processed": state.ProcessedCount,
		"failed":    state.FailedCount,
		"removed":   removed,
	}).Info("Indexing finished")
	o.finish(msg)
	return nil
}

// prepare loads the model and checks the store can take its vectors. Both
// failures are fatal before any file is touched.
func (o *Orchestrator) prepare(ctx context.Context) (int, error) {
	dim, err := o.embedder.Load(ctx)
	if err != nil {
		return 0, err
	}
	if err := o.store.Prepare(ctx, dim); err != nil {
		return 0, fmt.Errorf("vector store not ready: %w", err)
	}
	return dim, nil
}

// removeMissing drops records and fingerprints of files deleted from disk.
func (o *Orchestrator) removeMissing(ctx context.Context, sc *scanner.Scanner, log *logrus.Entry) int {
	gone, err := sc.Missing(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to look up deleted files")
		return 0
	}
	removed := 0
	for _, path := range gone {
		if err := o.store.Delete(ctx, models.MediaID(path)); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove deleted file from store")
			continue
		}
		if err := o.fps.Delete(ctx, path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove fingerprint")
			continue
		}
		removed++
	}
	return removed
}

func (o *Orchestrator) commit(ctx context.Context, dim int, results []models.MediaRecord, log *logrus.Entry) error {
	for _, rec := range results {
		if n := len(rec.Embedding.Slice()); n != dim {
			return fmt.Errorf("%w: model declared %d, %s has %d", vectorstore.ErrDimensionMismatch, dim, rec.Path, n)
		}
	}
	for _, rec := range results {
		if err := o.store.Upsert(ctx, rec); err != nil {
			if errors.Is(err, vectorstore.ErrDimensionMismatch) {
				return err
			}
			log.WithError(err).WithField("path", rec.Path).Warn("Failed to save embedding")
			o.update(func(s *models.IndexJobState) { s.FailedCount++ })
			continue
		}
		if err := o.fps.Put(ctx, rec.Path, rec.Fingerprint()); err != nil {
			log.WithError(err).WithField("path", rec.Path).Warn("Failed to save fingerprint")
		}
	}
	return nil
}

func (o *Orchestrator) finish(msg string) {
	o.update(func(s *models.IndexJobState) {
		s.Status = models.JobStatusDone
		s.Phase = models.PhaseIdle
		s.Message = msg
		s.FinishedAt = time.Now().UTC()
	})
}

// abort ends the job early. After a cancel the error is only the
// cancellation surfacing, so the job finishes as cancelled, not failed.
func (o *Orchestrator) abort(ctx context.Context, log *logrus.Entry, err error) error {
	if ctx.Err() == nil || errors.Is(err, vectorstore.ErrDimensionMismatch) {
		return o.fail(log, err)
	}
	log.WithError(err).Info("Indexing cancelled")
	o.finish(cancelledMessage(o.State()))
	return nil
}

func cancelledMessage(s models.IndexJobState) string {
	return fmt.Sprintf("Indexing cancelled after %d/%d files.", s.ProcessedCount, s.TotalCount)
}

func (o *Orchestrator) fail(log *logrus.Entry, err error) error {
	log.WithError(err).Error("Indexing failed")
	o.update(func(s *models.IndexJobState) {
		o.lastErr = err
		s.Status = models.JobStatusError
		s.Phase = models.PhaseFailed
		s.Message = err.Error()
		s.FinishedAt = time.Now().UTC()
	})
	return err
}

func baseName(path string) string {
	return filepath.Base(path)
}
