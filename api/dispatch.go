package api

import (
	"context"
	"fmt"
	"time"

	"github.com/pablobfonseca/go-media-vector/indexer"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/queue"
	"github.com/pablobfonseca/go-media-vector/scanner"
)

// Dispatcher starts index jobs and reports their progress. Dispatch fails
// with indexer.ErrJobRunning while a job is active.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.IndexRequest) (models.IndexJobState, error)
	Progress(ctx context.Context) (models.IndexJobState, error)
}

// LocalDispatcher runs jobs in this process.
type LocalDispatcher struct {
	orch *indexer.Orchestrator
}

func NewLocalDispatcher(orch *indexer.Orchestrator) *LocalDispatcher {
	return &LocalDispatcher{orch: orch}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, req models.IndexRequest) (models.IndexJobState, error) {
	return d.orch.Start(req)
}

func (d *LocalDispatcher) Progress(ctx context.Context) (models.IndexJobState, error) {
	return d.orch.State(), nil
}

// QueueDispatcher hands jobs to a worker process through redis and reads
// the state the worker mirrors back.
type QueueDispatcher struct {
	queue *queue.Queue
}

func NewQueueDispatcher(q *queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req models.IndexRequest) (models.IndexJobState, error) {
	root, err := scanner.ValidateRoot(req.Root)
	if err != nil {
		return models.IndexJobState{}, err
	}
	current, err := d.queue.State(ctx)
	if err != nil {
		return models.IndexJobState{}, err
	}
	if current.Running() {
		return models.IndexJobState{}, indexer.ErrJobRunning
	}

	req.Root = root
	taskID, err := d.queue.Enqueue(ctx, req)
	if err != nil {
		return models.IndexJobState{}, fmt.Errorf("failed to enqueue index request: %w", err)
	}
	// mark running now so a second request is refused before the worker
	// picks this one up
	state := models.IndexJobState{
		JobID:     taskID,
		Status:    models.JobStatusRunning,
		Phase:     models.PhaseScanning,
		Message:   "Queued " + root,
		StartedAt: time.Now().UTC(),
	}
	if err := d.queue.PublishState(ctx, state); err != nil {
		return models.IndexJobState{}, err
	}
	return state, nil
}

func (d *QueueDispatcher) Progress(ctx context.Context) (models.IndexJobState, error) {
	return d.queue.State(ctx)
}
