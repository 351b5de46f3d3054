// Package worker consumes queued index requests and runs them through the
// orchestrator one at a time.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pablobfonseca/go-media-vector/indexer"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/queue"
	"github.com/sirupsen/logrus"
)

// Runner executes one index request to completion.
type Runner interface {
	Run(ctx context.Context, req models.IndexRequest) (models.IndexJobState, error)
}

// Worker pulls tasks from the queue. Jobs are exclusive, so a single
// consumer loop is enough.
type Worker struct {
	queue   *queue.Queue
	runner  Runner
	poll    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

func NewWorker(q *queue.Queue, runner Runner) *Worker {
	return &Worker{
		queue:  q,
		runner: runner,
		poll:   5 * time.Second,
		done:   make(chan struct{}),
	}
}

// Start begins processing tasks until Stop is called or ctx ends.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	logrus.Info("Starting index worker")
	go w.processItems(ctx)
}

// Stop cancels the running job at its next file boundary and waits for the
// loop to exit.
func (w *Worker) Stop() {
	w.stopped.Do(func() {
		logrus.Info("Stopping worker...")
		if w.cancel != nil {
			w.cancel()
		}
		<-w.done
		logrus.Info("Worker stopped")
	})
}

func (w *Worker) processItems(ctx context.Context) {
	defer close(w.done)

	for ctx.Err() == nil {
		task, err := w.queue.Dequeue(ctx, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("Error dequeueing task")
			sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *queue.TaskPayload) {
	log := logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "task_type": task.TaskType})
	// status writes must land even while shutting down
	bg := context.WithoutCancel(ctx)

	if task.TaskType != queue.TaskTypeIndex {
		log.Warn("Unknown task type")
		w.setStatus(bg, log, task.TaskID, "failed")
		return
	}

	log.WithField("root", task.Request.Root).Info("Processing index task")
	w.setStatus(bg, log, task.TaskID, "processing")

	stopHeartbeat := w.heartbeat(bg, log)
	state, err := w.runner.Run(ctx, task.Request)
	stopHeartbeat()
	status := "completed"
	switch {
	case errors.Is(err, indexer.ErrJobRunning):
		// another consumer owns the orchestrator; put the task back
		log.Warn("Job already running, requeueing task")
		if _, err := w.queue.Enqueue(bg, task.Request); err != nil {
			log.WithError(err).Error("Failed to requeue task")
		}
		w.setStatus(bg, log, task.TaskID, "requeued")
		return
	case err != nil:
		log.WithError(err).Error("Index task failed")
		status = "failed"
		if state.JobID == "" {
			// rejected before a job started, so nothing mirrored the failure
			state = models.IndexJobState{Status: models.JobStatusError, Phase: models.PhaseFailed, Message: err.Error()}
			if err := w.queue.PublishState(bg, state); err != nil {
				log.WithError(err).Error("Error publishing job state")
			}
		}
	}
	if err := w.queue.StoreTaskResult(bg, task.TaskID, state); err != nil {
		log.WithError(err).Error("Error storing task result")
	}
	w.setStatus(bg, log, task.TaskID, status)
}

// heartbeat keeps the mirrored running state alive while a job runs, even
// when a single file takes longer than the lease.
func (w *Worker) heartbeat(ctx context.Context, log *logrus.Entry) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.queue.StateLease() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.KeepAlive(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("Failed to refresh job state lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) setStatus(ctx context.Context, log *logrus.Entry, taskID, status string) {
	if err := w.queue.SetTaskStatus(ctx, taskID, status); err != nil {
		log.WithError(err).Error("Error updating task status")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
