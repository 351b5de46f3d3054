package indexer

import (
	"context"
	"time"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/sirupsen/logrus"
)

// StatusSink receives a copy of every state change, e.g. to mirror it into
// redis for pollers in another process.
type StatusSink interface {
	PublishState(ctx context.Context, state models.IndexJobState) error
}

// State returns a snapshot of the current job. Readers never block the
// running job for longer than a copy.
func (o *Orchestrator) State() models.IndexJobState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Subscribe returns a channel that receives state snapshots as they change.
// Slow readers only ever see the latest snapshot. Call the returned func to
// unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan models.IndexJobState, func()) {
	ch := make(chan models.IndexJobState, 1)

	o.mu.Lock()
	o.subs[ch] = struct{}{}
	ch <- o.state
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subs[ch]; ok {
			delete(o.subs, ch)
			close(ch)
		}
	}
}

// update applies fn to the live state and fans the result out.
func (o *Orchestrator) update(fn func(s *models.IndexJobState)) models.IndexJobState {
	o.mu.Lock()
	fn(&o.state)
	snapshot := o.state
	for ch := range o.subs {
		offer(ch, snapshot)
	}
	o.mu.Unlock()

	o.publish(snapshot)
	return snapshot
}

func offer(ch chan models.IndexJobState, s models.IndexJobState) {
	select {
	case ch <- s:
		return
	default:
	}
	// drop the stale snapshot
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (o *Orchestrator) publish(s models.IndexJobState) {
	if o.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.sink.PublishState(ctx, s); err != nil {
		logrus.WithError(err).WithField("job_id", s.JobID).Debug("Failed to publish job state")
	}
}

func (o *Orchestrator) setPhase(phase models.JobPhase, msg string) {
	o.update(func(s *models.IndexJobState) {
		s.Phase = phase
		if msg != "" {
			s.Message = msg
		}
	})
}

// fileDone counts a finished file, successful or not.
func (o *Orchestrator) fileDone(path string, failed bool) {
	o.update(func(s *models.IndexJobState) {
		s.ProcessedCount++
		if failed {
			s.FailedCount++
		}
		s.Message = "Processed " + baseName(path)
	})
}
