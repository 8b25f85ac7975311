package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/clinic-booking-core/internal/jobqueue"
	"github.com/wolfman30/clinic-booking-core/internal/jobstore"
)

// jobWaiter dispatches plan/finalize jobs onto internal/jobqueue and
// resolves them either through a local pending-channel (when a worker
// runs co-located in this process) or, in the two-binary deployment, by
// polling internal/jobstore until cmd/scheduleworker records a result.
// store may be nil for single-process / test deployments that rely
// solely on deliverLocal.
type jobWaiter struct {
	queue   jobqueue.Client
	store   *jobstore.Store
	pending sync.Map // jobID -> chan jobResult
	poll    time.Duration
}

type jobResult struct {
	resultJSON string
	err        error
}

func newJobWaiter(queue jobqueue.Client, store *jobstore.Store) *jobWaiter {
	return &jobWaiter{queue: queue, store: store, poll: 250 * time.Millisecond}
}

// dispatch enqueues payload and blocks until a result is delivered
// locally or, absent that, observed via the job store.
func (w *jobWaiter) dispatch(ctx context.Context, payload jobqueue.Payload) (string, error) {
	payload, body, err := jobqueue.Encode(payload)
	if err != nil {
		return "", err
	}

	resultCh := make(chan jobResult, 1)
	w.pending.Store(payload.ID, resultCh)
	defer w.pending.Delete(payload.ID)

	if w.store != nil {
		if err := w.store.PutPending(ctx, &jobstore.Record{JobID: payload.ID, Kind: payload.Kind}); err != nil {
			return "", fmt.Errorf("orchestrator: record pending job: %w", err)
		}
	}

	if err := w.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("orchestrator: enqueue job: %w", err)
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-resultCh:
			return res.resultJSON, res.err
		case <-ticker.C:
			if w.store == nil {
				continue
			}
			rec, err := w.store.GetJob(ctx, payload.ID)
			if err != nil {
				if errors.Is(err, jobstore.ErrNotFound) {
					continue
				}
				continue
			}
			switch rec.Status {
			case jobstore.StatusCompleted:
				return rec.ResultJSON, nil
			case jobstore.StatusFailed:
				return "", fmt.Errorf("orchestrator: job %s failed: %s", payload.ID, rec.ErrorMessage)
			}
		}
	}
}

// deliverLocal is invoked by a co-located worker (single-process / test
// deployments) to hand a result straight to a waiting dispatch call
// without a job-store round trip.
func (w *jobWaiter) deliverLocal(jobID, resultJSON string, err error) {
	value, ok := w.pending.Load(jobID)
	if !ok {
		return
	}
	ch, ok := value.(chan jobResult)
	if !ok {
		return
	}
	select {
	case ch <- jobResult{resultJSON: resultJSON, err: err}:
	default:
	}
}
