package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"edunexus/internal/metrics"

	"github.com/sirupsen/logrus"
)

// WorkerRunner drives the background queue workers on a fixed interval.
// Ticks run to completion; a tick that is still running when the next one
// is due simply absorbs it. Each tick carries a wall-clock budget so a
// slow downstream cannot hold a queue checked out across ticks.
type WorkerRunner struct {
	outbox     *Outbox
	signups    *SignupService
	orgCodes   *OrgCodeService
	inbound    *InboundProcessor
	interval   time.Duration
	tickBudget time.Duration
	logger     *logrus.Logger

	tickMu  sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewWorkerRunner(outbox *Outbox, signups *SignupService, orgCodes *OrgCodeService, inbound *InboundProcessor, interval, tickBudget time.Duration, logger *logrus.Logger) *WorkerRunner {
	return &WorkerRunner{
		outbox:     outbox,
		signups:    signups,
		orgCodes:   orgCodes,
		inbound:    inbound,
		interval:   interval,
		tickBudget: tickBudget,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker loop. The first tick runs immediately so
// queues left over from a previous run are drained without waiting a full
// interval.
func (r *WorkerRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.RunTick(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.RunTick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight tick to finish.
func (r *WorkerRunner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RunTick executes one full worker cycle: inbound commands first so
// confirmations enqueue their notifications before the outbox drains, then
// the database-bound queues. Admin retry calls share this path, so ticks
// are serialized under a mutex.
func (r *WorkerRunner) RunTick(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, r.tickBudget)
	defer cancel()

	start := time.Now()

	inbound := r.inbound.ProcessInboundOnce(tickCtx)
	outbox := r.outbox.ProcessOutboxOnce(tickCtx)
	signups := r.signups.ProcessSignupQueueOnce(tickCtx)
	orgRequests := r.orgCodes.ProcessOrgRequestsOnce(tickCtx)

	elapsed := time.Since(start)
	metrics.RecordTimer("worker_tick_duration", elapsed, nil, "Wall-clock duration of one worker tick")

	if inbound.Processed+inbound.Dropped+outbox.Processed+outbox.Failed+outbox.Dropped+
		signups.Processed+signups.Dropped+orgRequests.Processed+orgRequests.Dropped > 0 {
		r.logger.WithFields(logrus.Fields{
			"inbound":     inbound.Processed,
			"outbox":      outbox.Processed,
			"signups":     signups.Processed,
			"orgRequests": orgRequests.Processed,
			"durationMs":  elapsed.Milliseconds(),
		}).Info("Worker tick completed")
	}

	if tickCtx.Err() != nil {
		r.logger.WithField("budget", r.tickBudget.String()).Warn("Worker tick exceeded its budget; remaining items deferred")
	}
}

// RetryQueue drains a single queue out of band, typically from an admin
// call. It takes the tick mutex so it cannot overlap a scheduled tick on
// the same queue file.
func (r *WorkerRunner) RetryQueue(ctx context.Context, name string) (interface{}, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, r.tickBudget)
	defer cancel()

	switch name {
	case "outbox":
		return r.outbox.ProcessOutboxOnce(tickCtx), nil
	case "signups":
		return r.signups.ProcessSignupQueueOnce(tickCtx), nil
	case "org-requests":
		return r.orgCodes.ProcessOrgRequestsOnce(tickCtx), nil
	case "inbound":
		return r.inbound.ProcessInboundOnce(tickCtx), nil
	default:
		return nil, fmt.Errorf("unknown queue %q", name)
	}
}
