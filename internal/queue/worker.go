package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// JobHandler runs one job to completion (the full executor pipeline, §4.8).
// Its error is only used for logging - ack/redelivery is governed by the
// queue's MaxReceive, not by retrying here (spec §4.9: "any other error is
// not retried at the queue layer; it lands as failed in the store").
type JobHandler func(ctx context.Context, jobID string) error

// JobStorage is the minimal recovery hook the worker pool needs on
// shutdown.
type JobStorage interface {
	MarkRunningJobsAsPending(ctx context.Context) (int, error)
}

// WorkerPool runs Concurrency workers, each claiming and fully processing
// one job at a time (prefetch = 1).
type WorkerPool struct {
	queueMgr     *Manager
	handler      JobHandler
	jobStorage   JobStorage
	logger       arbor.ILogger
	concurrency  int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool builds a pool bound to parentCtx's lifetime.
func NewWorkerPool(parentCtx context.Context, queueMgr *Manager, jobStorage JobStorage, handler JobHandler, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		queueMgr:     queueMgr,
		handler:      handler,
		jobStorage:   jobStorage,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	wp.logger.Info().Int("concurrency", wp.concurrency).Msg("starting queue worker pool")
	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels every worker, waits for in-flight processing to finish, then
// marks any job still running as pending so it resumes after restart.
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("stopping queue worker pool")
	wp.cancel()
	wp.wg.Wait()

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recoverCancel()
	if count, err := wp.jobStorage.MarkRunningJobsAsPending(recoverCtx); err != nil {
		wp.logger.Warn().Err(err).Msg("failed to mark running jobs pending on shutdown")
	} else if count > 0 {
		wp.logger.Info().Int("count", count).Msg("marked running jobs pending for resume after restart")
	}
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Spread workers evenly across the poll interval to reduce contention
	// on the SQLite-backed queue.
	staggerDelay := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			wp.claimAndProcess(workerID)
		}
	}
}

func (wp *WorkerPool) claimAndProcess(workerID int) {
	msg, deleteFn, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		if err != ErrNoMessage && !strings.Contains(err.Error(), "database is locked") {
			wp.logger.Warn().Err(err).Int("worker_id", workerID).Msg("queue receive failed")
		}
		return
	}

	jobLogger := wp.logger.WithCorrelationId(msg.JobID)
	jobLogger.Debug().Int("worker_id", workerID).Msg("claimed job from queue")

	handlerErr := wp.handler(wp.ctx, msg.JobID)
	if handlerErr != nil {
		jobLogger.Warn().Err(handlerErr).Msg("job handler returned an error; terminal status was already recorded by the executor")
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ackCancel()
	if err := deleteFn(ackCtx); err != nil {
		jobLogger.Error().Err(err).Msg("failed to ack job after processing; queue will redeliver")
	}
}
