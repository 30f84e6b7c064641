// Package coordinator turns batches of transfer jobs into signed ledger
// transactions: admission control, chunking under the per-transaction action
// limit, signer-lease management, throttled dispatch with nonce-conflict
// retry, and per-job outcome delivery.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenops/ftdispatch/internal/batcher"
	"github.com/tokenops/ftdispatch/internal/domain"
	"github.com/tokenops/ftdispatch/internal/keypool"
	"github.com/tokenops/ftdispatch/internal/ledger"
	"github.com/tokenops/ftdispatch/internal/store"
	"github.com/tokenops/ftdispatch/internal/throttle"
)

// Config tunes the dispatch pipeline.
type Config struct {
	ContractID            string
	MaxPendingJobs        int
	MaxActionsPerTx       int
	MaxJobAttempts        int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	NonceRetryLimit       int
	NonceRetryBase        time.Duration
	NonceRetryCap         time.Duration
	SkipRegistrationCheck bool
	// MinStorageDeposit is the fallback registration deposit used when the
	// contract's bounds cannot be fetched.
	MinStorageDeposit string
	// FinalityMaxWait is stamped on each job at submission as its finality
	// deadline; the reconciler fails jobs still unresolved past it.
	FinalityMaxWait  time.Duration
	WaitPolicy       ledger.WaitPolicy
	ActionGasTeraGas uint64
}

func (c *Config) normalize() {
	if c.MaxPendingJobs <= 0 {
		c.MaxPendingJobs = 600
	}
	if c.MaxActionsPerTx < 2 {
		c.MaxActionsPerTx = 20
	}
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.NonceRetryLimit <= 0 {
		c.NonceRetryLimit = 3
	}
	if c.NonceRetryBase <= 0 {
		c.NonceRetryBase = 150 * time.Millisecond
	}
	if c.NonceRetryCap <= 0 {
		c.NonceRetryCap = time.Second
	}
	if c.MinStorageDeposit == "" {
		c.MinStorageDeposit = "1250000000000000000000"
	}
	if c.FinalityMaxWait <= 0 {
		c.FinalityMaxWait = 10 * time.Minute
	}
	if c.WaitPolicy == "" {
		c.WaitPolicy = ledger.WaitFinal
	}
	if c.ActionGasTeraGas == 0 {
		c.ActionGasTeraGas = 30
	}
}

type outcome struct {
	result *domain.TransferResult
	err    error
}

// Coordinator consumes batches and drives each job to a caller-visible
// outcome. It and the reconciler are the only writers of job state.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.Store
	pool     *keypool.Pool
	throttle *throttle.Throttle
	batcher  *batcher.Batcher
	client   ledger.Client

	mu       sync.Mutex
	inFlight map[string]struct{}
	pending  map[string]chan outcome
	// reserved counts admitted jobs not yet registered in inFlight, so
	// concurrent SubmitTransfers calls cannot race past the backlog ceiling.
	reserved int

	batchSeq atomic.Int64
	wg       sync.WaitGroup
}

// New wires the coordinator. Call Run to start consuming batches.
func New(cfg Config, st *store.Store, pool *keypool.Pool, th *throttle.Throttle, b *batcher.Batcher, client ledger.Client, logger *slog.Logger) *Coordinator {
	cfg.normalize()
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		pool:     pool,
		throttle: th,
		batcher:  b,
		client:   client,
		inFlight: make(map[string]struct{}),
		pending:  make(map[string]chan outcome),
	}
}

// Run consumes the batcher's output until ctx ends. Batches process
// concurrently; the key pool's lease ceiling bounds how many are in flight.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case batch, ok := <-c.batcher.Batches():
			if !ok {
				c.wg.Wait()
				return
			}
			batchID := fmt.Sprintf("batch-%d-%d", time.Now().UnixMilli(), c.batchSeq.Add(1))
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.processBatch(ctx, batch, batchID)
			}()
		}
	}
}

// SubmitTransfers persists every request as an independent job, queues them,
// and blocks until each job resolves or is rejected. The whole call is
// refused with ServiceBusyError, creating no jobs, when admitting it would
// exceed the backlog ceiling.
func (c *Coordinator) SubmitTransfers(ctx context.Context, requests []domain.TransferRequest) ([]domain.TransferResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if err := c.reserveCapacity(len(requests)); err != nil {
		return nil, err
	}

	jobs := make([]*domain.Job, 0, len(requests))
	waiters := make([]chan outcome, 0, len(requests))
	for _, req := range requests {
		job := c.store.CreateJob(req.ReceiverID, req.Amount, req.Memo)
		ch := make(chan outcome, 1)
		c.mu.Lock()
		c.pending[job.ID] = ch
		c.mu.Unlock()
		jobs = append(jobs, job)
		waiters = append(waiters, ch)
	}
	for _, job := range jobs {
		c.enqueue(job, true)
	}

	results := make([]domain.TransferResult, 0, len(jobs))
	var errs []error
	for _, ch := range waiters {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case out := <-ch:
			if out.err != nil {
				errs = append(errs, out.err)
				continue
			}
			results = append(results, *out.result)
		}
	}
	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

// reserveCapacity claims room for requested jobs against the backlog ceiling
// in one critical section, so two concurrent calls can never both squeeze
// through a shared headroom check. Each reserved slot converts to an inFlight
// entry when its job is enqueued.
func (c *Coordinator) reserveCapacity(requested int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := len(c.inFlight) + c.reserved
	if pending+requested > c.cfg.MaxPendingJobs {
		c.logger.Warn("pending job limit exceeded",
			slog.Int("pending", pending),
			slog.Int("requested", requested),
			slog.Int("limit", c.cfg.MaxPendingJobs),
		)
		return &domain.ServiceBusyError{Pending: pending, Requested: requested, Limit: c.cfg.MaxPendingJobs}
	}
	c.reserved += requested
	return nil
}

// PendingJobCount is the number of jobs admitted and not yet settled by a
// batch cycle, including admissions still being queued.
func (c *Coordinator) PendingJobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) + c.reserved
}

// PendingJobLimit is the backlog ceiling.
func (c *Coordinator) PendingJobLimit() int {
	return c.cfg.MaxPendingJobs
}

// RequeueJob re-admits a persisted job, used by the reconciler's startup
// scan and by the retry backoff timer.
func (c *Coordinator) RequeueJob(jobID string) {
	job, ok := c.store.GetJob(jobID)
	if !ok {
		return
	}
	c.queueJob(job)
}

func (c *Coordinator) queueJob(job *domain.Job) {
	c.enqueue(job, false)
}

// enqueue registers the job in flight and hands it to the batcher. A reserved
// admission trades its capacity slot for the inFlight entry under the same
// lock, so the pending count never double-counts the job.
func (c *Coordinator) enqueue(job *domain.Job, reserved bool) {
	if job == nil || job.ID == "" {
		return
	}

	c.mu.Lock()
	if reserved && c.reserved > 0 {
		c.reserved--
	}
	if _, dup := c.inFlight[job.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.inFlight[job.ID] = struct{}{}
	c.mu.Unlock()

	if job.Status != domain.StatusQueued {
		status := domain.StatusQueued
		if _, err := c.store.UpdateJob(job.ID, store.Patch{Status: &status}); err != nil {
			c.logger.Warn("failed to mark job queued", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	c.batcher.Enqueue(batcher.Transfer{
		JobID:      job.ID,
		ReceiverID: job.ReceiverID,
		Amount:     job.Amount,
		Memo:       job.Memo,
	})
}

func (c *Coordinator) removeInFlight(jobIDs ...string) {
	c.mu.Lock()
	for _, id := range jobIDs {
		delete(c.inFlight, id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) resolveJob(jobID string, result *domain.TransferResult) {
	c.mu.Lock()
	delete(c.inFlight, jobID)
	ch, ok := c.pending[jobID]
	delete(c.pending, jobID)
	c.mu.Unlock()
	if ok {
		ch <- outcome{result: result}
	}
}

func (c *Coordinator) rejectJob(jobID string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[jobID]
	delete(c.pending, jobID)
	c.mu.Unlock()
	if ok {
		ch <- outcome{err: err}
	}
}
