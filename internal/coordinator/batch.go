package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tokenops/ftdispatch/internal/batcher"
	"github.com/tokenops/ftdispatch/internal/domain"
	"github.com/tokenops/ftdispatch/internal/ledger"
	"github.com/tokenops/ftdispatch/internal/store"
)

// chunk is a subset of one batch's jobs packed into exactly one transaction.
type chunk struct {
	jobs             []*domain.Job
	actions          []ledger.Action
	depositReceivers []string
}

// processBatch drives one batch end to end: mark processing, lease one key
// for every chunk, plan registrations, chunk, dispatch in order, settle.
// Failures in one chunk never touch its siblings.
func (c *Coordinator) processBatch(ctx context.Context, batch []batcher.Transfer, batchID string) {
	jobs := make([]*domain.Job, 0, len(batch))
	for _, item := range batch {
		job, ok := c.store.GetJob(item.JobID)
		if !ok {
			c.logger.Warn("skipping missing job in batch", slog.String("job_id", item.JobID))
			c.removeInFlight(item.JobID)
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		c.logger.Warn("no persisted jobs found for batch", slog.String("batch_id", batchID))
		return
	}

	dispatchedAt := time.Now().UTC()
	for _, job := range jobs {
		attempts := job.Attempts + 1
		job.Attempts = attempts
		status := domain.StatusProcessing
		clearErr := ""
		if _, err := c.store.UpdateJob(job.ID, store.Patch{
			Status:    &status,
			Attempts:  &attempts,
			BatchID:   &batchID,
			LastError: &clearErr,
		}); err != nil {
			c.logger.Warn("failed to mark job processing", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		c.failJobs(jobs, batchID, err)
		return
	}
	defer lease.Release()

	plan := c.planRegistrations(ctx, jobs)

	chunks, err := c.buildChunks(jobs, plan)
	if err != nil {
		c.failJobs(jobs, batchID, err)
		return
	}

	for i, ck := range chunks {
		chunkID := batchID
		if len(chunks) > 1 {
			chunkID = fmt.Sprintf("%s-part%d", batchID, i+1)
		}

		res, err := c.dispatchChunk(ctx, lease.KeyID, ck.actions)
		if err == nil && res.ExecutionFailure != "" {
			err = ledger.NewError(ledger.ClassExecutionFailure, nil, "on-chain failure: %s", res.ExecutionFailure)
		}
		if err != nil {
			c.logger.Error("failed to process chunk",
				slog.String("batch_id", chunkID),
				slog.String("error", err.Error()),
			)
			c.failJobs(ck.jobs, chunkID, err)
			continue
		}

		status := domain.StatusSubmitted
		expiresAt := dispatchedAt.Add(c.cfg.FinalityMaxWait)
		for _, job := range ck.jobs {
			if _, uerr := c.store.UpdateJob(job.ID, store.Patch{
				Status:      &status,
				TxHash:      &res.TransactionHash,
				BatchID:     &chunkID,
				SubmittedAt: &dispatchedAt,
				ExpiresAt:   &expiresAt,
			}); uerr != nil {
				c.logger.Warn("failed to mark job submitted", slog.String("job_id", job.ID), slog.String("error", uerr.Error()))
			}

			resultStatus := res.FinalStatus
			if resultStatus == "" {
				resultStatus = domain.StatusSubmitted
			}
			c.resolveJob(job.ID, &domain.TransferResult{
				JobID:           job.ID,
				ReceiverID:      job.ReceiverID,
				Amount:          job.Amount,
				Memo:            job.Memo,
				TransactionHash: res.TransactionHash,
				Status:          resultStatus,
				BatchID:         chunkID,
				SubmittedAt:     dispatchedAt,
			})
		}

		// Receivers registered by this chunk stay registered for the rest
		// of the batch.
		for _, r := range ck.depositReceivers {
			plan.registered[r] = true
		}
	}
}

// registrationPlan holds per-batch registration state: which receivers are
// already registered and the deposit a new registration needs.
type registrationPlan struct {
	registered map[string]bool
	minDeposit string
	skipCheck  bool
}

// planRegistrations queries registration state for each distinct receiver.
// Query failures are conservative: the receiver is assumed unregistered. The
// check can be skipped wholesale for trusted/pre-registered receivers.
func (c *Coordinator) planRegistrations(ctx context.Context, jobs []*domain.Job) *registrationPlan {
	plan := &registrationPlan{
		registered: make(map[string]bool),
		minDeposit: c.cfg.MinStorageDeposit,
		skipCheck:  c.cfg.SkipRegistrationCheck,
	}
	if plan.skipCheck {
		return plan
	}

	seen := make(map[string]bool)
	for _, job := range jobs {
		if seen[job.ReceiverID] {
			continue
		}
		seen[job.ReceiverID] = true

		state, err := c.queryRegistrationWithRetry(ctx, job.ReceiverID)
		if err != nil {
			c.logger.Warn("registration check failed; assuming not registered",
				slog.String("receiver_id", job.ReceiverID),
				slog.String("error", err.Error()),
			)
			continue
		}
		plan.registered[job.ReceiverID] = state.Registered
		if state.MinDeposit != "" {
			plan.minDeposit = state.MinDeposit
		}
	}
	return plan
}

// queryRegistrationWithRetry retries transient RPC failures transparently;
// these retries never consume a job's attempt budget.
func (c *Coordinator) queryRegistrationWithRetry(ctx context.Context, receiverID string) (*ledger.RegistrationState, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var state *ledger.RegistrationState
	op := func() error {
		s, err := c.client.QueryStorageRegistration(ctx, c.cfg.ContractID, receiverID)
		if err != nil {
			if ledger.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		state = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), 4)); err != nil {
		return nil, err
	}
	return state, nil
}

// buildChunks packs jobs into chunks whose action counts never exceed the
// per-transaction limit. A receiver needing registration gets exactly one
// registration action across the whole batch, attached to its first
// occurrence. A single job whose own actions exceed the limit is a fatal
// input error, never split.
func (c *Coordinator) buildChunks(jobs []*domain.Job, plan *registrationPlan) ([]chunk, error) {
	planned := make(map[string]bool)
	var chunks []chunk
	var cur chunk

	flush := func() {
		if len(cur.actions) == 0 {
			return
		}
		chunks = append(chunks, cur)
		cur = chunk{}
	}

	for _, job := range jobs {
		receiverID := job.ReceiverID
		var needsDeposit bool
		if plan.skipCheck {
			needsDeposit = !planned[receiverID]
		} else {
			needsDeposit = !(plan.registered[receiverID] || planned[receiverID])
		}

		var jobActions []ledger.Action
		if needsDeposit {
			jobActions = append(jobActions, ledger.Action{
				FunctionName: "storage_deposit",
				ArgsJSON: map[string]any{
					"account_id":        receiverID,
					"registration_only": true,
				},
				GasTeraGas:   c.cfg.ActionGasTeraGas,
				DepositYocto: plan.minDeposit,
			})
		}
		jobActions = append(jobActions, ledger.Action{
			FunctionName: "ft_transfer",
			ArgsJSON: map[string]any{
				"receiver_id": receiverID,
				"amount":      job.Amount,
				"memo":        job.Memo,
			},
			GasTeraGas:   c.cfg.ActionGasTeraGas,
			DepositYocto: "1",
		})

		if len(jobActions) > c.cfg.MaxActionsPerTx {
			return nil, fmt.Errorf("%w (actions=%d, limit=%d)",
				domain.ErrChunkOversized, len(jobActions), c.cfg.MaxActionsPerTx)
		}
		if len(cur.actions)+len(jobActions) > c.cfg.MaxActionsPerTx {
			flush()
		}

		cur.jobs = append(cur.jobs, job)
		cur.actions = append(cur.actions, jobActions...)
		if needsDeposit {
			cur.depositReceivers = append(cur.depositReceivers, receiverID)
			planned[receiverID] = true
		}
	}
	flush()

	if len(chunks) == 0 {
		return nil, fmt.Errorf("no actions generated for batch")
	}
	return chunks, nil
}

// dispatchChunk awaits throttle tokens and broadcasts one chunk, retrying
// sign+broadcast on nonce conflicts with exponential backoff. Any other
// error propagates immediately.
func (c *Coordinator) dispatchChunk(ctx context.Context, keyID string, actions []ledger.Action) (*ledger.BroadcastResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.NonceRetryBase
	bo.Multiplier = 2
	bo.MaxInterval = c.cfg.NonceRetryCap
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	var res *ledger.BroadcastResult
	op := func() error {
		if err := c.throttle.WaitGlobal(ctx); err != nil {
			return backoff.Permanent(err)
		}
		if err := c.throttle.WaitKey(ctx, keyID); err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.client.SignAndBroadcast(ctx, keyID, c.cfg.ContractID, actions, c.cfg.WaitPolicy)
		if err != nil {
			if ledger.Classify(err) == ledger.ClassNonceConflict {
				attempt++
				c.logger.Warn("retrying transaction after nonce conflict",
					slog.Int("attempt", attempt),
					slog.String("key_id", keyID),
				)
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(c.cfg.NonceRetryLimit))); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) failJobs(jobs []*domain.Job, batchID string, cause error) {
	for _, job := range jobs {
		c.handleJobFailure(job.ID, batchID, cause)
	}
}

// handleJobFailure applies the durability contract: requeue with a backoff
// proportional to attempts while budget remains, otherwise mark failed and
// reject the caller's pending result exactly once.
func (c *Coordinator) handleJobFailure(jobID, batchID string, cause error) {
	job, ok := c.store.GetJob(jobID)
	if !ok {
		return
	}

	attempts := job.Attempts
	message := cause.Error()
	newStatus := domain.StatusQueued
	if attempts >= c.cfg.MaxJobAttempts {
		newStatus = domain.StatusFailed
	}

	if _, err := c.store.UpdateJob(jobID, store.Patch{
		Status:    &newStatus,
		BatchID:   &batchID,
		LastError: &message,
	}); err != nil {
		c.logger.Warn("failed to record job failure", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	if newStatus == domain.StatusQueued {
		delay := time.Duration(attempts) * c.cfg.RetryBaseDelay
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
		c.logger.Warn("retrying job after failure",
			slog.String("job_id", jobID),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", c.cfg.MaxJobAttempts),
			slog.Duration("delay", delay),
			slog.String("error", message),
		)
		// Leave the in-flight set now so the delayed requeue is admitted
		// even while sibling chunks of this batch are still dispatching.
		c.removeInFlight(jobID)
		time.AfterFunc(delay, func() { c.RequeueJob(jobID) })
		return
	}

	c.logger.Error("job failed permanently",
		slog.String("job_id", jobID),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", c.cfg.MaxJobAttempts),
		slog.String("error", message),
	)
	c.removeInFlight(jobID)
	c.rejectJob(jobID, &domain.TransferError{JobID: jobID, Message: message, Cause: cause})
}
