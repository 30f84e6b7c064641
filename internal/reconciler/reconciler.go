// Package reconciler drives every job to a terminal state: at startup it
// re-admits jobs a crash left mid-flight, and on an interval it polls ledger
// finality for submitted jobs, with a hard timeout so no job stays
// ambiguously "submitted" forever.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokenops/ftdispatch/internal/domain"
	"github.com/tokenops/ftdispatch/internal/ledger"
	"github.com/tokenops/ftdispatch/internal/store"
)

const finalityQueryTimeout = 5 * time.Second

// JobQueue re-admits a persisted job into the dispatch pipeline.
type JobQueue interface {
	RequeueJob(jobID string)
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval time.Duration
	// MaxWait bounds how long a submitted job may stay unresolved before it
	// is failed with a timeout reason.
	MaxWait         time.Duration
	SignerAccountID string
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 10 * time.Minute
	}
}

// Reconciler owns startup re-admission and the finality polling loop.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger
	store  *store.Store
	client ledger.Client
	queue  JobQueue
}

// New wires a reconciler over the store, the ledger client and the queue.
func New(cfg Config, st *store.Store, client ledger.Client, queue JobQueue, logger *slog.Logger) *Reconciler {
	cfg.normalize()
	return &Reconciler{
		cfg:    cfg,
		logger: logger,
		store:  st,
		client: client,
		queue:  queue,
	}
}

// ReadmitOutstanding re-queues every persisted job left in queued or
// processing, evidence of a crash mid-flight. Call it before the API starts
// accepting new work.
func (r *Reconciler) ReadmitOutstanding() int {
	readmitted := 0
	for _, job := range r.store.ListAllJobs() {
		if job.Status != domain.StatusQueued && job.Status != domain.StatusProcessing {
			continue
		}
		r.logger.Info("re-queuing persisted job",
			slog.String("job_id", job.ID),
			slog.String("status", job.Status),
		)
		r.queue.RequeueJob(job.ID)
		readmitted++
	}
	return readmitted
}

// Run polls finality until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("max_wait", r.cfg.MaxWait),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick resolves every submitted job it can: ledger success finalizes, ledger
// failure fails, and anything outstanding past its deadline is failed with a
// timeout reason. RPC errors are ignored; the timeout is the fallback.
func (r *Reconciler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, job := range r.store.ListAllJobs() {
		if job.Status != domain.StatusSubmitted || job.TxHash == "" {
			continue
		}
		if r.resolveFinality(ctx, &job) {
			continue
		}

		deadline := job.CreatedAt.Add(r.cfg.MaxWait)
		if job.ExpiresAt != nil {
			deadline = *job.ExpiresAt
		}
		if now.After(deadline) {
			r.failJob(job.ID, "timeout waiting for finalization")
			r.logger.Warn("job failed by timeout",
				slog.String("job_id", job.ID),
				slog.String("tx_hash", job.TxHash),
			)
		}
	}
}

func (r *Reconciler) resolveFinality(ctx context.Context, job *domain.Job) bool {
	queryCtx, cancel := context.WithTimeout(ctx, finalityQueryTimeout)
	defer cancel()

	state, err := r.client.QueryTransactionFinality(queryCtx, job.TxHash, r.cfg.SignerAccountID)
	if err != nil {
		r.logger.Debug("finality check failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !state.Known {
		return false
	}

	if state.Success {
		status := domain.StatusFinalized
		if _, err := r.store.UpdateJob(job.ID, store.Patch{Status: &status}); err != nil {
			r.logger.Warn("failed to finalize job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		r.logger.Info("job finalized",
			slog.String("job_id", job.ID),
			slog.String("tx_hash", job.TxHash),
		)
		return true
	}

	r.failJob(job.ID, state.Failure)
	r.logger.Warn("job failed per ledger finality",
		slog.String("job_id", job.ID),
		slog.String("tx_hash", job.TxHash),
		slog.String("failure", state.Failure),
	)
	return true
}

func (r *Reconciler) failJob(jobID, reason string) {
	status := domain.StatusFailed
	if _, err := r.store.UpdateJob(jobID, store.Patch{Status: &status, LastError: &reason}); err != nil {
		r.logger.Warn("failed to record job failure", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}
