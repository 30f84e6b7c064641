package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokenops/ftdispatch/internal/batcher"
	"github.com/tokenops/ftdispatch/internal/domain"
)

// TransferService is the admission surface of the transfer pipeline.
type TransferService interface {
	SubmitTransfers(ctx context.Context, requests []domain.TransferRequest) ([]domain.TransferResult, error)
	PendingJobCount() int
	PendingJobLimit() int
}

// JobReader exposes read access to the durable job records.
type JobReader interface {
	GetJob(id string) (*domain.Job, bool)
	ListJobsByTxHash(txHash string) []domain.Job
	CountByStatus() map[string]int
}

// BatchStatsProvider reports request-batching efficiency counters.
type BatchStatsProvider interface {
	Stats() batcher.Stats
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger     *slog.Logger
	Transfers  TransferService
	Jobs       JobReader
	BatchStats BatchStatsProvider
	StartedAt  time.Time
}

// TransferHandler handles transfer-related HTTP requests
type TransferHandler struct {
	logger     *slog.Logger
	transfers  TransferService
	jobs       JobReader
	batchStats BatchStatsProvider
	startedAt  time.Time
}

// NewTransferHandler creates a new TransferHandler instance
func NewTransferHandler(deps *Dependencies) *TransferHandler {
	startedAt := deps.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	return &TransferHandler{
		logger:     deps.Logger,
		transfers:  deps.Transfers,
		jobs:       deps.Jobs,
		batchStats: deps.BatchStats,
		startedAt:  startedAt,
	}
}
