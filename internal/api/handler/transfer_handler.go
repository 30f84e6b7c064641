package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenops/ftdispatch/internal/api/dto"
	"github.com/tokenops/ftdispatch/internal/domain"
)

// Ledger account IDs: 2-64 characters, lowercase alphanumeric segments with
// underscores and hyphens, joined by single dots.
var accountIDPattern = regexp.MustCompile(`^[a-z0-9_-]{2,64}(\.[a-z0-9_-]{2,64})*$`)

// Amounts above 10^30 base units are rejected as implausible.
var maxAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

// SendFT handles POST /send-ft
// Accepts a single transfer or a batch and blocks until the resulting
// transaction has been broadcast.
func (h *TransferHandler) SendFT(c *gin.Context) {
	var req dto.SendFTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	var transfers []dto.TransferItem
	switch {
	case len(req.Transfers) > 0:
		transfers = req.Transfers
	case req.ReceiverID != "" && req.Amount != "":
		transfers = []dto.TransferItem{{ReceiverID: req.ReceiverID, Amount: req.Amount, Memo: req.Memo}}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Either provide receiverId/amount for single transfer, or transfers array for batch transfer",
		})
		return
	}

	requests := make([]domain.TransferRequest, 0, len(transfers))
	for _, t := range transfers {
		if t.ReceiverID == "" || t.Amount == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Each transfer must have receiverId and amount",
			})
			return
		}
		if !accountIDPattern.MatchString(t.ReceiverID) || strings.Contains(t.ReceiverID, "..") {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid receiverId format. Must be a valid account ID (2-64 characters, lowercase alphanumeric with underscores, hyphens, and dots only)",
			})
			return
		}
		if err := validateAmount(t.Amount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		requests = append(requests, domain.TransferRequest{
			ReceiverID: t.ReceiverID,
			Amount:     t.Amount,
			Memo:       t.Memo,
		})
	}

	results, err := h.transfers.SubmitTransfers(c.Request.Context(), requests)
	if err != nil {
		var busy *domain.ServiceBusyError
		if errors.As(err, &busy) {
			h.logger.Warn("Rejecting transfer request due to pending job backlog",
				slog.Int("pending_jobs", h.transfers.PendingJobCount()),
				slog.Int("capacity", h.transfers.PendingJobLimit()),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":             "Service overloaded, please retry later",
				"details":           busy.Error(),
				"pendingJobs":       h.transfers.PendingJobCount(),
				"capacity":          h.transfers.PendingJobLimit(),
				"retryAfterSeconds": 5,
			})
			return
		}

		h.logger.Error("Failed to execute transfer", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "FT transfer failed",
			"details": err.Error(),
		})
		return
	}

	mapped := make([]dto.TransferResultDTO, len(results))
	for i, r := range results {
		mapped[i] = toResultDTO(r)
	}

	if len(mapped) == 1 {
		single := mapped[0]
		c.JSON(http.StatusOK, dto.SendFTSingleResponse{
			Success:         true,
			JobID:           single.JobID,
			TransactionHash: single.TransactionHash,
			ReceiverID:      single.ReceiverID,
			Amount:          single.Amount,
			Status:          single.Status,
			BatchID:         single.BatchID,
			SubmittedAt:     single.SubmittedAt,
			Message:         "FT transfer executed successfully",
		})
		return
	}

	jobIDs := make([]string, len(mapped))
	for i, r := range mapped {
		jobIDs[i] = r.JobID
	}
	c.JSON(http.StatusOK, dto.SendFTBatchResponse{
		Success:         true,
		JobIDs:          jobIDs,
		TransactionHash: mapped[0].TransactionHash,
		Transfers:       len(mapped),
		BatchID:         mapped[0].BatchID,
		Results:         mapped,
		Message:         fmt.Sprintf("FT transfers executed successfully (batch size %d)", len(mapped)),
	})
}

// GetTransfer handles GET /transfer/:jobId
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	jobID := c.Param("jobId")

	job, ok := h.jobs.GetJob(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job":     job,
	})
}

// GetTransfersByTx handles GET /transfer/tx/:txHash
// Returns all transfers carried by one broadcast transaction.
func (h *TransferHandler) GetTransfersByTx(c *gin.Context) {
	txHash := c.Param("txHash")

	jobs := h.jobs.ListJobsByTxHash(txHash)
	if len(jobs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Transaction not found",
		})
		return
	}

	transfers := make([]dto.TxTransferDTO, len(jobs))
	for i, job := range jobs {
		transfers[i] = dto.TxTransferDTO{
			JobID:       job.ID,
			ReceiverID:  job.ReceiverID,
			Amount:      job.Amount,
			Memo:        job.Memo,
			Status:      job.Status,
			BatchID:     job.BatchID,
			SubmittedAt: formatTime(job.SubmittedAt),
			Attempts:    job.Attempts,
			LastError:   job.LastError,
		}
	}

	c.JSON(http.StatusOK, dto.TxLookupResponse{
		Success:         true,
		TransactionHash: txHash,
		Transfers:       transfers,
	})
}

// JobMetrics handles GET /metrics/jobs
func (h *TransferHandler) JobMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, dto.JobMetricsResponse{
		Success:   true,
		Counts:    h.jobs.CountByStatus(),
		UptimeMs:  time.Since(h.startedAt).Milliseconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// BatchingMetrics handles GET /metrics/batching
func (h *TransferHandler) BatchingMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, dto.BatchingMetricsResponse{
		Success:   true,
		Batching:  h.batchStats.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func toResultDTO(r domain.TransferResult) dto.TransferResultDTO {
	submittedAt := ""
	if !r.SubmittedAt.IsZero() {
		submittedAt = r.SubmittedAt.UTC().Format(time.RFC3339)
	}
	return dto.TransferResultDTO{
		JobID:           r.JobID,
		ReceiverID:      r.ReceiverID,
		Amount:          r.Amount,
		Memo:            r.Memo,
		TransactionHash: r.TransactionHash,
		Status:          r.Status,
		BatchID:         r.BatchID,
		SubmittedAt:     submittedAt,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func validateAmount(raw string) error {
	amt, ok := new(big.Int).SetString(raw, 10)
	if !ok || amt.Sign() <= 0 {
		return errors.New("amount must be a positive integer string")
	}
	if amt.Cmp(maxAmount) > 0 {
		return errors.New("amount too large. Maximum allowed: 1e30")
	}
	return nil
}
