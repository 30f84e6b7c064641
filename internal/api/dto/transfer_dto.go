package dto

import "github.com/tokenops/ftdispatch/internal/batcher"

type TransferItem struct {
	ReceiverID string `json:"receiverId"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// SendFTRequest accepts either a single transfer (receiverId/amount at the
// top level) or a batch via the transfers array.
type SendFTRequest struct {
	ReceiverID string         `json:"receiverId"`
	Amount     string         `json:"amount"`
	Memo       string         `json:"memo"`
	Transfers  []TransferItem `json:"transfers"`
}

type TransferResultDTO struct {
	JobID           string `json:"jobId"`
	ReceiverID      string `json:"receiverId"`
	Amount          string `json:"amount"`
	Memo            string `json:"memo,omitempty"`
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	BatchID         string `json:"batchId,omitempty"`
	SubmittedAt     string `json:"submittedAt,omitempty"`
}

type SendFTSingleResponse struct {
	Success         bool   `json:"success"`
	JobID           string `json:"jobId"`
	TransactionHash string `json:"transactionHash"`
	ReceiverID      string `json:"receiverId"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	BatchID         string `json:"batchId,omitempty"`
	SubmittedAt     string `json:"submittedAt,omitempty"`
	Message         string `json:"message"`
}

type SendFTBatchResponse struct {
	Success         bool                `json:"success"`
	JobIDs          []string            `json:"jobIds"`
	TransactionHash string              `json:"transactionHash"`
	Transfers       int                 `json:"transfers"`
	BatchID         string              `json:"batchId,omitempty"`
	Results         []TransferResultDTO `json:"results"`
	Message         string              `json:"message"`
}

type TxTransferDTO struct {
	JobID       string `json:"jobId"`
	ReceiverID  string `json:"receiverId"`
	Amount      string `json:"amount"`
	Memo        string `json:"memo,omitempty"`
	Status      string `json:"status"`
	BatchID     string `json:"batchId,omitempty"`
	SubmittedAt string `json:"submittedAt,omitempty"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"lastError,omitempty"`
}

type TxLookupResponse struct {
	Success         bool            `json:"success"`
	TransactionHash string          `json:"transactionHash"`
	Transfers       []TxTransferDTO `json:"transfers"`
}

type JobMetricsResponse struct {
	Success   bool           `json:"success"`
	Counts    map[string]int `json:"counts"`
	UptimeMs  int64          `json:"uptimeMs"`
	Timestamp string         `json:"timestamp"`
}

type BatchingMetricsResponse struct {
	Success   bool          `json:"success"`
	Batching  batcher.Stats `json:"batching"`
	Timestamp string        `json:"timestamp"`
}
