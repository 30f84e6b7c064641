package domain

import "time"

// Job statuses. Transitions are monotonic except for the retry loop
// (processing -> queued) and submitted -> failed on non-finalization.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSubmitted  = "submitted"
	StatusFinalized  = "finalized"
	StatusFailed     = "failed"
)

// Job is one requested token transfer, the unit of durability and of the
// caller-visible outcome. Amounts are decimal strings and are carried
// through untouched; they are never parsed into a floating-point type.
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ReceiverID  string     `json:"receiverId"`
	Amount      string     `json:"amount"`
	Memo        string     `json:"memo,omitempty"`
	Attempts    int        `json:"attempts"`
	BatchID     string     `json:"batchId,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Terminal reports whether the job has reached a state it may never leave.
func (j *Job) Terminal() bool {
	return j.Status == StatusFinalized || j.Status == StatusFailed
}

// TransferRequest is one requested transfer as received from a caller.
type TransferRequest struct {
	ReceiverID string `json:"receiverId"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

// TransferResult is the structured outcome delivered to the original caller
// once the job's transaction has been broadcast.
type TransferResult struct {
	JobID           string    `json:"jobId"`
	ReceiverID      string    `json:"receiverId"`
	Amount          string    `json:"amount"`
	Memo            string    `json:"memo,omitempty"`
	TransactionHash string    `json:"transactionHash"`
	Status          string    `json:"status"`
	BatchID         string    `json:"batchId"`
	SubmittedAt     time.Time `json:"submittedAt"`
}
