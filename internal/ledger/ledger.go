// Package ledger defines the capability the transfer pipeline consumes to
// talk to the external ledger, plus a JSON-RPC implementation of it.
// Transaction signing itself stays behind the TransactionSigner interface;
// this package never touches key material.
package ledger

import "context"

// Action is one contract function call packed into a transaction.
type Action struct {
	FunctionName string
	ArgsJSON     map[string]any
	GasTeraGas   uint64
	// DepositYocto is the attached deposit as a decimal string in the
	// ledger's smallest unit.
	DepositYocto string
}

// WaitPolicy selects how long a broadcast blocks before returning.
type WaitPolicy string

const (
	WaitIncluded WaitPolicy = "INCLUDED"
	WaitExecuted WaitPolicy = "EXECUTED_OPTIMISTIC"
	WaitFinal    WaitPolicy = "FINAL"
)

// BroadcastResult is the outcome of a successful transport-level broadcast.
// ExecutionFailure is set when the network accepted the transaction but its
// on-chain execution failed; callers must treat that as a chunk failure.
type BroadcastResult struct {
	TransactionHash  string
	FinalStatus      string
	ExecutionFailure string
}

// RegistrationState describes whether an account is registered with the
// receiving contract, and the minimum deposit a registration would need.
type RegistrationState struct {
	Registered bool
	MinDeposit string
}

// FinalityState is the ledger's view of a previously broadcast transaction.
type FinalityState struct {
	// Known is false while the ledger has no durable record of the hash.
	Known   bool
	Success bool
	Failure string
}

// Client is the ledger capability consumed by the coordinator and the
// reconciler. Implementations must return errors classifiable via Classify.
type Client interface {
	SignAndBroadcast(ctx context.Context, keyID, receiverContractID string, actions []Action, wait WaitPolicy) (*BroadcastResult, error)
	QueryStorageRegistration(ctx context.Context, contractID, accountID string) (*RegistrationState, error)
	QueryTransactionFinality(ctx context.Context, txHash, signerAccountID string) (*FinalityState, error)
	ListAccountKeys(ctx context.Context, accountID string) ([]string, error)
}

// TransactionSigner serializes and signs one transaction for the given key,
// returning the base64-encoded signed transaction ready for broadcast.
// Signing is a separate capability so key custody stays out of this process.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, keyID, receiverContractID string, actions []Action) (string, error)
}
