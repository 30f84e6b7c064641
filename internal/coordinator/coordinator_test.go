package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenops/ftdispatch/internal/batcher"
	"github.com/tokenops/ftdispatch/internal/domain"
	"github.com/tokenops/ftdispatch/internal/keypool"
	"github.com/tokenops/ftdispatch/internal/ledger"
	"github.com/tokenops/ftdispatch/internal/store"
	"github.com/tokenops/ftdispatch/internal/throttle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type broadcastCall struct {
	keyID   string
	actions []ledger.Action
}

// fakeClient scripts broadcast outcomes in order; nil means success.
type fakeClient struct {
	mu            sync.Mutex
	broadcasts    []broadcastCall
	broadcastErrs []error
	registered    map[string]bool
	regQueries    map[string]int
	// broadcastGate, when set before the pipeline starts, parks every
	// broadcast until closed so jobs stay in flight.
	broadcastGate chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		registered: make(map[string]bool),
		regQueries: make(map[string]int),
	}
}

func (f *fakeClient) SignAndBroadcast(ctx context.Context, keyID, receiverContractID string, actions []ledger.Action, wait ledger.WaitPolicy) (*ledger.BroadcastResult, error) {
	if f.broadcastGate != nil {
		<-f.broadcastGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastCall{keyID: keyID, actions: actions})

	if len(f.broadcastErrs) > 0 {
		err := f.broadcastErrs[0]
		f.broadcastErrs = f.broadcastErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ledger.BroadcastResult{TransactionHash: fmt.Sprintf("tx-%d", len(f.broadcasts))}, nil
}

func (f *fakeClient) QueryStorageRegistration(ctx context.Context, contractID, accountID string) (*ledger.RegistrationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regQueries[accountID]++
	return &ledger.RegistrationState{Registered: f.registered[accountID]}, nil
}

func (f *fakeClient) QueryTransactionFinality(ctx context.Context, txHash, signerAccountID string) (*ledger.FinalityState, error) {
	return &ledger.FinalityState{}, nil
}

func (f *fakeClient) ListAccountKeys(ctx context.Context, accountID string) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeClient) broadcast(i int) broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcasts[i]
}

func countActions(actions []ledger.Action, name string) int {
	n := 0
	for _, a := range actions {
		if a.FunctionName == name {
			n++
		}
	}
	return n
}

type testEnv struct {
	coord  *Coordinator
	store  *store.Store
	client *fakeClient
}

func newTestEnv(t *testing.T, cfg Config, client *fakeClient, batchSize int) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.jsonl"), store.Options{}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pool, err := keypool.New([]string{"key-1"}, 1, testLogger())
	require.NoError(t, err)

	th := throttle.New(throttle.Config{
		GlobalMaxTx: 1000,
		PerKeyMaxTx: 1000,
	}, testLogger())

	b := batcher.New(50*time.Millisecond, batchSize, testLogger())

	cfg.ContractID = "token.testnet"
	if cfg.NonceRetryBase == 0 {
		cfg.NonceRetryBase = 5 * time.Millisecond
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 10 * time.Millisecond
	}
	coord := New(cfg, st, pool, th, b, client, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{coord: coord, store: st, client: client}
}

func requests(receivers ...string) []domain.TransferRequest {
	out := make([]domain.TransferRequest, len(receivers))
	for i, r := range receivers {
		out[i] = domain.TransferRequest{ReceiverID: r, Amount: "100"}
	}
	return out
}

func TestCoordinator_BatchesIntoOneTransaction(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{}, client, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := env.coord.SubmitTransfers(ctx, requests("alice.testnet", "bob.testnet"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Both transfers ride the same transaction.
	assert.NotEmpty(t, results[0].TransactionHash)
	assert.Equal(t, results[0].TransactionHash, results[1].TransactionHash)
	assert.Equal(t, results[0].BatchID, results[1].BatchID)

	// One broadcast with a registration and a transfer per receiver.
	require.Equal(t, 1, client.broadcastCount())
	call := client.broadcast(0)
	assert.Len(t, call.actions, 4)
	assert.Equal(t, 2, countActions(call.actions, "storage_deposit"))
	assert.Equal(t, 2, countActions(call.actions, "ft_transfer"))

	for _, res := range results {
		job, ok := env.store.GetJob(res.JobID)
		require.True(t, ok)
		assert.Equal(t, domain.StatusSubmitted, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, res.TransactionHash, job.TxHash)
		assert.NotNil(t, job.SubmittedAt)
	}
}

func TestCoordinator_RegisteredReceiverSkipsDeposit(t *testing.T) {
	client := newFakeClient()
	client.registered["alice.testnet"] = true
	env := newTestEnv(t, Config{}, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.coord.SubmitTransfers(ctx, requests("alice.testnet"))
	require.NoError(t, err)

	require.Equal(t, 1, client.broadcastCount())
	call := client.broadcast(0)
	assert.Len(t, call.actions, 1)
	assert.Equal(t, "ft_transfer", call.actions[0].FunctionName)
}

func TestCoordinator_RegistrationDedupedAcrossBatch(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{}, client, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	same := requests("carol.testnet", "carol.testnet", "carol.testnet", "carol.testnet", "carol.testnet")
	results, err := env.coord.SubmitTransfers(ctx, same)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// One registration query and one deposit action for five transfers.
	assert.Equal(t, 1, client.regQueries["carol.testnet"])
	require.Equal(t, 1, client.broadcastCount())
	call := client.broadcast(0)
	assert.Len(t, call.actions, 6)
	assert.Equal(t, 1, countActions(call.actions, "storage_deposit"))
	assert.Equal(t, 5, countActions(call.actions, "ft_transfer"))
}

func TestCoordinator_BacklogCeilingRejectsWholeCall(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{MaxPendingJobs: 2}, client, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.coord.SubmitTransfers(ctx, requests("a.testnet", "b.testnet", "c.testnet"))
	require.Error(t, err)

	var busy *domain.ServiceBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 3, busy.Requested)
	assert.Equal(t, 2, busy.Limit)

	// The rejection happens before any job is persisted.
	assert.Empty(t, env.store.ListAllJobs())
	assert.Zero(t, client.broadcastCount())
}

func TestCoordinator_BacklogCeilingHoldsUnderConcurrency(t *testing.T) {
	client := newFakeClient()
	client.broadcastGate = make(chan struct{})
	env := newTestEnv(t, Config{MaxPendingJobs: 2}, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const callers = 50
	outcomes := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			_, err := env.coord.SubmitTransfers(ctx, requests(fmt.Sprintf("r%d.testnet", i)))
			outcomes <- err
		}(i)
	}

	// With broadcasts parked nothing settles, so admissions can only fill the
	// ceiling once; every other caller must bounce with ServiceBusy.
	for i := 0; i < callers-2; i++ {
		select {
		case err := <-outcomes:
			var busy *domain.ServiceBusyError
			require.ErrorAs(t, err, &busy)
			assert.Equal(t, 2, busy.Limit)
		case <-ctx.Done():
			t.Fatal("timed out waiting for rejections")
		}
	}
	assert.Equal(t, 2, env.coord.PendingJobCount())

	close(client.broadcastGate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-outcomes:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for admitted transfers")
		}
	}
}

func TestCoordinator_SubmissionStampsExpiry(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{FinalityMaxWait: time.Minute}, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := env.coord.SubmitTransfers(ctx, requests("alice.testnet"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	job, ok := env.store.GetJob(results[0].JobID)
	require.True(t, ok)
	require.NotNil(t, job.SubmittedAt)
	require.NotNil(t, job.ExpiresAt)
	assert.True(t, job.ExpiresAt.Equal(job.SubmittedAt.Add(time.Minute)))
}

func TestCoordinator_NonceConflictRetriedTransparently(t *testing.T) {
	client := newFakeClient()
	nonceErr := ledger.NewError(ledger.ClassNonceConflict, nil, "invalid nonce")
	client.broadcastErrs = []error{nonceErr, nonceErr, nil}
	env := newTestEnv(t, Config{NonceRetryLimit: 3}, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := env.coord.SubmitTransfers(ctx, requests("alice.testnet"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Two conflicts then success, all within a single job attempt.
	assert.Equal(t, 3, client.broadcastCount())
	job, ok := env.store.GetJob(results[0].JobID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSubmitted, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestCoordinator_AttemptBudgetExhaustion(t *testing.T) {
	client := newFakeClient()
	rpcErr := ledger.NewError(ledger.ClassNetworkTransient, errors.New("connection reset"), "rpc failed")
	client.broadcastErrs = []error{rpcErr, rpcErr, rpcErr}
	env := newTestEnv(t, Config{MaxJobAttempts: 2, NonceRetryLimit: 1}, client, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := env.coord.SubmitTransfers(ctx, requests("alice.testnet"))
	require.Error(t, err)
	assert.Empty(t, results)

	var terr *domain.TransferError
	require.ErrorAs(t, err, &terr)

	job, ok := env.store.GetJob(terr.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.NotEmpty(t, job.LastError)
	assert.Equal(t, 2, client.broadcastCount())
}

func TestCoordinator_ChunkFailureSparesSiblings(t *testing.T) {
	client := newFakeClient()
	execErr := ledger.NewError(ledger.ClassExecutionFailure, nil, "receipt failed")
	// First chunk broadcasts fine, second fails permanently.
	client.broadcastErrs = []error{nil, execErr}
	env := newTestEnv(t, Config{MaxActionsPerTx: 4, MaxJobAttempts: 1}, client, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := env.coord.SubmitTransfers(ctx, requests("a.testnet", "b.testnet", "c.testnet"))
	require.Error(t, err)

	// Two unregistered receivers fill the first chunk; the third job rides
	// its own transaction and fails alone.
	require.Len(t, results, 2)
	assert.Equal(t, results[0].TransactionHash, results[1].TransactionHash)
	assert.Equal(t, 2, client.broadcastCount())

	var terr *domain.TransferError
	require.ErrorAs(t, err, &terr)
	failed, ok := env.store.GetJob(terr.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, failed.Status)

	for _, res := range results {
		job, ok := env.store.GetJob(res.JobID)
		require.True(t, ok)
		assert.Equal(t, domain.StatusSubmitted, job.Status)
	}
}

func TestCoordinator_OversizedJobIsFatal(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{}, client, 1)

	job := &domain.Job{ID: "job-1", ReceiverID: "alice.testnet", Amount: "100"}
	plan := &registrationPlan{registered: map[string]bool{}, minDeposit: "1", skipCheck: false}

	// Shrink the limit below a single unregistered job's two actions.
	env.coord.cfg.MaxActionsPerTx = 1
	_, err := env.coord.buildChunks([]*domain.Job{job}, plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChunkOversized)
}

func TestCoordinator_SubmitTransfersEmptyIsNoOp(t *testing.T) {
	client := newFakeClient()
	env := newTestEnv(t, Config{}, client, 1)

	results, err := env.coord.SubmitTransfers(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}
