package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

// RPCClient implements Client against a ledger JSON-RPC 2.0 endpoint.
// Broadcasts are signed by the injected TransactionSigner; everything else
// is plain read traffic.
type RPCClient struct {
	url     string
	http    *http.Client
	signer  TransactionSigner
	logger  *slog.Logger
	headers map[string]string
}

// RPCConfig holds the connection settings for an RPCClient.
type RPCConfig struct {
	URL            string
	RequestTimeout time.Duration
	// Headers are attached to every request (API keys and similar).
	Headers map[string]string
}

// NewRPCClient creates a ledger client for the given endpoint. signer may be
// nil for read-only uses such as the reconciler.
func NewRPCClient(cfg RPCConfig, signer TransactionSigner, logger *slog.Logger) *RPCClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &RPCClient{
		url:     cfg.URL,
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		logger:  logger,
		headers: cfg.Headers,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "ftdispatch",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(ClassNetworkTransient, err, "rpc %s transport failure", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return NewError(ClassRateLimited, nil, "rpc %s rate limited (http 429)", method)
	}
	if resp.StatusCode >= 500 {
		return NewError(ClassNetworkTransient, nil, "rpc %s server error (http %d)", method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(ClassOther, nil, "rpc %s unexpected status (http %d)", method, resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return NewError(ClassNetworkTransient, err, "rpc %s response decode failure", method)
	}
	if parsed.Error != nil {
		return classifyRPCError(method, parsed.Error)
	}
	if result != nil {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return NewError(ClassOther, err, "rpc %s result decode failure", method)
		}
	}
	return nil
}

func classifyRPCError(method string, e *rpcError) *Error {
	data := string(e.Data)
	switch {
	case strings.Contains(data, "InvalidNonce"):
		return NewError(ClassNonceConflict, nil, "rpc %s nonce conflict: %s", method, e.Message)
	case e.Code == -429:
		return NewError(ClassRateLimited, nil, "rpc %s rate limited: %s", method, e.Message)
	case strings.Contains(data, "UNKNOWN_TRANSACTION"), strings.Contains(e.Message, "does not exist"):
		return NewError(ClassOther, nil, "rpc %s unknown transaction: %s", method, e.Message)
	case e.Code == -32000 && strings.Contains(strings.ToLower(e.Message), "timeout"):
		return NewError(ClassNetworkTransient, nil, "rpc %s server timeout: %s", method, e.Message)
	case strings.Contains(data, "TxExecutionError"):
		return NewError(ClassExecutionFailure, nil, "rpc %s execution failure: %s", method, data)
	default:
		return NewError(ClassOther, nil, "rpc %s error %d: %s", method, e.Code, e.Message)
	}
}

// SignAndBroadcast signs the chunk's actions as one transaction and sends it,
// blocking per the wait policy. An on-chain execution failure is reported in
// the result, not as an error, so callers can distinguish it from transport
// failures.
func (c *RPCClient) SignAndBroadcast(ctx context.Context, keyID, receiverContractID string, actions []Action, wait WaitPolicy) (*BroadcastResult, error) {
	if c.signer == nil {
		return nil, NewError(ClassOther, nil, "broadcast requested on a read-only client")
	}

	signed, err := c.signer.SignTransaction(ctx, keyID, receiverContractID, actions)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	var outcome txOutcome
	err = c.call(ctx, "send_tx", map[string]any{
		"signed_tx_base64": signed,
		"wait_until":       string(wait),
	}, &outcome)
	if err != nil {
		return nil, err
	}

	res := &BroadcastResult{
		TransactionHash: outcome.Transaction.Hash,
		FinalStatus:     outcome.FinalExecutionStatus,
	}
	if res.TransactionHash == "" {
		res.TransactionHash = outcome.TransactionOutcome.ID
	}
	if failure := outcome.findFailure(); failure != "" {
		res.ExecutionFailure = failure
	}
	return res, nil
}

type txOutcome struct {
	FinalExecutionStatus string          `json:"final_execution_status"`
	Status               json.RawMessage `json:"status"`
	Transaction          struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
	TransactionOutcome struct {
		ID string `json:"id"`
	} `json:"transaction_outcome"`
	ReceiptsOutcome []struct {
		Outcome struct {
			Status json.RawMessage `json:"status"`
		} `json:"outcome"`
	} `json:"receipts_outcome"`
}

// findFailure walks the transaction status and every receipt outcome for a
// Failure variant, mirroring the ledger's nested outcome encoding.
func (o *txOutcome) findFailure() string {
	if f := failureIn(o.Status); f != "" {
		return f
	}
	for _, r := range o.ReceiptsOutcome {
		if f := failureIn(r.Outcome.Status); f != "" {
			return f
		}
	}
	return ""
}

func failureIn(status json.RawMessage) string {
	if len(status) == 0 {
		return ""
	}
	var variants map[string]json.RawMessage
	if err := json.Unmarshal(status, &variants); err != nil {
		return ""
	}
	if failure, ok := variants["Failure"]; ok {
		return string(failure)
	}
	return ""
}

type viewCallResult struct {
	Result []int `json:"result"`
}

func (r *viewCallResult) decodeJSON(v any) error {
	raw := make([]byte, len(r.Result))
	for i, b := range r.Result {
		raw[i] = byte(b)
	}
	return json.Unmarshal(raw, v)
}

func (c *RPCClient) viewFunction(ctx context.Context, contractID, method string, args any, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal view args: %w", err)
	}
	var res viewCallResult
	err = c.call(ctx, "query", map[string]any{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	}, &res)
	if err != nil {
		return err
	}
	return res.decodeJSON(out)
}

// QueryStorageRegistration checks whether accountID holds a storage balance
// on the contract and reports the contract's minimum registration deposit.
func (c *RPCClient) QueryStorageRegistration(ctx context.Context, contractID, accountID string) (*RegistrationState, error) {
	var balance struct {
		Total     json.Number `json:"total"`
		Available json.Number `json:"available"`
	}
	if err := c.viewFunction(ctx, contractID, "storage_balance_of", map[string]any{"account_id": accountID}, &balance); err != nil {
		return nil, err
	}

	state := &RegistrationState{Registered: positiveDecimal(balance.Total.String()) || positiveDecimal(balance.Available.String())}

	var bounds struct {
		Min json.Number `json:"min"`
	}
	if err := c.viewFunction(ctx, contractID, "storage_balance_bounds", map[string]any{}, &bounds); err != nil {
		// The registration answer is still usable without the bounds; the
		// coordinator falls back to its configured minimum deposit.
		c.logger.Warn("storage bounds query failed",
			slog.String("contract_id", contractID),
			slog.String("error", err.Error()),
		)
		return state, nil
	}
	state.MinDeposit = bounds.Min.String()
	return state, nil
}

func positiveDecimal(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0
}

type txStatusResult struct {
	Status json.RawMessage `json:"status"`
}

// QueryTransactionFinality asks the ledger for the durable outcome of a
// previously broadcast transaction.
func (c *RPCClient) QueryTransactionFinality(ctx context.Context, txHash, signerAccountID string) (*FinalityState, error) {
	var res txStatusResult
	err := c.call(ctx, "tx", []string{txHash, signerAccountID}, &res)
	if err != nil {
		if Classify(err) == ClassOther && strings.Contains(err.Error(), "unknown transaction") {
			return &FinalityState{Known: false}, nil
		}
		return nil, err
	}

	var variants map[string]json.RawMessage
	if err := json.Unmarshal(res.Status, &variants); err != nil || len(variants) == 0 {
		return &FinalityState{Known: false}, nil
	}
	if _, ok := variants["SuccessValue"]; ok {
		return &FinalityState{Known: true, Success: true}, nil
	}
	if failure, ok := variants["Failure"]; ok {
		return &FinalityState{Known: true, Failure: string(failure)}, nil
	}
	return &FinalityState{Known: false}, nil
}

type accessKeyListResult struct {
	Keys []struct {
		PublicKey string `json:"public_key"`
	} `json:"keys"`
}

// ListAccountKeys lists the public keys registered on an account, used at
// startup to sanity-check the configured signing key pool.
func (c *RPCClient) ListAccountKeys(ctx context.Context, accountID string) ([]string, error) {
	var res accessKeyListResult
	err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key_list",
		"finality":     "final",
		"account_id":   accountID,
	}, &res)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(res.Keys))
	for _, k := range res.Keys {
		keys = append(keys, k.PublicKey)
	}
	return keys, nil
}
