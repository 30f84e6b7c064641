package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSigner asks an external signing sidecar to serialize and sign one
// transaction. The sidecar owns the private keys and the per-key nonce
// bookkeeping; this process only ever sees the signed blob.
type HTTPSigner struct {
	url  string
	http *http.Client
}

// NewHTTPSigner creates a signer backed by the sidecar at url.
func NewHTTPSigner(url string, timeout time.Duration) *HTTPSigner {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPSigner{url: url, http: &http.Client{Timeout: timeout}}
}

type signRequest struct {
	KeyID              string   `json:"keyId"`
	ReceiverContractID string   `json:"receiverContractId"`
	Actions            []Action `json:"actions"`
}

type signResponse struct {
	SignedTxBase64 string `json:"signedTxBase64"`
	Error          string `json:"error,omitempty"`
}

func (s *HTTPSigner) SignTransaction(ctx context.Context, keyID, receiverContractID string, actions []Action) (string, error) {
	body, err := json.Marshal(signRequest{
		KeyID:              keyID,
		ReceiverContractID: receiverContractID,
		Actions:            actions,
	})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", NewError(ClassNetworkTransient, err, "signer transport failure")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", NewError(ClassOther, nil, "signer rejected request (http %d)", resp.StatusCode)
	}

	var parsed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", NewError(ClassOther, err, "signer response decode failure")
	}
	if parsed.Error != "" {
		return "", NewError(ClassOther, nil, "signer error: %s", parsed.Error)
	}
	if parsed.SignedTxBase64 == "" {
		return "", NewError(ClassOther, nil, "signer returned empty transaction")
	}
	return parsed.SignedTxBase64, nil
}

// Action marshals with explicit wire names so the signer contract stays
// stable across both sides.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		FunctionName string         `json:"functionName"`
		ArgsJSON     map[string]any `json:"argsJson"`
		GasTeraGas   uint64         `json:"gasTeraGas"`
		DepositYocto string         `json:"depositYocto"`
	}{a.FunctionName, a.ArgsJSON, a.GasTeraGas, a.DepositYocto})
}
