package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSigner_SignTransaction(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"signedTxBase64": "c2lnbmVk"})
	}))
	t.Cleanup(srv.Close)

	signer := NewHTTPSigner(srv.URL, 5*time.Second)
	signed, err := signer.SignTransaction(context.Background(), "key-1", "token.testnet", []Action{{
		FunctionName: "ft_transfer",
		ArgsJSON:     map[string]any{"receiver_id": "alice.testnet", "amount": "100", "memo": ""},
		GasTeraGas:   30,
		DepositYocto: "1",
	}})
	require.NoError(t, err)
	assert.Equal(t, "c2lnbmVk", signed)

	assert.Equal(t, "key-1", gotBody["keyId"])
	assert.Equal(t, "token.testnet", gotBody["receiverContractId"])

	actions, ok := gotBody["actions"].([]any)
	require.True(t, ok)
	require.Len(t, actions, 1)
	action := actions[0].(map[string]any)
	assert.Equal(t, "ft_transfer", action["functionName"])
	assert.Equal(t, float64(30), action["gasTeraGas"])
	assert.Equal(t, "1", action["depositYocto"])
}

func TestHTTPSigner_SignTransaction_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
			},
		},
		{
			name: "sidecar error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"error": "unknown key"})
			},
		},
		{
			name: "empty signed transaction",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"signedTxBase64": ""})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			signer := NewHTTPSigner(srv.URL, 5*time.Second)
			_, err := signer.SignTransaction(context.Background(), "key-1", "token.testnet", nil)
			assert.Error(t, err)
		})
	}
}
