package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method  string
	Path    string
	APIKey  string
	IdemKey string
	Body    map[string]interface{}
}

type fakeBridge struct {
	mu       sync.Mutex
	requests []capturedRequest
	handler  func(w http.ResponseWriter, r capturedRequest)
}

func (f *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	captured := capturedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		APIKey:  r.Header.Get("Api-Key"),
		IdemKey: r.Header.Get("Idempotency-Key"),
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&captured.Body)
	}

	f.mu.Lock()
	f.requests = append(f.requests, captured)
	f.mu.Unlock()

	f.handler(w, captured)
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r capturedRequest)) (*Client, *fakeBridge) {
	t.Helper()

	fake := &fakeBridge{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := New(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Logger: zerolog.Nop()})
	require.NoError(t, err)
	return client, fake
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	client, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
}

func TestClient_CreateCustomer(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusCreated, `{"id":"cust_123"}`)
	})

	id, err := client.CreateCustomer(context.Background(), "research_agent")
	require.NoError(t, err)
	assert.Equal(t, "cust_123", id)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/customers", req.Path)
	assert.Equal(t, "sk-test", req.APIKey)
	assert.NotEmpty(t, req.IdemKey)
	assert.Equal(t, "Research", req.Body["first_name"])
	assert.Equal(t, "research_agent@walta.ai", req.Body["email"])
}

func TestClient_CreateWallet(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusOK, `{"id":"wallet_9","label":"x"}`)
	})

	id, err := client.CreateWallet(context.Background(), "alice_wallet", "cust_1")
	require.NoError(t, err)
	assert.Equal(t, "wallet_9", id)
	assert.Equal(t, "/wallets", fake.requests[0].Path)
	assert.Equal(t, "cust_1", fake.requests[0].Body["on_behalf_of"])
	assert.Equal(t, "alice_wallet", fake.requests[0].Body["label"])
}

func TestClient_CreateWallet_MissingID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	_, err := client.CreateWallet(context.Background(), "w", "c")
	assert.Error(t, err)
}

func TestClient_TransferUSDC(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusOK, `{"id":"tr_1","state":"payment_processed"}`)
	})

	result, err := client.TransferUSDC(context.Background(), "w_from", "w_to", 75, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, "tr_1", result["id"])
	assert.Equal(t, "payment_processed", result["state"])

	body := fake.requests[0].Body
	assert.Equal(t, "75", body["amount"])
	assert.Equal(t, "cust_1", body["on_behalf_of"])
	source := body["source"].(map[string]interface{})
	assert.Equal(t, "w_from", source["bridge_wallet_id"])
	destination := body["destination"].(map[string]interface{})
	assert.Equal(t, "w_to", destination["bridge_wallet_id"])
}

func TestClient_FundWallet(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusOK, `{"id":"tr_fund"}`)
	})

	_, err := client.FundWallet(context.Background(), "w1", 200.5, "")
	require.NoError(t, err)

	body := fake.requests[0].Body
	assert.Equal(t, "200.5", body["amount"])
	_, hasOwner := body["on_behalf_of"]
	assert.False(t, hasOwner)
	source := body["source"].(map[string]interface{})
	assert.Equal(t, "ach_push", source["payment_rail"])
}

func TestClient_WalletBalance(t *testing.T) {
	t.Run("reads usdc balance", func(t *testing.T) {
		client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
			writeJSON(w, http.StatusOK, `{"id":"w1","balances":[{"currency":"usd","amount":"3"},{"currency":"usdc","amount":"125.25"}]}`)
		})

		balance, err := client.WalletBalance(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, 125.25, balance.USDC)
		assert.Equal(t, http.MethodGet, fake.requests[0].Method)
		assert.Equal(t, "/wallets/w1", fake.requests[0].Path)
	})

	t.Run("missing usdc entry is zero", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
			writeJSON(w, http.StatusOK, `{"id":"w1","balances":[]}`)
		})

		balance, err := client.WalletBalance(context.Background(), "w1")
		require.NoError(t, err)
		assert.Equal(t, 0.0, balance.USDC)
	})
}

func TestClient_APIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusBadRequest, `{"message":"insufficient funds"}`)
	})

	_, err := client.TransferUSDC(context.Background(), "a", "b", 1, "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "insufficient funds")
}

func TestClient_IdempotencyKeyPerCall(t *testing.T) {
	client, fake := newTestClient(t, func(w http.ResponseWriter, r capturedRequest) {
		writeJSON(w, http.StatusOK, `{"id":"x"}`)
	})

	_, err := client.CreateWallet(context.Background(), "a", "c")
	require.NoError(t, err)
	_, err = client.CreateWallet(context.Background(), "b", "c")
	require.NoError(t, err)

	require.Len(t, fake.requests, 2)
	assert.NotEqual(t, fake.requests[0].IdemKey, fake.requests[1].IdemKey)
}
