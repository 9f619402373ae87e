// Package bridge implements the ledger backend on top of the Bridge custody API.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/walta-ai/walta/pkg/ledger"
)

// DefaultBaseURL is the production Bridge API endpoint
const DefaultBaseURL = "https://api.bridge.xyz/v0"

// APIError is a non-2xx response from Bridge
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("bridge API returned %d: %s", e.StatusCode, e.Body)
}

// Config holds Bridge client settings
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the Bridge API. Every mutating call carries a fresh idempotency key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

var _ ledger.Backend = (*Client)(nil)

// New creates a Bridge client
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("bridge API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		logger:  cfg.Logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (gjson.Result, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read bridge response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Bridge API call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return gjson.Result{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("bridge returned invalid JSON")
	}
	return gjson.ParseBytes(raw), nil
}

func requireID(res gjson.Result, what string) (string, error) {
	id := res.Get("id").String()
	if id == "" {
		return "", fmt.Errorf("bridge %s response has no id", what)
	}
	return id, nil
}

func toResult(res gjson.Result) ledger.Result {
	out, ok := res.Value().(map[string]interface{})
	if !ok {
		return ledger.Result{"raw": res.Raw}
	}
	return ledger.Result(out)
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// CreateCustomer creates an individual customer for an agent
func (c *Client) CreateCustomer(ctx context.Context, name string) (string, error) {
	first := strings.SplitN(name, "_", 2)[0]
	if first != "" {
		first = strings.ToUpper(first[:1]) + strings.ToLower(first[1:])
	}

	payload := map[string]interface{}{
		"type":       "individual",
		"first_name": first,
		"last_name":  "Agent",
		"email":      name + "@walta.ai",
		"identifying_information": map[string]interface{}{
			"tax_identification": map[string]string{
				"country": "US",
				"type":    "ssn",
				"value":   "123-45-6789",
			},
		},
	}

	res, err := c.do(ctx, http.MethodPost, "/customers", payload)
	if err != nil {
		return "", err
	}
	return requireID(res, "customer")
}

// CreateWallet creates a custodial wallet on behalf of customerID
func (c *Client) CreateWallet(ctx context.Context, label, customerID string) (string, error) {
	payload := map[string]string{
		"label":        label,
		"on_behalf_of": customerID,
	}

	res, err := c.do(ctx, http.MethodPost, "/wallets", payload)
	if err != nil {
		return "", err
	}
	return requireID(res, "wallet")
}

// FundWallet pushes USD into the wallet, converted to USDC
func (c *Client) FundWallet(ctx context.Context, walletID string, amountUSD float64, onBehalfOf string) (ledger.Result, error) {
	payload := map[string]interface{}{
		"source": map[string]string{
			"payment_rail": "ach_push",
			"currency":     "usd",
		},
		"destination": map[string]string{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": walletID,
		},
		"amount": formatAmount(amountUSD),
	}
	if onBehalfOf != "" {
		payload["on_behalf_of"] = onBehalfOf
	}

	res, err := c.do(ctx, http.MethodPost, "/transfers", payload)
	if err != nil {
		return nil, err
	}
	return toResult(res), nil
}

// TransferUSDC moves USDC between two Bridge wallets
func (c *Client) TransferUSDC(ctx context.Context, fromWallet, toWallet string, amount float64, onBehalfOf string) (ledger.Result, error) {
	payload := map[string]interface{}{
		"source": map[string]string{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": fromWallet,
		},
		"destination": map[string]string{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": toWallet,
		},
		"amount": formatAmount(amount),
	}
	if onBehalfOf != "" {
		payload["on_behalf_of"] = onBehalfOf
	}

	res, err := c.do(ctx, http.MethodPost, "/transfers", payload)
	if err != nil {
		return nil, err
	}
	return toResult(res), nil
}

// WalletBalance reads the wallet's usdc balance; a wallet without one reports zero
func (c *Client) WalletBalance(ctx context.Context, walletID string) (ledger.Balance, error) {
	res, err := c.do(ctx, http.MethodGet, "/wallets/"+walletID, nil)
	if err != nil {
		return ledger.Balance{}, err
	}

	amount := res.Get(`balances.#(currency=="usdc").amount`)
	if !amount.Exists() {
		return ledger.Balance{USDC: 0}, nil
	}
	return ledger.Balance{USDC: amount.Float()}, nil
}
