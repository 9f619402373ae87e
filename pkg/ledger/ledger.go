package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds occurs when the source wallet lacks the balance to cover a transfer
	ErrInsufficientFunds = errors.New("insufficient USDC balance")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrWalletNotFound is returned by backends for unknown wallet handles
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrNotOwner is returned when a call is made on behalf of a customer that does not own the wallet
	ErrNotOwner = errors.New("wallet not owned by customer")
)

// Result is the backend's description of a completed operation
type Result map[string]interface{}

// Balance is a wallet balance as reported by the backend
type Balance struct {
	USDC float64 `json:"usdc"`
}

// Backend is the external ledger that actually moves value. All calls are
// synchronous; failures are propagated to the caller untouched.
type Backend interface {
	CreateCustomer(ctx context.Context, name string) (string, error)
	CreateWallet(ctx context.Context, label, customerID string) (string, error)
	FundWallet(ctx context.Context, walletID string, amountUSD float64, onBehalfOf string) (Result, error)
	TransferUSDC(ctx context.Context, fromWallet, toWallet string, amount float64, onBehalfOf string) (Result, error)
	WalletBalance(ctx context.Context, walletID string) (Balance, error)
}

// BackendError marks a failure reported by the ledger backend. The backend's
// error stays reachable through errors.Is and errors.As.
type BackendError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *BackendError) Error() string {
	return fmt.Sprintf("ledger backend %s: %v", e.Op, e.Err)
}

// Unwrap returns the backend error
func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}
