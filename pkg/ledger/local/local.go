package local

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/walta-ai/walta/pkg/ledger"
)

// unitsPerDollar is the fixed-point scale of the in-memory ledger
const unitsPerDollar = 1_000_000

func toUnits(amount float64) int64 {
	return int64(math.Round(amount * unitsPerDollar))
}

func fromUnits(units int64) float64 {
	return float64(units) / unitsPerDollar
}

type wallet struct {
	label      string
	customerID string
	usdc       int64
}

// Ledger is a concurrency-safe ledger backend that keeps balances in memory.
// USD funding converts 1:1 to USDC.
type Ledger struct {
	mu        sync.RWMutex
	customers map[string]string
	wallets   map[string]*wallet
}

var _ ledger.Backend = (*Ledger)(nil)

// New creates an empty in-memory ledger backend
func New() *Ledger {
	return &Ledger{
		customers: make(map[string]string),
		wallets:   make(map[string]*wallet),
	}
}

// CreateCustomer registers a customer and returns its handle
func (l *Ledger) CreateCustomer(_ context.Context, name string) (string, error) {
	id := "cust_" + uuid.New().String()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.customers[id] = name
	return id, nil
}

// CreateWallet creates a zero-balance wallet owned by customerID
func (l *Ledger) CreateWallet(_ context.Context, label, customerID string) (string, error) {
	id := "wallet_" + uuid.New().String()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets[id] = &wallet{label: label, customerID: customerID}
	return id, nil
}

func (l *Ledger) owned(w *wallet, walletID, onBehalfOf string) error {
	if onBehalfOf != "" && w.customerID != "" && w.customerID != onBehalfOf {
		return fmt.Errorf("%w: %s", ledger.ErrNotOwner, walletID)
	}
	return nil
}

// FundWallet credits a wallet
func (l *Ledger) FundWallet(_ context.Context, walletID string, amountUSD float64, onBehalfOf string) (ledger.Result, error) {
	units := toUnits(amountUSD)
	if units <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
	}
	if err := l.owned(w, walletID, onBehalfOf); err != nil {
		return nil, err
	}

	w.usdc += units
	return ledger.Result{
		"id":        "tx_" + uuid.New().String(),
		"status":    "completed",
		"wallet_id": walletID,
		"amount":    amountUSD,
		"usdc":      fromUnits(w.usdc),
	}, nil
}

// TransferUSDC moves funds between wallets. Both balances are left unchanged on failure.
func (l *Ledger) TransferUSDC(_ context.Context, fromWallet, toWallet string, amount float64, onBehalfOf string) (ledger.Result, error) {
	units := toUnits(amount)
	if units <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sender, ok := l.wallets[fromWallet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, fromWallet)
	}
	receiver, ok := l.wallets[toWallet]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, toWallet)
	}
	if err := l.owned(sender, fromWallet, onBehalfOf); err != nil {
		return nil, err
	}
	if sender.usdc < units {
		return nil, ledger.ErrInsufficientFunds
	}

	sender.usdc -= units
	receiver.usdc += units

	return ledger.Result{
		"id":     "tx_" + uuid.New().String(),
		"status": "completed",
		"from":   fromWallet,
		"to":     toWallet,
		"amount": amount,
	}, nil
}

// WalletBalance returns a wallet's USDC balance
func (l *Ledger) WalletBalance(_ context.Context, walletID string) (ledger.Balance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w, ok := l.wallets[walletID]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
	}
	return ledger.Balance{USDC: fromUnits(w.usdc)}, nil
}
