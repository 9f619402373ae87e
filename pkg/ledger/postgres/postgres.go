// Package postgres is a ledger backend that keeps double-entry postings in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/walta-ai/walta/pkg/ledger"
)

// FundingAccountCode is the contra account debited when wallets are funded
const FundingAccountCode = "funding:usd"

const unitsPerDollar = 1_000_000

const schema = `
CREATE TABLE IF NOT EXISTS customers (
    id         UUID PRIMARY KEY,
    name       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS accounts (
    id          UUID PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    label       TEXT NOT NULL DEFAULT '',
    customer_id UUID NULL REFERENCES customers(id),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS transactions (
    id         UUID PRIMARY KEY,
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS entries (
    id             UUID PRIMARY KEY,
    transaction_id UUID NOT NULL REFERENCES transactions(id),
    account_id     UUID NOT NULL REFERENCES accounts(id),
    amount         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_account_idx ON entries (account_id);
`

// Ledger persists wallets and postings in PostgreSQL. Amounts are stored in
// micro-units of USDC.
type Ledger struct {
	db *pgxpool.Pool
}

var _ ledger.Backend = (*Ledger)(nil)

// New constructs a Postgres-backed ledger
func New(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// Connect opens a pool for databaseURL and verifies connectivity
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate creates the ledger schema and the funding account
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	_, err := l.db.Exec(ctx, `INSERT INTO accounts (id, code, label) VALUES ($1, $2, $2)
        ON CONFLICT (code) DO NOTHING`, uuid.New(), FundingAccountCode)
	return err
}

func toUnits(amount float64) int64 {
	return int64(math.Round(amount * unitsPerDollar))
}

func fromUnits(units int64) float64 {
	return float64(units) / unitsPerDollar
}

// CreateCustomer inserts a customer row
func (l *Ledger) CreateCustomer(ctx context.Context, name string) (string, error) {
	id := uuid.New()
	if _, err := l.db.Exec(ctx, `INSERT INTO customers (id, name) VALUES ($1, $2)`, id, name); err != nil {
		return "", err
	}
	return id.String(), nil
}

// CreateWallet inserts a wallet account owned by customerID
func (l *Ledger) CreateWallet(ctx context.Context, label, customerID string) (string, error) {
	owner, err := uuid.Parse(customerID)
	if err != nil {
		return "", fmt.Errorf("invalid customer id %q: %w", customerID, err)
	}

	id := uuid.New()
	code := "wallet:" + id.String()
	if _, err := l.db.Exec(ctx, `INSERT INTO accounts (id, code, label, customer_id) VALUES ($1, $2, $3, $4)`,
		id, code, label, owner); err != nil {
		return "", err
	}
	return id.String(), nil
}

type lockedAccount struct {
	id         uuid.UUID
	customerID *uuid.UUID
}

func lockAccount(ctx context.Context, tx pgx.Tx, walletID string) (lockedAccount, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return lockedAccount{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
	}

	var acc lockedAccount
	err = tx.QueryRow(ctx, `SELECT id, customer_id FROM accounts WHERE id = $1 FOR UPDATE`, id).
		Scan(&acc.id, &acc.customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockedAccount{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
		}
		return lockedAccount{}, err
	}
	return acc, nil
}

func checkOwner(acc lockedAccount, walletID, onBehalfOf string) error {
	if onBehalfOf == "" || acc.customerID == nil {
		return nil
	}
	if acc.customerID.String() != onBehalfOf {
		return fmt.Errorf("%w: %s", ledger.ErrNotOwner, walletID)
	}
	return nil
}

func balanceForAccount(ctx context.Context, q pgx.Tx, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

func post(ctx context.Context, tx pgx.Tx, kind string, debit, credit uuid.UUID, units int64) (uuid.UUID, error) {
	txID := uuid.New()
	if _, err := tx.Exec(ctx, `INSERT INTO transactions (id, kind, status) VALUES ($1, $2, 'completed')`, txID, kind); err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`,
		uuid.New(), txID, debit, -units); err != nil {
		return uuid.Nil, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO entries (id, transaction_id, account_id, amount) VALUES ($1, $2, $3, $4)`,
		uuid.New(), txID, credit, units); err != nil {
		return uuid.Nil, err
	}
	return txID, nil
}

// FundWallet credits the wallet against the funding account
func (l *Ledger) FundWallet(ctx context.Context, walletID string, amountUSD float64, onBehalfOf string) (ledger.Result, error) {
	units := toUnits(amountUSD)
	if units <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	wallet, err := lockAccount(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(wallet, walletID, onBehalfOf); err != nil {
		return nil, err
	}

	var fundingID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE code = $1`, FundingAccountCode).Scan(&fundingID); err != nil {
		return nil, fmt.Errorf("funding account missing, run migrations: %w", err)
	}

	txID, err := post(ctx, tx, "fund", fundingID, wallet.id, units)
	if err != nil {
		return nil, err
	}
	balance, err := balanceForAccount(ctx, tx, wallet.id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return ledger.Result{
		"id":        txID.String(),
		"status":    "completed",
		"wallet_id": walletID,
		"amount":    amountUSD,
		"usdc":      fromUnits(balance),
	}, nil
}

// TransferUSDC posts a balanced transfer. Accounts are locked in id order.
func (l *Ledger) TransferUSDC(ctx context.Context, fromWallet, toWallet string, amount float64, onBehalfOf string) (ledger.Result, error) {
	units := toUnits(amount)
	if units <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	first, second := fromWallet, toWallet
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]lockedAccount, 2)
	for _, walletID := range []string{first, second} {
		if _, ok := locked[walletID]; ok {
			continue
		}
		acc, err := lockAccount(ctx, tx, walletID)
		if err != nil {
			return nil, err
		}
		locked[walletID] = acc
	}

	sender, receiver := locked[fromWallet], locked[toWallet]
	if err := checkOwner(sender, fromWallet, onBehalfOf); err != nil {
		return nil, err
	}

	balance, err := balanceForAccount(ctx, tx, sender.id)
	if err != nil {
		return nil, err
	}
	if balance < units {
		return nil, ledger.ErrInsufficientFunds
	}

	txID, err := post(ctx, tx, "transfer", sender.id, receiver.id, units)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return ledger.Result{
		"id":     txID.String(),
		"status": "completed",
		"from":   fromWallet,
		"to":     toWallet,
		"amount": amount,
	}, nil
}

// WalletBalance sums the wallet's entries
func (l *Ledger) WalletBalance(ctx context.Context, walletID string) (ledger.Balance, error) {
	id, err := uuid.Parse(walletID)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
	}

	const query = `
        SELECT a.id, COALESCE(SUM(e.amount), 0)
        FROM accounts a
        LEFT JOIN entries e ON e.account_id = a.id
        WHERE a.id = $1
        GROUP BY a.id`
	var accountID uuid.UUID
	var units int64
	if err := l.db.QueryRow(ctx, query, id).Scan(&accountID, &units); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, walletID)
		}
		return ledger.Balance{}, err
	}
	return ledger.Balance{USDC: fromUnits(units)}, nil
}
