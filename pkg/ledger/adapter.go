package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/walta-ai/walta/internal/tracing"
	"github.com/walta-ai/walta/pkg/identity"
)

// IdentityLookup resolves identifiers to identity records
type IdentityLookup interface {
	Lookup(did string) (identity.Identity, bool)
}

// CallObserver is notified after every backend call
type CallObserver func(op string, duration time.Duration, err error)

// Adapter translates identifier-level operations into backend calls using the
// identity's wallet and customer handles.
type Adapter struct {
	backend    Backend
	identities IdentityLookup
	customerID string
	observe    CallObserver
	logger     zerolog.Logger
}

// AdapterConfig holds adapter dependencies
type AdapterConfig struct {
	Backend Backend
	// CustomerID, when set, is used as the owner of every new wallet instead of
	// creating one customer per agent.
	CustomerID string
	Observer   CallObserver
	Logger     zerolog.Logger
}

// NewAdapter creates a new ledger adapter
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("ledger backend is required")
	}

	return &Adapter{
		backend:    cfg.Backend,
		customerID: cfg.CustomerID,
		observe:    cfg.Observer,
		logger:     cfg.Logger,
	}, nil
}

// SetIdentityLookup wires the registry used to resolve wallet handles.
// It must be called before the adapter is shared.
func (a *Adapter) SetIdentityLookup(lookup IdentityLookup) {
	a.identities = lookup
}

// call runs one backend operation inside a span and reports it to the observer
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "ledger."+op, attribute.String("ledger.op", op))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if a.observe != nil {
		a.observe(op, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().Err(err).Str("op", op).Msg("Ledger backend call failed")
	}
	return err
}

func (a *Adapter) resolve(did string) (identity.Identity, error) {
	if a.identities == nil {
		return identity.Identity{}, fmt.Errorf("%w: %s", identity.ErrUnknownIdentity, did)
	}
	record, ok := a.identities.Lookup(did)
	if !ok {
		return identity.Identity{}, fmt.Errorf("%w: %s", identity.ErrUnknownIdentity, did)
	}
	return record, nil
}

// Provision creates the backend customer (unless one is pre-provisioned) and the wallet for a new agent
func (a *Adapter) Provision(ctx context.Context, name string) (identity.Account, error) {
	customerID := a.customerID
	if customerID == "" {
		var id string
		err := a.call(ctx, "create_customer", func(ctx context.Context) (err error) {
			id, err = a.backend.CreateCustomer(ctx, name)
			return err
		})
		if err != nil {
			return identity.Account{}, backendError("create_customer", err)
		}
		customerID = id
	}

	var walletID string
	err := a.call(ctx, "create_wallet", func(ctx context.Context) (err error) {
		walletID, err = a.backend.CreateWallet(ctx, name+"_wallet", customerID)
		return err
	})
	if err != nil {
		return identity.Account{}, backendError("create_wallet", err)
	}

	return identity.Account{WalletID: walletID, CustomerID: customerID}, nil
}

// Fund credits the agent's wallet with a USD amount converted to USDC
func (a *Adapter) Fund(ctx context.Context, did string, amountUSD float64) (Result, error) {
	if amountUSD <= 0 {
		return nil, ErrInvalidAmount
	}
	record, err := a.resolve(did)
	if err != nil {
		return nil, err
	}

	var result Result
	err = a.call(ctx, "fund", func(ctx context.Context) (err error) {
		result, err = a.backend.FundWallet(ctx, record.WalletID, amountUSD, record.CustomerID)
		return err
	})
	if err != nil {
		return nil, backendError("fund", err)
	}

	a.logger.Info().Str("did", did).Float64("amountUsd", amountUSD).Msg("Wallet funded")
	return result, nil
}

// Transfer moves USDC between the wallets of two registered agents
func (a *Adapter) Transfer(ctx context.Context, fromDID, toDID string, amount float64, memo string) (Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	from, err := a.resolve(fromDID)
	if err != nil {
		return nil, err
	}
	to, err := a.resolve(toDID)
	if err != nil {
		return nil, err
	}

	var result Result
	err = a.call(ctx, "transfer", func(ctx context.Context) (err error) {
		result, err = a.backend.TransferUSDC(ctx, from.WalletID, to.WalletID, amount, from.CustomerID)
		return err
	})
	if err != nil {
		return nil, backendError("transfer", err)
	}

	a.logger.Info().
		Str("from", fromDID).
		Str("to", toDID).
		Float64("amount", amount).
		Str("memo", memo).
		Msg("Transfer completed")
	return result, nil
}

// Balance returns the agent's wallet balance
func (a *Adapter) Balance(ctx context.Context, did string) (Balance, error) {
	record, err := a.resolve(did)
	if err != nil {
		return Balance{}, err
	}

	var balance Balance
	err = a.call(ctx, "balance", func(ctx context.Context) (err error) {
		balance, err = a.backend.WalletBalance(ctx, record.WalletID)
		return err
	})
	if err != nil {
		return Balance{}, backendError("balance", err)
	}
	return balance, nil
}
