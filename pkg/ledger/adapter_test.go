package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/ledger"
	"github.com/walta-ai/walta/pkg/ledger/local"
)

type setup struct {
	adapter  *ledger.Adapter
	registry *identity.Registry
	calls    []string
}

func newSetup(t *testing.T, backend ledger.Backend, customerID string) *setup {
	t.Helper()

	s := &setup{}
	adapter, err := ledger.NewAdapter(ledger.AdapterConfig{
		Backend:    backend,
		CustomerID: customerID,
		Observer: func(op string, _ time.Duration, err error) {
			s.calls = append(s.calls, fmt.Sprintf("%s:%v", op, err == nil))
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	registry, err := identity.NewRegistry(identity.Config{Provisioner: adapter, Logger: zerolog.Nop()})
	require.NoError(t, err)
	adapter.SetIdentityLookup(registry)

	s.adapter = adapter
	s.registry = registry
	return s
}

func (s *setup) register(t *testing.T, name string) identity.Identity {
	t.Helper()
	id, err := s.registry.Register(context.Background(), name)
	require.NoError(t, err)
	return id
}

type failingBackend struct {
	ledger.Backend
	err error
}

func (f failingBackend) TransferUSDC(context.Context, string, string, float64, string) (ledger.Result, error) {
	return nil, f.err
}

func (f failingBackend) CreateCustomer(context.Context, string) (string, error) {
	return "", f.err
}

// transferFailingBackend provisions normally and fails only transfers
type transferFailingBackend struct {
	ledger.Backend
	err error
}

func (f transferFailingBackend) TransferUSDC(context.Context, string, string, float64, string) (ledger.Result, error) {
	return nil, f.err
}

func TestNewAdapter_RequiresBackend(t *testing.T) {
	_, err := ledger.NewAdapter(ledger.AdapterConfig{})
	assert.Error(t, err)
}

func TestAdapter_Provision(t *testing.T) {
	t.Run("creates customer per agent", func(t *testing.T) {
		s := newSetup(t, local.New(), "")
		alice := s.register(t, "alice")
		bob := s.register(t, "bob")

		assert.NotEmpty(t, alice.WalletID)
		assert.NotEqual(t, alice.CustomerID, bob.CustomerID)
		assert.Equal(t, []string{"create_customer:true", "create_wallet:true", "create_customer:true", "create_wallet:true"}, s.calls)
	})

	t.Run("uses pre-provisioned customer", func(t *testing.T) {
		s := newSetup(t, local.New(), "cust_shared")
		alice := s.register(t, "alice")
		bob := s.register(t, "bob")

		assert.Equal(t, "cust_shared", alice.CustomerID)
		assert.Equal(t, "cust_shared", bob.CustomerID)
		assert.NotEqual(t, alice.WalletID, bob.WalletID)
		assert.Equal(t, []string{"create_wallet:true", "create_wallet:true"}, s.calls)
	})

	t.Run("backend failure aborts registration", func(t *testing.T) {
		boom := errors.New("bridge down")
		s := newSetup(t, failingBackend{Backend: local.New(), err: boom}, "")

		_, err := s.registry.Register(context.Background(), "alice")
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
		assert.Equal(t, 0, s.registry.Count())
	})
}

func TestAdapter_FundTransferBalance(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, local.New(), "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	_, err := s.adapter.Fund(ctx, alice.DID, 200)
	require.NoError(t, err)

	result, err := s.adapter.Transfer(ctx, alice.DID, bob.DID, 75, "Payment for data_analysis")
	require.NoError(t, err)
	assert.Equal(t, "completed", result["status"])

	balance, err := s.adapter.Balance(ctx, alice.DID)
	require.NoError(t, err)
	assert.Equal(t, 125.0, balance.USDC)

	balance, err = s.adapter.Balance(ctx, bob.DID)
	require.NoError(t, err)
	assert.Equal(t, 75.0, balance.USDC)

	t.Run("insufficient funds leaves balances unchanged", func(t *testing.T) {
		_, err := s.adapter.Transfer(ctx, bob.DID, alice.DID, 1000, "too much")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ledger.ErrInsufficientFunds))

		var backendErr *ledger.BackendError
		require.True(t, errors.As(err, &backendErr))
		assert.Equal(t, "transfer", backendErr.Op)

		a, _ := s.adapter.Balance(ctx, alice.DID)
		b, _ := s.adapter.Balance(ctx, bob.DID)
		assert.Equal(t, 125.0, a.USDC)
		assert.Equal(t, 75.0, b.USDC)
	})
}

func TestAdapter_UnknownIdentity(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, local.New(), "")
	alice := s.register(t, "alice")

	_, err := s.adapter.Transfer(ctx, alice.DID, "did:walta:ghost", 1, "")
	assert.True(t, errors.Is(err, identity.ErrUnknownIdentity))

	_, err = s.adapter.Balance(ctx, "did:walta:ghost")
	assert.True(t, errors.Is(err, identity.ErrUnknownIdentity))

	_, err = s.adapter.Fund(ctx, "did:walta:ghost", 1)
	assert.True(t, errors.Is(err, identity.ErrUnknownIdentity))
}

func TestAdapter_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t, local.New(), "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	_, err := s.adapter.Transfer(ctx, alice.DID, bob.DID, 0, "")
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))

	_, err = s.adapter.Fund(ctx, alice.DID, -5)
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))
}

func TestAdapter_BackendErrorPropagates(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream 502")
	backend := failingBackend{Backend: local.New(), err: boom}
	s := newSetup(t, backend, "cust_1")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	_, err := s.adapter.Transfer(ctx, alice.DID, bob.DID, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "upstream 502")
	assert.Contains(t, s.calls, "transfer:false")
}

func TestAdapter_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	s := newSetup(t, transferFailingBackend{Backend: local.New(), err: errors.New("backend down")}, "")
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	_, err := s.adapter.Transfer(context.Background(), alice.DID, bob.DID, 5, "memo")
	require.Error(t, err)

	var names []string
	var transfer sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
		if span.Name() == "ledger.transfer" {
			transfer = span
		}
	}
	assert.Contains(t, names, "ledger.create_customer")
	assert.Contains(t, names, "ledger.create_wallet")
	require.NotNil(t, transfer)
	assert.Equal(t, codes.Error, transfer.Status().Code)
}
