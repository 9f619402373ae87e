package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/walta-ai/walta/internal/config"
	"github.com/walta-ai/walta/internal/metrics"
	"github.com/walta-ai/walta/internal/observability"
	"github.com/walta-ai/walta/internal/tracing"
	"github.com/walta-ai/walta/pkg/gateway"
	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
	"github.com/walta-ai/walta/pkg/ledger/bridge"
	"github.com/walta-ai/walta/pkg/ledger/local"
	"github.com/walta-ai/walta/pkg/ledger/postgres"
	"github.com/walta-ai/walta/pkg/session"
)

// stack is a fully wired gateway with its registries and backends
type stack struct {
	server     *gateway.Server
	identities *identity.Registry
	messages   *inbox.Queue
	payments   *ledger.Adapter
	sessions   *session.Manager
	metrics    *metrics.Metrics

	closers []func()
}

// buildStack wires registries, ledger backend, response cache and gateway
// server from cfg. The server is not started.
func buildStack(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stack, error) {
	st := &stack{metrics: metrics.NewMetrics()}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		st.closers = append(st.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
		})
	}

	backend, err := st.ledgerBackend(ctx, cfg, log)
	if err != nil {
		st.close()
		return nil, err
	}

	st.payments, err = ledger.NewAdapter(ledger.AdapterConfig{
		Backend:    backend,
		CustomerID: cfg.Ledger.CustomerID,
		Observer:   st.metrics.ObserveLedgerCall,
		Logger:     log.With().Str("component", "ledger").Logger(),
	})
	if err != nil {
		st.close()
		return nil, err
	}

	st.messages = inbox.NewQueue(log.With().Str("component", "inbox").Logger(),
		inbox.WithEnqueueHook(func(msg inbox.Message) {
			st.server.NotifyMessage(msg)
		}),
	)

	st.identities, err = identity.NewRegistry(identity.Config{
		Provisioner: st.payments,
		Inboxes:     st.messages,
		Logger:      log.With().Str("component", "identity").Logger(),
	})
	if err != nil {
		st.close()
		return nil, err
	}
	st.payments.SetIdentityLookup(st.identities)
	st.messages.SetIdentityChecker(st.identities)

	st.sessions = session.NewManager(log.With().Str("component", "session").Logger())

	cache, err := st.responseCache(ctx, cfg, log)
	if err != nil {
		st.close()
		return nil, err
	}

	var audit *observability.AuditLogger
	if cfg.Logging.AuditFile != "" {
		audit, err = observability.OpenAuditLog(cfg.Logging.AuditFile)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		st.closers = append(st.closers, func() { _ = audit.Close() })
	}

	st.server, err = gateway.NewServer(gateway.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Identities:     st.identities,
		Messages:       st.messages,
		Payments:       st.payments,
		Sessions:       st.sessions,
		Cache:          cache,
		IdempotencyTTL: time.Duration(cfg.Idempotency.TTL) * time.Second,
		Metrics:        st.metrics,
		Audit:          audit,
		Logger:         log.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		st.close()
		return nil, err
	}

	return st, nil
}

func (st *stack) ledgerBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ledger.Backend, error) {
	switch cfg.Ledger.Backend {
	case config.LedgerBridge:
		client, err := bridge.New(bridge.Config{
			BaseURL: cfg.Bridge.BaseURL,
			APIKey:  cfg.Bridge.APIKey,
			Timeout: time.Duration(cfg.Bridge.Timeout) * time.Second,
			Logger:  log.With().Str("component", "bridge").Logger(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bridge client: %w", err)
		}
		log.Info().Str("baseUrl", cfg.Bridge.BaseURL).Msg("Using Bridge ledger")
		return client, nil

	case config.LedgerPostgres:
		pool, err := postgres.Connect(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
		}
		st.closers = append(st.closers, pool.Close)

		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
		}
		log.Info().Msg("Using PostgreSQL ledger")
		return pg, nil

	default:
		log.Warn().Msg("Using in-memory ledger, balances are lost on exit")
		return local.New(), nil
	}
}

func (st *stack) responseCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (gateway.ResponseCache, error) {
	if cfg.Idempotency.Backend != config.CacheRedis {
		return gateway.NewMemoryCache(), nil
	}

	client, err := gateway.NewRedisClient(ctx, cfg.Idempotency.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	st.closers = append(st.closers, func() { _ = client.Close() })

	log.Info().Msg("Using Redis idempotency cache")
	return gateway.NewRedisCache(client), nil
}

// close releases backends in reverse order of acquisition
func (st *stack) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
	st.closers = nil
}
