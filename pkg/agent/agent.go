package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/walta-ai/walta/internal/metrics"
	"github.com/walta-ai/walta/pkg/client"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
)

// DefaultPollSchedule is how often a running agent checks its inbox
const DefaultPollSchedule = "@every 5s"

// Gateway is the subset of the gateway client an agent acts through
type Gateway interface {
	Register(ctx context.Context, name string) (string, error)
	DID() string
	VerifyIdentity(ctx context.Context, target string) (client.Verification, error)
	RequestService(ctx context.Context, provider, service string, offeredAmount float64) (bool, error)
	AcceptService(ctx context.Context, requester, service string, amount float64, opts ...client.CallOption) (client.Payment, error)
	GetBalance(ctx context.Context, did string) (ledger.Balance, error)
	GetMessages(ctx context.Context, msgType string) ([]inbox.Message, error)
}

// Status is a snapshot of an agent
type Status struct {
	Name            string         `json:"name"`
	DID             string         `json:"did"`
	Role            string         `json:"role"`
	Balance         ledger.Balance `json:"balance"`
	PendingMessages int            `json:"pending_messages"`
	DecisionsMade   int            `json:"decisions_made"`
}

// Agent is an autonomous participant that decides, through its Decider, how
// to verify peers and trade services
type Agent struct {
	persona  Persona
	decider  Decider
	gateway  Gateway
	metrics  *metrics.Metrics
	schedule string
	logger   zerolog.Logger

	mu      sync.RWMutex
	history []DecisionRecord
	seen    map[string]struct{}

	cronMu sync.Mutex
	cron   *cron.Cron
}

// Config holds agent configuration
type Config struct {
	Persona      Persona
	Decider      Decider
	Client       Gateway
	Metrics      *metrics.Metrics
	PollSchedule string
	Logger       zerolog.Logger
}

// New creates a new agent
func New(cfg Config) (*Agent, error) {
	if cfg.Persona.Name == "" {
		return nil, fmt.Errorf("persona name is required")
	}
	if cfg.Decider == nil {
		return nil, fmt.Errorf("decider is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("gateway client is required")
	}
	if cfg.PollSchedule == "" {
		cfg.PollSchedule = DefaultPollSchedule
	}

	return &Agent{
		persona:  cfg.Persona,
		decider:  cfg.Decider,
		gateway:  cfg.Client,
		metrics:  cfg.Metrics,
		schedule: cfg.PollSchedule,
		logger:   cfg.Logger.With().Str("agent", cfg.Persona.Name).Logger(),
		seen:     make(map[string]struct{}),
	}, nil
}

// Name returns the agent's name
func (a *Agent) Name() string {
	return a.persona.Name
}

// DID returns the agent's identifier, or "" before Register
func (a *Agent) DID() string {
	return a.gateway.DID()
}

// Register registers the agent with the gateway
func (a *Agent) Register(ctx context.Context) (string, error) {
	did, err := a.gateway.Register(ctx, a.persona.Name)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", a.persona.Name, err)
	}
	return did, nil
}

func (a *Agent) decide(ctx context.Context, situation string, options []string, decisionType string) (Decision, error) {
	decision, err := a.decider.Decide(ctx, situation, options, decisionType)
	if err != nil {
		return Decision{}, fmt.Errorf("%s decision: %w", decisionType, err)
	}

	a.mu.Lock()
	a.history = append(a.history, DecisionRecord{
		Timestamp:    time.Now().UTC(),
		Context:      situation,
		DecisionType: decisionType,
		Decision:     decision,
	})
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.AgentDecisionsTotal.WithLabelValues(decisionType, decision.Confidence).Inc()
	}

	a.logger.Info().
		Str("type", decisionType).
		Str("decision", decision.Decision).
		Str("confidence", decision.Confidence).
		Msg("Decision made")

	return decision, nil
}

// VerifyPeer lets the agent decide whether to verify peer, and verifies it if so
func (a *Agent) VerifyPeer(ctx context.Context, peer string) (bool, error) {
	situation := fmt.Sprintf("Unknown agent with DID %s wants to interact with me. Should I verify their identity for security?", shortDID(peer))

	decision, err := a.decide(ctx, situation, []string{"verify", "skip"}, DecisionIdentityVerification)
	if err != nil {
		return false, err
	}
	if decision.Decision != "verify" {
		return false, nil
	}

	result, err := a.gateway.VerifyIdentity(ctx, peer)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", peer, err)
	}
	return result.Verified, nil
}

// EvaluateServiceRequest decides on a request addressed to this agent and
// collects payment when it accepts
func (a *Agent) EvaluateServiceRequest(ctx context.Context, requester, service string, offeredAmount float64) (bool, error) {
	situation := fmt.Sprintf("Agent %s requests '%s' service for $%.2f USDC. My expertise: %v",
		shortDID(requester), service, offeredAmount, a.persona.Expertise)

	decision, err := a.decide(ctx, situation, []string{"accept", "reject"}, DecisionServiceEvaluation)
	if err != nil {
		return false, err
	}
	if decision.Decision != "accept" {
		return false, nil
	}

	payment, err := a.gateway.AcceptService(ctx, requester, service, offeredAmount)
	if err != nil {
		return false, fmt.Errorf("accept %s: %w", service, err)
	}
	return payment.Processed, nil
}

// RequestService decides whether to ask provider for service. The request is
// only sent when the agent's balance covers maxBudget.
func (a *Agent) RequestService(ctx context.Context, provider, service string, maxBudget float64) (bool, error) {
	balance, err := a.gateway.GetBalance(ctx, "")
	if err != nil {
		return false, fmt.Errorf("balance: %w", err)
	}

	situation := fmt.Sprintf("I need '%s' service from %s Budget: $%.2f, My balance: $%.2f USDC",
		service, shortDID(provider), maxBudget, balance.USDC)

	decision, err := a.decide(ctx, situation, []string{"request", "skip"}, DecisionServiceRequest)
	if err != nil {
		return false, err
	}
	if decision.Decision != "request" {
		return false, nil
	}
	if balance.USDC < maxBudget {
		a.logger.Info().
			Float64("balance", balance.USDC).
			Float64("budget", maxBudget).
			Msg("Balance does not cover budget, not requesting")
		return false, nil
	}

	requested, err := a.gateway.RequestService(ctx, provider, service, maxBudget)
	if err != nil {
		return false, fmt.Errorf("request %s: %w", service, err)
	}
	return requested, nil
}

// ProcessInbox evaluates every service request not handled before and returns
// the number evaluated. A request whose evaluation fails is retried on the next call.
func (a *Agent) ProcessInbox(ctx context.Context) (int, error) {
	messages, err := a.gateway.GetMessages(ctx, inbox.MessageTypeServiceRequest)
	if err != nil {
		return 0, fmt.Errorf("fetch inbox: %w", err)
	}

	processed := 0
	for _, msg := range messages {
		key := fmt.Sprintf("%s|%d", msg.From, msg.Timestamp.UnixNano())
		a.mu.Lock()
		_, done := a.seen[key]
		if !done {
			a.seen[key] = struct{}{}
		}
		a.mu.Unlock()
		if done {
			continue
		}

		service, _ := msg.Payload["service_name"].(string)
		amount, _ := msg.Payload["offered_amount"].(float64)
		if service == "" || amount <= 0 {
			a.logger.Warn().Str("from", msg.From).Msg("Skipping malformed service request")
			continue
		}

		accepted, err := a.EvaluateServiceRequest(ctx, msg.From, service, amount)
		if err != nil {
			// forget the request so the next poll retries it
			a.mu.Lock()
			delete(a.seen, key)
			a.mu.Unlock()
			a.logger.Error().Err(err).Str("from", msg.From).Str("service", service).Msg("Service evaluation failed")
			continue
		}
		processed++

		a.logger.Info().
			Str("from", msg.From).
			Str("service", service).
			Float64("amount", amount).
			Bool("accepted", accepted).
			Msg("Service request evaluated")
	}

	return processed, nil
}

// Start polls the inbox on the agent's schedule until Stop
func (a *Agent) Start(ctx context.Context) error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()

	if a.cron != nil {
		return fmt.Errorf("agent %s already running", a.persona.Name)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(a.schedule, func() {
		if _, err := a.ProcessInbox(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Inbox poll failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", a.schedule, err)
	}

	c.Start()
	a.cron = c
	a.logger.Debug().Str("schedule", a.schedule).Msg("Inbox polling started")
	return nil
}

// Stop stops inbox polling and waits for a running poll to finish
func (a *Agent) Stop() {
	a.cronMu.Lock()
	c := a.cron
	a.cron = nil
	a.cronMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// History returns a copy of the agent's decisions, oldest first
func (a *Agent) History() []DecisionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]DecisionRecord, len(a.history))
	copy(out, a.history)
	return out
}

// Status reports balance, pending messages and decision count
func (a *Agent) Status(ctx context.Context) (Status, error) {
	balance, err := a.gateway.GetBalance(ctx, "")
	if err != nil {
		return Status{}, fmt.Errorf("balance: %w", err)
	}
	messages, err := a.gateway.GetMessages(ctx, "")
	if err != nil {
		return Status{}, fmt.Errorf("messages: %w", err)
	}

	a.mu.RLock()
	decisions := len(a.history)
	a.mu.RUnlock()

	return Status{
		Name:            a.persona.Name,
		DID:             a.gateway.DID(),
		Role:            a.persona.Role,
		Balance:         balance,
		PendingMessages: len(messages),
		DecisionsMade:   decisions,
	}, nil
}
