package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/walta-ai/walta/internal/tracing"
)

// FallbackDecision is chosen when a decision has no options to fall back on
const FallbackDecision = "proceed"

// Decider turns a situation and a set of options into a decision
type Decider interface {
	Decide(ctx context.Context, situation string, options []string, decisionType string) (Decision, error)
}

// DecisionMaker is a Decider backed by LLM providers with profile failover
type DecisionMaker struct {
	persona     Persona
	factory     ProviderCreator
	temperature float64
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
	logger      zerolog.Logger

	profiles []AuthProfile
	authMu   sync.RWMutex
}

// DecisionConfig holds decision maker configuration
type DecisionConfig struct {
	Persona         Persona
	Profiles        []AuthProfile
	ProviderFactory ProviderCreator
	Temperature     float64
	MaxTokens       int
	MaxRetries      int
	RetryDelay      time.Duration
	Logger          zerolog.Logger
}

// NewDecisionMaker creates a decision maker for persona
func NewDecisionMaker(cfg DecisionConfig) (*DecisionMaker, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.ProviderFactory == nil {
		cfg.ProviderFactory = &ProviderFactory{}
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 300
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)

	return &DecisionMaker{
		persona:     cfg.Persona,
		factory:     cfg.ProviderFactory,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		logger:      cfg.Logger,
		profiles:    profiles,
	}, nil
}

// Decide asks the model to pick one of options. Output that is not a JSON
// decision falls back to the first option with the raw text as reasoning.
func (m *DecisionMaker) Decide(ctx context.Context, situation string, options []string, decisionType string) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "agent.decide",
		attribute.String("agent.name", m.persona.Name),
		attribute.String("decision.type", decisionType),
	)
	defer span.End()

	request := LLMRequest{
		SystemPrompt: buildSystemPrompt(m.persona, situation, options, decisionType),
		Messages:     []Message{{Role: "user", Content: "Make a decision about: " + situation}},
		Temperature:  m.temperature,
		MaxTokens:    m.maxTokens,
	}

	response, err := m.callWithFailover(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	decision := ParseDecision(response.Content, options)
	span.SetAttributes(
		attribute.String("decision", decision.Decision),
		attribute.String("decision.confidence", decision.Confidence),
	)
	return decision, nil
}

// ParseDecision interprets model output against the offered options
func ParseDecision(content string, options []string) Decision {
	fallback := FallbackDecision
	if len(options) > 0 {
		fallback = options[0]
	}

	var parsed Decision
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil || parsed.Decision == "" {
		return Decision{
			Decision:   fallback,
			Reasoning:  content,
			Confidence: ConfidenceMedium,
		}
	}

	parsed.Confidence = normalizeConfidence(parsed.Confidence)
	if len(options) > 0 && !containsOption(options, parsed.Decision) {
		parsed.Reasoning = fmt.Sprintf("model chose %q, not one of %v: %s", parsed.Decision, options, parsed.Reasoning)
		parsed.Decision = fallback
	}
	return parsed
}

// extractJSON strips a markdown code fence around the model output, if any
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func containsOption(options []string, choice string) bool {
	for _, option := range options {
		if option == choice {
			return true
		}
	}
	return false
}

func buildSystemPrompt(p Persona, situation string, options []string, decisionType string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s.\n\n", p.Name, p.Role)
	fmt.Fprintf(&b, "Personality: %s\n", strings.Join(p.PersonalityTraits, ", "))
	fmt.Fprintf(&b, "Expertise: %s\n", strings.Join(p.Expertise, ", "))
	fmt.Fprintf(&b, "Risk tolerance: %s\n", p.RiskTolerance)
	fmt.Fprintf(&b, "Decision style: %s\n\n", p.DecisionStyle)
	b.WriteString("You are an autonomous AI agent making decisions about identity verification, service requests, and USDC payments.\n\n")
	fmt.Fprintf(&b, "Context: %s\n", situation)
	fmt.Fprintf(&b, "Options: %s\n", strings.Join(options, ", "))
	fmt.Fprintf(&b, "Decision type: %s\n\n", decisionType)
	b.WriteString(`Respond ONLY in valid JSON format:
{
    "decision": "your_choice_from_options",
    "reasoning": "detailed_reasoning_for_decision",
    "confidence": "high/medium/low"
}`)
	return b.String()
}

// callWithFailover tries each usable profile in priority order
func (m *DecisionMaker) callWithFailover(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	m.authMu.RLock()
	profiles := make([]AuthProfile, len(m.profiles))
	copy(profiles, m.profiles)
	m.authMu.RUnlock()
	logger := tracing.LoggerFromContext(ctx, m.logger).With().Str("agent", m.persona.Name).Logger()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	var lastErr error

	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := m.factory.NewProvider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		req := request
		req.Model = profile.Model
		if req.Model == "" {
			req.Model = DefaultModel(profile.Provider)
		}

		response, err := m.callWithRetry(ctx, provider, req)
		if err == nil {
			m.updateProfileSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		m.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("every profile is in cooldown")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// callWithRetry calls provider with exponential backoff on retryable errors
func (m *DecisionMaker) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == m.maxRetries-1 {
			break
		}

		delay := m.retryDelay * time.Duration(1<<attempt)
		m.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("provider", provider.Provider()).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", m.maxRetries, lastErr)
}

func (m *DecisionMaker) updateProfileSuccess(profileID string) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	for i := range m.profiles {
		if m.profiles[i].ID == profileID {
			m.profiles[i].FailureCount = 0
			m.profiles[i].CooldownUntil = nil
			break
		}
	}
}

func (m *DecisionMaker) updateProfileFailure(profileID string) {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	for i := range m.profiles {
		if m.profiles[i].ID == profileID {
			m.profiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*m.profiles[i].FailureCount)
			m.profiles[i].CooldownUntil = &cooldownMs
			break
		}
	}
}
