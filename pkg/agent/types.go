package agent

import (
	"strings"
	"time"
)

// Decision types recorded by agents
const (
	DecisionIdentityVerification = "identity_verification"
	DecisionServiceEvaluation    = "service_evaluation"
	DecisionServiceRequest       = "service_request"
)

// Confidence levels
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Persona shapes how an agent's decisions are framed for the model
type Persona struct {
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	Expertise         []string `json:"expertise"`
	PersonalityTraits []string `json:"personality_traits"`
	RiskTolerance     string   `json:"risk_tolerance"`
	DecisionStyle     string   `json:"decision_style"`
}

// Decision is the outcome of one decide call
type Decision struct {
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

// DecisionRecord is one entry of an agent's decision history
type DecisionRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Context      string    `json:"context"`
	DecisionType string    `json:"decision_type"`
	Decision
}

// Message is one turn sent to a model
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents credentials for one LLM provider
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "openai", "anthropic"
	APIKey        string `json:"api_key"`
	Model         string `json:"model,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}

// normalizeConfidence maps free-form confidence text onto high, medium or low
func normalizeConfidence(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ConfidenceHigh:
		return ConfidenceHigh
	case ConfidenceLow:
		return ConfidenceLow
	default:
		return ConfidenceMedium
	}
}

// shortDID abbreviates an identifier for prompts
func shortDID(did string) string {
	if len(did) <= 20 {
		return did
	}
	return did[:20] + "..."
}
