package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/walta-ai/walta/internal/config"
	"github.com/walta-ai/walta/pkg/agent"
	"github.com/walta-ai/walta/pkg/client"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run two LLM agents through a verify, request and pay round",
	Long: `Start an in-process gateway, connect a data scientist and a content creator
agent, fund their wallets and let them decide, through the configured LLM,
whether to verify each other, request a service and accept payment.`,
	RunE: runDemo,
}

var (
	demoService string
	demoBudget  float64
)

func init() {
	demoCmd.Flags().StringVar(&demoService, "service", "data_analysis", "service the content creator asks for")
	demoCmd.Flags().Float64Var(&demoBudget, "budget", 75, "USDC offered for the service")
	rootCmd.AddCommand(demoCmd)
}

// deciderFactory builds the decision maker for one persona
type deciderFactory func(persona agent.Persona) (agent.Decider, error)

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireAI(); err != nil {
		return err
	}

	logs, err := newLogger(cmd, cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logs.Close()
	log := logs.GetZerolog()

	// the demo never collides with a running gateway
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	_, err = runDemoRound(cmd.Context(), cmd.OutOrStdout(), cfg, log, llmDeciders(cfg, log), demoService, demoBudget)
	return err
}

func llmDeciders(cfg *config.Config, log zerolog.Logger) deciderFactory {
	return func(persona agent.Persona) (agent.Decider, error) {
		var profiles []agent.AuthProfile
		for _, p := range cfg.EffectiveProfiles() {
			profiles = append(profiles, agent.AuthProfile{
				ID:       p.ID,
				Provider: p.Provider,
				APIKey:   p.APIKey,
				Model:    p.Model,
				Priority: p.Priority,
			})
		}
		return agent.NewDecisionMaker(agent.DecisionConfig{
			Persona:     persona,
			Profiles:    profiles,
			Temperature: cfg.AI.Temperature,
			MaxTokens:   cfg.AI.MaxTokens,
			MaxRetries:  cfg.AI.MaxRetries,
			Logger:      log.With().Str("component", "decider").Logger(),
		})
	}
}

func personaFor(ac config.AgentConfig) agent.Persona {
	if ac.Persona == config.PersonaContentCreator {
		return agent.ContentCreator(ac.Name)
	}
	return agent.DataScientist(ac.Name)
}

// demoParticipant is a connected, registered and funded agent
type demoParticipant struct {
	agent  *agent.Agent
	client *client.Client
}

// runDemoRound runs the full commerce round and reports whether the payment
// went through. Agent declines are a normal outcome, not an error.
func runDemoRound(ctx context.Context, out io.Writer, cfg *config.Config, log zerolog.Logger, deciders deciderFactory, service string, budget float64) (bool, error) {
	provider, requester, err := pickDemoAgents(cfg.Agents)
	if err != nil {
		return false, err
	}

	fmt.Fprintln(out, "WALTA AI AGENT AUTONOMOUS COMMERCE")
	fmt.Fprintln(out, strings.Repeat("=", 60))

	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		return false, err
	}
	defer st.close()

	if err := st.server.Start(); err != nil {
		return false, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.server.Stop(stopCtx)
	}()

	url := fmt.Sprintf("ws://%s/ws", st.server.Addr())
	fmt.Fprintf(out, "Gateway running on %s\n", url)

	participants := make([]*demoParticipant, 0, 2)
	defer func() {
		for _, p := range participants {
			_ = p.client.Close()
		}
	}()

	for _, ac := range []config.AgentConfig{provider, requester} {
		p, err := joinDemo(ctx, url, ac, deciders, st, log)
		if err != nil {
			return false, err
		}
		participants = append(participants, p)
		fmt.Fprintf(out, "%s connected: %s\n", ac.Name, shortID(p.agent.DID(), 20))
	}
	alice, bob := participants[0].agent, participants[1].agent

	fmt.Fprintln(out, "\nFunding agent wallets (USD -> USDC)...")
	for i, ac := range []config.AgentConfig{provider, requester} {
		did := participants[i].agent.DID()
		if ac.InitialFunding > 0 {
			if _, err := st.payments.Fund(ctx, did, ac.InitialFunding); err != nil {
				return false, fmt.Errorf("failed to fund %s: %w", ac.Name, err)
			}
		}
		balance, err := st.payments.Balance(ctx, did)
		if err != nil {
			return false, fmt.Errorf("failed to read balance of %s: %w", ac.Name, err)
		}
		fmt.Fprintf(out, "%s: $%.2f USDC\n", ac.Name, balance.USDC)
	}

	success, err := demoCommerce(ctx, out, alice, bob, service, budget)
	if err != nil {
		return false, err
	}

	fmt.Fprintln(out, "\nFINAL RESULTS")
	fmt.Fprintln(out, strings.Repeat("=", 30))
	for _, p := range participants {
		if err := printAgentResult(ctx, out, p.agent); err != nil {
			return false, err
		}
	}

	fmt.Fprintln(out, "\n"+strings.Repeat("=", 60))
	if success {
		fmt.Fprintln(out, "AUTONOMOUS COMMERCE SUCCESSFUL")
	} else {
		fmt.Fprintln(out, "Commerce flow incomplete, check agent decisions")
	}
	return success, nil
}

func pickDemoAgents(agents []config.AgentConfig) (provider, requester config.AgentConfig, err error) {
	var haveProvider, haveRequester bool
	for _, ac := range agents {
		switch {
		case ac.Persona == config.PersonaDataScientist && !haveProvider:
			provider, haveProvider = ac, true
		case ac.Persona == config.PersonaContentCreator && !haveRequester:
			requester, haveRequester = ac, true
		}
	}
	if !haveProvider || !haveRequester {
		return provider, requester, fmt.Errorf("demo needs one data_scientist and one content_creator agent")
	}
	return provider, requester, nil
}

func joinDemo(ctx context.Context, url string, ac config.AgentConfig, deciders deciderFactory, st *stack, log zerolog.Logger) (*demoParticipant, error) {
	persona := personaFor(ac)

	decider, err := deciders(persona)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision maker for %s: %w", ac.Name, err)
	}

	c, err := client.Dial(ctx, url, client.WithLogger(log.With().Str("client", ac.Name).Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s: %w", ac.Name, err)
	}

	a, err := agent.New(agent.Config{
		Persona: persona,
		Decider: decider,
		Client:  c,
		Metrics: st.metrics,
		Logger:  log,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	if _, err := a.Register(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	return &demoParticipant{agent: a, client: c}, nil
}

func demoCommerce(ctx context.Context, out io.Writer, alice, bob *agent.Agent, service string, budget float64) (bool, error) {
	fmt.Fprintln(out, "\nPhase 1: AI Identity Verification")
	fmt.Fprintf(out, "%s evaluating whether to verify %s's identity...\n", alice.Name(), bob.Name())

	verified, err := alice.VerifyPeer(ctx, bob.DID())
	if err != nil {
		return false, err
	}
	if !verified {
		fmt.Fprintf(out, "%s declined to verify %s\n", alice.Name(), bob.Name())
		return false, nil
	}
	fmt.Fprintf(out, "%s verified %s's identity via Walta DID\n", alice.Name(), bob.Name())

	fmt.Fprintln(out, "\nPhase 2: AI Service Commerce")
	fmt.Fprintf(out, "%s evaluating whether to request %s from %s...\n", bob.Name(), service, alice.Name())

	requested, err := bob.RequestService(ctx, alice.DID(), service, budget)
	if err != nil {
		return false, err
	}
	if !requested {
		fmt.Fprintf(out, "%s declined to request service\n", bob.Name())
		return false, nil
	}
	fmt.Fprintf(out, "%s requested %s\n", bob.Name(), service)

	status, err := alice.Status(ctx)
	if err != nil {
		return false, err
	}
	if status.PendingMessages == 0 {
		fmt.Fprintln(out, "Service request not received")
		return false, nil
	}

	fmt.Fprintf(out, "%s evaluating %s's service request...\n", alice.Name(), bob.Name())
	accepted, err := alice.EvaluateServiceRequest(ctx, bob.DID(), service, budget)
	if err != nil {
		return false, err
	}
	if !accepted {
		fmt.Fprintf(out, "%s declined the service request\n", alice.Name())
		return false, nil
	}
	fmt.Fprintf(out, "%s accepted service and processed payment\n", alice.Name())
	return true, nil
}

func printAgentResult(ctx context.Context, out io.Writer, a *agent.Agent) error {
	status, err := a.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s:\n", status.Name)
	fmt.Fprintf(out, "   DID: %s\n", shortID(status.DID, 25))
	fmt.Fprintf(out, "   Role: %s\n", status.Role)
	fmt.Fprintf(out, "   Balance: $%.2f USDC\n", status.Balance.USDC)
	fmt.Fprintf(out, "   AI Decisions Made: %d\n", status.DecisionsMade)

	if history := a.History(); len(history) > 0 {
		last := history[len(history)-1]
		fmt.Fprintf(out, "   Last Decision: %s\n", last.Decision.Decision)
		fmt.Fprintf(out, "   Reasoning: %s\n", shortID(last.Reasoning, 80))
	}
	return nil
}

func shortID(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
