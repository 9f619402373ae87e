// Package agent implements autonomous agents that trade services over the gateway.
//
// Invariants:
// - Every decision comes from a Decider and is recorded in the agent's history.
// - A decision outside the offered options is coerced to the fallback choice.
// - Agents act only through the gateway client; they never touch the ledger directly.
//
// Usage:
//
//	maker, _ := agent.NewDecisionMaker(agent.DecisionConfig{
//		Persona:  agent.DataScientist("alice"),
//		Profiles: []agent.AuthProfile{{ID: "openai", Provider: "openai", APIKey: key}},
//	})
//	a, _ := agent.New(agent.Config{Persona: agent.DataScientist("alice"), Decider: maker, Client: c})
//	_, _ = a.Register(ctx)
//	_, _ = a.VerifyPeer(ctx, peerDID)
package agent
