package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== Walta Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Ledger
	fmt.Fprintln(w.out, "Ledger backend options:")
	fmt.Fprintln(w.out, "  local    - in-memory balances, for development (default)")
	fmt.Fprintln(w.out, "  bridge   - USDC wallets through the Bridge API")
	fmt.Fprintln(w.out, "  postgres - double-entry ledger in PostgreSQL")
	backend, err := w.ask("Ledger backend [local]: ")
	if err != nil {
		return nil, err
	}
	if backend != "" {
		if err := validator.ValidateLedgerBackend(backend); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (local)\n", err)
		} else {
			cfg.Ledger.Backend = backend
		}
	}

	switch cfg.Ledger.Backend {
	case LedgerBridge:
		for {
			key, err := w.ask("Bridge API Key: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateBridgeKey(key); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Bridge.APIKey = key
			break
		}

		customer, err := w.ask("Existing Bridge customer ID (press Enter to create one per agent): ")
		if err != nil {
			return nil, err
		}
		cfg.Ledger.CustomerID = customer
	case LedgerPostgres:
		for {
			dsn, err := w.ask("PostgreSQL URL: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateURL(dsn, "postgres", "postgresql"); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Ledger.DatabaseURL = dsn
			break
		}
	}

	fmt.Fprintln(w.out)

	// API Keys
	fmt.Fprintln(w.out, "LLM API Keys (needed by `walta demo`):")

	for {
		key, err := w.ask("OpenAI API Key (press Enter to skip): ")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.AI.OpenAIAPIKey = key
		break
	}

	for {
		key, err := w.ask("Anthropic API Key (press Enter to skip): ")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.AI.AnthropicAPIKey = key
		break
	}

	fmt.Fprintln(w.out)

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
