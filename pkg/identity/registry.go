package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry maps identifiers to identity records. It is strictly additive.
type Registry struct {
	mu          sync.RWMutex
	identities  map[string]Identity
	provisioner Provisioner
	inboxes     InboxInitializer
	logger      zerolog.Logger
	now         func() time.Time
}

// Config holds registry dependencies
type Config struct {
	Provisioner Provisioner
	Inboxes     InboxInitializer
	Logger      zerolog.Logger
}

// NewRegistry creates a new identity registry
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}

	return &Registry{
		identities:  make(map[string]Identity),
		provisioner: cfg.Provisioner,
		inboxes:     cfg.Inboxes,
		logger:      cfg.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewDID generates a fresh identifier
func NewDID() string {
	return DIDPrefix + uuid.New().String()
}

// Register provisions a backend account for name and stores a new verified identity.
// Names are not unique keys; registering the same name twice yields two identities.
func (r *Registry) Register(ctx context.Context, name string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, ErrInvalidName
	}

	did := NewDID()

	// Provisioning talks to the backend, so it runs outside the registry lock.
	account, err := r.provisioner.Provision(ctx, name)
	if err != nil {
		return Identity{}, fmt.Errorf("provision account for %s: %w", name, err)
	}
	if account.WalletID == "" {
		return Identity{}, fmt.Errorf("%w: backend returned empty wallet for %s", ErrProvisioning, name)
	}

	record := Identity{
		DID:        did,
		Name:       name,
		WalletID:   account.WalletID,
		CustomerID: account.CustomerID,
		CreatedAt:  r.now(),
		Verified:   true,
	}

	r.mu.Lock()
	r.identities[did] = record
	r.mu.Unlock()

	if r.inboxes != nil {
		r.inboxes.Init(did)
	}

	r.logger.Info().
		Str("did", did).
		Str("name", name).
		Str("walletId", account.WalletID).
		Msg("Identity registered")

	return record, nil
}

// Exists reports whether did is registered and verified
func (r *Registry) Exists(did string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.identities[did]
	return ok && record.Verified
}

// Lookup returns the identity for did
func (r *Registry) Lookup(did string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.identities[did]
	return record, ok
}

// Count returns the number of registered identities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.identities)
}
