package identity

import (
	"context"
	"errors"
	"time"
)

// DIDPrefix is the method prefix of every identifier issued by the registry
const DIDPrefix = "did:walta:"

var (
	// ErrUnknownIdentity is returned when an operation references an identifier that was never registered
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrInvalidName is returned when a registration carries an empty agent name
	ErrInvalidName = errors.New("agent name is required")

	// ErrProvisioning is returned when the ledger backend did not hand back a usable account
	ErrProvisioning = errors.New("account provisioning failed")
)

// Identity is the immutable record created for a registered agent
type Identity struct {
	DID        string    `json:"did"`
	Name       string    `json:"name"`
	WalletID   string    `json:"wallet_id"`
	CustomerID string    `json:"customer_id"`
	CreatedAt  time.Time `json:"created_at"`
	Verified   bool      `json:"verified"`
}

// Account is the pair of backend handles obtained when provisioning an agent
type Account struct {
	WalletID   string
	CustomerID string
}

// Provisioner creates backend accounts for new identities
type Provisioner interface {
	Provision(ctx context.Context, name string) (Account, error)
}

// InboxInitializer is notified of every new identifier so an empty inbox exists for it
type InboxInitializer interface {
	Init(did string)
}
