package client

import (
	"context"
	"encoding/json"

	"github.com/walta-ai/walta/pkg/gateway"
	"github.com/walta-ai/walta/pkg/identity"
	"github.com/walta-ai/walta/pkg/inbox"
	"github.com/walta-ai/walta/pkg/ledger"
)

func method(name string) string {
	return gateway.MethodPrefix + name
}

// Verification is the result of verify_identity
type Verification struct {
	Verified bool               `json:"verified"`
	Identity *identity.Identity `json:"identity"`
}

// Payment is the result of accept_service
type Payment struct {
	Processed bool                   `json:"payment_processed"`
	Transfer  map[string]interface{} `json:"transfer_result"`
}

// Register registers name and binds this connection to the new identity
func (c *Client) Register(ctx context.Context, name string) (string, error) {
	var result struct {
		DID    string `json:"agent_did"`
		Status string `json:"status"`
	}
	if err := c.CallInto(ctx, method(gateway.MethodRegister), map[string]interface{}{"agent_name": name}, &result); err != nil {
		return "", err
	}

	c.didMu.Lock()
	c.did = result.DID
	c.didMu.Unlock()

	c.logger.Info().Str("did", result.DID).Str("name", name).Msg("Agent registered")
	return result.DID, nil
}

// VerifyIdentity asks whether target is a registered identity
func (c *Client) VerifyIdentity(ctx context.Context, target string) (Verification, error) {
	var result Verification
	err := c.CallInto(ctx, method(gateway.MethodVerifyIdentity), map[string]interface{}{"target_did": target}, &result)
	return result, err
}

// RequestService queues a service request in the provider's inbox
func (c *Client) RequestService(ctx context.Context, provider, service string, offeredAmount float64) (bool, error) {
	var result struct {
		Requested bool `json:"service_requested"`
	}
	err := c.CallInto(ctx, method(gateway.MethodRequestService), map[string]interface{}{
		"provider_did":   provider,
		"service_name":   service,
		"offered_amount": offeredAmount,
	}, &result)
	return result.Requested, err
}

// AcceptService accepts a request addressed to this client and collects amount
// from the requester. Pass WithIdempotencyKey to make retries safe.
func (c *Client) AcceptService(ctx context.Context, requester, service string, amount float64, opts ...CallOption) (Payment, error) {
	did := c.DID()
	if did == "" {
		return Payment{}, ErrNotRegistered
	}

	var result Payment
	err := c.CallInto(ctx, method(gateway.MethodAcceptService), map[string]interface{}{
		"provider_did":  did,
		"requester_did": requester,
		"service_name":  service,
		"amount":        amount,
	}, &result, opts...)
	return result, err
}

// GetBalance returns the balance of did, or of this client's identity when did is empty
func (c *Client) GetBalance(ctx context.Context, did string) (ledger.Balance, error) {
	if did == "" {
		did = c.DID()
	}
	if did == "" {
		return ledger.Balance{}, ErrNotRegistered
	}

	var result struct {
		Balance ledger.Balance `json:"balance"`
	}
	err := c.CallInto(ctx, method(gateway.MethodGetBalance), map[string]interface{}{"agent_did": did}, &result)
	return result.Balance, err
}

// GetMessages returns this client's inbox, optionally only msgType messages
func (c *Client) GetMessages(ctx context.Context, msgType string) ([]inbox.Message, error) {
	did := c.DID()
	if did == "" {
		return nil, ErrNotRegistered
	}

	params := map[string]interface{}{"agent_did": did}
	if msgType != "" {
		params["message_type"] = msgType
	}

	var result struct {
		Messages []inbox.Message `json:"messages"`
		Count    int             `json:"count"`
	}
	if err := c.CallInto(ctx, method(gateway.MethodGetMessages), params, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// ClearMessages removes messages from this client's inbox and returns how many were removed
func (c *Client) ClearMessages(ctx context.Context, msgType string) (int, error) {
	did := c.DID()
	if did == "" {
		return 0, ErrNotRegistered
	}

	params := map[string]interface{}{"agent_did": did}
	if msgType != "" {
		params["message_type"] = msgType
	}

	var result struct {
		Cleared int `json:"cleared"`
	}
	err := c.CallInto(ctx, method(gateway.MethodClearMessages), params, &result)
	return result.Cleared, err
}

// OnMessage registers fn for messages pushed by the server as they are enqueued
func (c *Client) OnMessage(fn func(inbox.Message)) {
	c.Handle(gateway.NotificationMessage, func(params json.RawMessage) {
		var msg inbox.Message
		if err := json.Unmarshal(params, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed message notification")
			return
		}
		fn(msg)
	})
}
