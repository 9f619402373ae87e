package gateway

import (
	"context"
	"fmt"

	"github.com/walta-ai/walta/internal/tracing"
	"github.com/walta-ai/walta/pkg/inbox"
)

// Method names, without the optional namespace prefix
const (
	MethodRegister       = "register"
	MethodVerifyIdentity = "verify_identity"
	MethodRequestService = "request_service"
	MethodAcceptService  = "accept_service"
	MethodGetBalance     = "get_balance"
	MethodGetMessages    = "get_messages"
	MethodClearMessages  = "clear_messages"
)

// MethodSpecs returns the parameter schema of every built-in method
func MethodSpecs() map[string]MethodSpec {
	return map[string]MethodSpec{
		MethodRegister: {
			Message: "Missing agent_name",
			Params:  []ParamSpec{{Name: "agent_name", Type: ParamString, Required: true}},
		},
		MethodVerifyIdentity: {
			Message: "Missing target_did",
			Params:  []ParamSpec{{Name: "target_did", Type: ParamString, Required: true}},
		},
		MethodRequestService: {
			Message: "Missing parameters",
			Params: []ParamSpec{
				{Name: "provider_did", Type: ParamString, Required: true},
				{Name: "service_name", Type: ParamString, Required: true},
				{Name: "offered_amount", Type: ParamAmount, Required: true},
			},
		},
		MethodAcceptService: {
			Message: "Missing parameters",
			Params: []ParamSpec{
				{Name: "provider_did", Type: ParamString, Required: true},
				{Name: "requester_did", Type: ParamString, Required: true},
				{Name: "service_name", Type: ParamString, Required: true},
				{Name: "amount", Type: ParamAmount, Required: true},
			},
		},
		MethodGetBalance: {
			Message: "Missing agent_did",
			Params:  []ParamSpec{{Name: "agent_did", Type: ParamString, Required: true}},
		},
		MethodGetMessages: {
			Message: "Missing agent_did",
			Params:  []ParamSpec{{Name: "agent_did", Type: ParamString, Required: true}},
		},
		MethodClearMessages: {
			Message: "Missing agent_did",
			Params:  []ParamSpec{{Name: "agent_did", Type: ParamString, Required: true}},
		},
	}
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod(MethodRegister, s.handleRegister)
	_ = s.RegisterMethod(MethodVerifyIdentity, s.handleVerifyIdentity)
	_ = s.RegisterMethod(MethodRequestService, s.handleRequestService)
	_ = s.RegisterMethod(MethodAcceptService, s.handleAcceptService)
	_ = s.RegisterMethod(MethodGetBalance, s.handleGetBalance)
	_ = s.RegisterMethod(MethodGetMessages, s.handleGetMessages)
	_ = s.RegisterMethod(MethodClearMessages, s.handleClearMessages)
}

func stringParam(params map[string]interface{}, name string) string {
	value, _ := params[name].(string)
	return value
}

func amountParam(params map[string]interface{}, name string) (float64, bool) {
	switch v := params[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// handleRegister handles the register RPC method
func (s *Server) handleRegister(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name := stringParam(params, "agent_name")
	if name == "" {
		return nil, NewInvalidParams("Missing agent_name")
	}

	record, err := s.identities.Register(ctx, name)
	s.audit.RecordRegistration(ctx, name, record.DID, err)
	if err != nil {
		return nil, NewInternalError("Registration failed: %v", err)
	}

	if connID := tracing.GetConnID(ctx); connID != "" {
		s.sessions.Bind(connID, record.DID)
	}
	if s.metrics != nil {
		s.metrics.IdentitiesRegisteredTotal.Inc()
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("did", record.DID).
		Str("name", record.Name).
		Msg("Agent registered")

	return map[string]interface{}{
		"agent_did": record.DID,
		"status":    "registered",
	}, nil
}

// handleVerifyIdentity handles the verify_identity RPC method
func (s *Server) handleVerifyIdentity(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	target := stringParam(params, "target_did")
	if target == "" {
		return nil, NewInvalidParams("Missing target_did")
	}

	verified := s.identities.Exists(target)
	var snapshot interface{}
	if verified {
		if record, ok := s.identities.Lookup(target); ok {
			snapshot = record
		}
	}

	return map[string]interface{}{
		"verified": verified,
		"identity": snapshot,
	}, nil
}

// handleRequestService handles the request_service RPC method. The sender is
// the identity bound to the calling connection.
func (s *Server) handleRequestService(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	provider := stringParam(params, "provider_did")
	service := stringParam(params, "service_name")
	amount, ok := amountParam(params, "offered_amount")
	if provider == "" || service == "" || !ok || amount <= 0 {
		return nil, NewInvalidParams("Missing parameters")
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)

	requester, bound := s.sessions.Resolve(tracing.GetConnID(ctx))
	if !bound {
		logger.Warn().Str("provider", provider).Msg("Service request from unbound connection")
		return map[string]interface{}{"service_requested": false}, nil
	}

	sent := s.messages.Send(requester, provider, inbox.MessageTypeServiceRequest, map[string]interface{}{
		"service_name":   service,
		"offered_amount": amount,
	})
	s.audit.RecordServiceRequest(ctx, requester, provider, service, amount, sent)

	logger.Info().
		Str("requester", requester).
		Str("provider", provider).
		Str("service", service).
		Float64("amount", amount).
		Bool("sent", sent).
		Msg("Service requested")

	return map[string]interface{}{"service_requested": sent}, nil
}

// handleAcceptService handles the accept_service RPC method by paying the provider
func (s *Server) handleAcceptService(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	provider := stringParam(params, "provider_did")
	requester := stringParam(params, "requester_did")
	service := stringParam(params, "service_name")
	amount, ok := amountParam(params, "amount")
	if provider == "" || requester == "" || service == "" || !ok || amount <= 0 {
		return nil, NewInvalidParams("Missing parameters")
	}

	result, err := s.payments.Transfer(ctx, requester, provider, amount, fmt.Sprintf("Payment for %s", service))
	transferID, _ := result["id"].(string)
	s.audit.RecordPayment(ctx, requester, provider, service, amount, transferID, err)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().
			Err(err).
			Str("requester", requester).
			Str("provider", provider).
			Msg("Service payment failed")
		return nil, NewInternalError("Payment failed: %v", err)
	}

	return map[string]interface{}{
		"payment_processed": true,
		"transfer_result":   result,
	}, nil
}

// handleGetBalance handles the get_balance RPC method
func (s *Server) handleGetBalance(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	did := stringParam(params, "agent_did")
	if did == "" {
		return nil, NewInvalidParams("Missing agent_did")
	}

	balance, err := s.payments.Balance(ctx, did)
	if err != nil {
		return nil, NewInternalError("Balance query failed: %v", err)
	}

	return map[string]interface{}{"balance": balance}, nil
}

// handleGetMessages handles the get_messages RPC method
func (s *Server) handleGetMessages(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	did := stringParam(params, "agent_did")
	if did == "" {
		return nil, NewInvalidParams("Missing agent_did")
	}

	messages := s.messages.Receive(did, stringParam(params, "message_type"))
	return map[string]interface{}{
		"messages": messages,
		"count":    len(messages),
	}, nil
}

// handleClearMessages handles the clear_messages RPC method
func (s *Server) handleClearMessages(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	did := stringParam(params, "agent_did")
	if did == "" {
		return nil, NewInvalidParams("Missing agent_did")
	}

	cleared := s.messages.Clear(did, stringParam(params, "message_type"))
	return map[string]interface{}{"cleared": cleared}, nil
}
