package gateway

import (
	"github.com/rs/zerolog"
)

// Notification methods pushed to connected agents
const (
	NotificationMessage  = "walta.message"
	NotificationShutdown = "walta.shutdown"
)

// Notifier pushes JSON-RPC notifications to connected peers
type Notifier struct {
	conns    *ConnRegistry
	sessions Sessions
	logger   zerolog.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(conns *ConnRegistry, sessions Sessions, logger zerolog.Logger) *Notifier {
	return &Notifier{
		conns:    conns,
		sessions: sessions,
		logger:   logger,
	}
}

// Notify sends a notification to the connection bound to did. It reports
// whether a connection was found and the write succeeded.
func (n *Notifier) Notify(did, method string, params interface{}) bool {
	connID, ok := n.sessions.Connection(did)
	if !ok {
		n.logger.Debug().Str("did", did).Str("method", method).Msg("No connection to notify")
		return false
	}
	conn, ok := n.conns.Get(connID)
	if !ok {
		return false
	}

	msg := RPCNotification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
	if err := conn.WriteJSON(msg); err != nil {
		n.logger.Warn().
			Err(err).
			Str("connId", connID).
			Str("did", did).
			Str("method", method).
			Msg("Failed to notify peer")
		return false
	}
	return true
}

// Broadcast sends a notification to every open connection and returns the number delivered
func (n *Notifier) Broadcast(method string, params interface{}) int {
	msg := RPCNotification{JSONRPC: JSONRPCVersion, Method: method, Params: params}

	conns := n.conns.GetAll()
	if len(conns) == 0 {
		n.logger.Debug().Str("method", method).Msg("No connections to broadcast to")
		return 0
	}

	successCount := 0
	failureCount := 0
	for _, conn := range conns {
		if err := conn.WriteJSON(msg); err != nil {
			n.logger.Warn().
				Err(err).
				Str("connId", conn.ID).
				Str("method", method).
				Msg("Failed to broadcast to peer")
			failureCount++
		} else {
			successCount++
		}
	}

	n.logger.Debug().
		Str("method", method).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Broadcast complete")
	return successCount
}
