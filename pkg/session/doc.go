// Package session tracks which identity is speaking on which transport connection.
//
// Invariants:
// - A connection is bound to at most one identifier at a time.
// - Unbinding a connection never drops a newer connection of the same identifier.
//
// Usage:
//
//	mgr := session.NewManager(logger)
//	mgr.Bind(connID, did)
//	did, ok := mgr.Resolve(connID)
//	mgr.Unbind(connID)
package session
