// Package session tracks live device connections on the controller side.
//
// Each accepted WebSocket connection gets a Session with a generated UUID.
// The Registry is the single source of truth for which devices are
// reachable: the server registers a session on upgrade, the dispatcher
// stamps inbound messages with the session ID, and outbound action sends
// resolve their target connection through it.
//
// Sessions idle out. A background sweep closes and removes sessions whose
// last activity is older than the configured idle timeout, and ListActive
// additionally evicts expired sessions lazily so callers never observe a
// stale entry even between sweeps.
package session
