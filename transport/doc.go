// Package transport implements the device-side connection manager.
//
// A Client owns one WebSocket link to the controller. Network I/O runs on
// internal goroutines, but every listener callback is redelivered onto a
// single coordination goroutine, so the caller observes a strictly ordered
// single-threaded view of connection events and inbound messages.
//
// Sends never block on network I/O. While disconnected, outbound messages
// accumulate in a bounded drop-oldest queue and are flushed in FIFO order
// when the link comes up. Connection failures trigger a fixed-delay
// reconnect schedule bounded by a maximum attempt count; exhausting the
// attempts is terminal until the caller issues a new Connect.
package transport
