// Package devicebridge is the control-plane protocol binding an external
// automation controller to a running mobile application instance.
//
// The controller issues UI-manipulation commands over a WebSocket link and
// learns, from empirical evidence rather than assumption, whether an action
// actually changed the screen.
//
// # Architecture
//
// DeviceBridge has two sides connected by a dual-format wire protocol:
//
//	┌──────────────────┐          ┌───────────────────┐
//	│  Controller side │          │    Device side    │
//	│                  │          │                   │
//	│  server          │◄── ws ──►│  transport        │
//	│  session         │          │  verify           │
//	│  dispatch        │          │                   │
//	└──────────────────┘          └───────────────────┘
//	          └───────── wire ─────────┘
//
// The wire package encodes and decodes logical messages in two coexisting
// framings: legacy single-type-byte frames and a JSON envelope carrying a
// messageType discriminator. The server package accepts device connections,
// tracks one session per live connection in the session registry, and feeds
// decoded frames through the dispatch package to an external decision
// callback. On the device, the transport package maintains the outbound
// link with bounded drop-oldest queueing and a fixed-delay reconnect
// policy, and the verify package samples application state after an action
// to produce an evidenced change verdict.
//
// DeviceBridge is not a general RPC framework: it supports exactly the
// message kinds the wire package enumerates, and delivery is at-most-once
// per live connection with manual replay through the bounded retry queue.
//
// # Layering rules
//
// Leaf packages (wire, pkg/buffer, pkg/retry, errors, metric) depend on
// nothing above them. session, dispatch, transport and verify depend only
// on leaves. server composes everything on the controller side. Business
// screens of the controlled application, action execution, and the
// decision logic that chooses the next action are external collaborators
// consumed through interfaces and callbacks; they never appear in this
// module.
package devicebridge
