// Package wire encodes and decodes DeviceBridge control-plane messages.
//
// Two framings coexist on the wire, disambiguated by the first byte of a
// frame:
//
//   - Legacy framing: the first byte is one of I/X/S/A/E/G and selects a
//     fixed per-type body layout. 'I' carries newline-terminated text,
//     'X'/'S'/'A'/'E' carry a decimal-length-prefixed body, and 'G' is a
//     bare single-byte request.
//   - JSON framing: any other first byte, followed by a decimal length
//     prefix and a UTF-8 JSON envelope carrying a "messageType" field.
//     Encoding always emits the 'J' placeholder byte so output is
//     deterministic.
//
// The action and heartbeat kinds travel only in the JSON framing. Decoded
// JSON envelopes are validated against a per-kind schema before they are
// admitted; validation failures are classified like protocol errors so
// callers drop the frame and keep the connection open.
package wire
