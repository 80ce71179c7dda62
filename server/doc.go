// Package server is the controller-side WebSocket endpoint.
//
// Devices connect to /ws with a device_id query parameter. Each accepted
// connection gets a session in the registry and a dedicated read loop
// that decodes inbound frames and hands them to the dispatcher. Outbound
// action delivery resolves the target connection through the registry and
// always uses the JSON envelope framing.
package server
