// Package buffer provides a generic, thread-safe bounded ring buffer with
// configurable overflow policies.
//
// The ring backs the transport outbound queue: capacity is fixed, length
// never exceeds it, and under the DropOldest policy overflow discards the
// earliest enqueued item, never the newest.
package buffer

// OverflowPolicy defines how the ring behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the ring is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropFunc is called with each item discarded by the overflow policy or by
// Clear. It is invoked outside the ring's lock.
type DropFunc[T any] func(item T)
