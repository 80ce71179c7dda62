package buffer

import "sync"

// Ring is a thread-safe bounded ring buffer.
// The zero value is not usable; construct with New.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	policy   OverflowPolicy
	onDrop   DropFunc[T]
	dropped  uint64
}

// New creates a ring with the given capacity and overflow policy.
// Capacities below one are clamped to one. onDrop may be nil.
func New[T any](capacity int, policy OverflowPolicy, onDrop DropFunc[T]) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   policy,
		onDrop:   onDrop,
	}
}

// Write adds an item according to the overflow policy.
func (r *Ring[T]) Write(item T) {
	r.mu.Lock()

	if r.size == r.capacity {
		switch r.policy {
		case DropOldest:
			droppedItem := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.dropped++
			if r.onDrop != nil {
				// Callback runs outside the lock to avoid deadlock.
				defer r.onDrop(droppedItem)
			}

		case DropNewest:
			r.dropped++
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.mu.Unlock()
}

// Read retrieves and removes the oldest item.
// Returns the zero value and false if the ring is empty.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // clear for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item, true
}

// Peek retrieves the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.tail], true
}

// ReadBatch retrieves and removes up to max items in FIFO order.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	readCount := max
	if readCount > r.size {
		readCount = r.size
	}

	result := make([]T, readCount)
	var zero T
	for i := 0; i < readCount; i++ {
		result[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}
	return result
}

// Size returns the current number of items.
func (r *Ring[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed maximum number of items.
func (r *Ring[T]) Capacity() int {
	return r.capacity // immutable, no lock needed
}

// Dropped returns the total number of items discarded by the overflow
// policy since construction. Items removed by Clear are not counted.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear discards all items and returns how many were removed. An
// intentional clear is not an overflow: the drop callback does not fire
// and the dropped counter is untouched.
func (r *Ring[T]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := r.size
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0
	return cleared
}
