package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_FIFOOrder(t *testing.T) {
	r := New[int](5, DropOldest, nil)
	for i := 1; i <= 3; i++ {
		r.Write(i)
	}

	for want := 1; want <= 3; want++ {
		got, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := r.Read()
	assert.False(t, ok)
}

func TestRing_DropOldestOverflow(t *testing.T) {
	var dropped []string
	r := New[string](200, DropOldest, func(item string) {
		dropped = append(dropped, item)
	})

	// 201 writes into capacity 200 must leave exactly the last 200 items
	// in original relative order, with item #1 absent.
	for i := 1; i <= 201; i++ {
		r.Write(fmt.Sprintf("msg-%d", i))
	}

	assert.Equal(t, 200, r.Size())
	assert.Equal(t, []string{"msg-1"}, dropped)
	assert.Equal(t, uint64(1), r.Dropped())

	for want := 2; want <= 201; want++ {
		got, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("msg-%d", want), got)
	}
}

func TestRing_DropNewestOverflow(t *testing.T) {
	var dropped []int
	r := New[int](2, DropNewest, func(item int) {
		dropped = append(dropped, item)
	})

	r.Write(1)
	r.Write(2)
	r.Write(3)

	assert.Equal(t, 2, r.Size())
	assert.Equal(t, []int{3}, dropped)

	got, ok := r.Read()
	require.True(t, ok)
	assert.Equal(t, 1, got)
}

func TestRing_Peek(t *testing.T) {
	r := New[int](3, DropOldest, nil)

	_, ok := r.Peek()
	assert.False(t, ok)

	r.Write(7)
	got, ok := r.Peek()
	require.True(t, ok)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, r.Size(), "peek must not consume")
}

func TestRing_ReadBatch(t *testing.T) {
	r := New[int](10, DropOldest, nil)
	for i := 1; i <= 6; i++ {
		r.Write(i)
	}

	batch := r.ReadBatch(4)
	assert.Equal(t, []int{1, 2, 3, 4}, batch)

	batch = r.ReadBatch(10)
	assert.Equal(t, []int{5, 6}, batch)

	assert.Nil(t, r.ReadBatch(10))
	assert.Nil(t, r.ReadBatch(0))
}

func TestRing_Clear(t *testing.T) {
	var dropped []int
	r := New[int](4, DropOldest, func(item int) {
		dropped = append(dropped, item)
	})
	r.Write(1)
	r.Write(2)

	assert.Equal(t, 2, r.Clear())

	assert.Equal(t, 0, r.Size())
	assert.Empty(t, dropped, "an intentional clear is not an overflow drop")
	assert.Zero(t, r.Dropped())

	// Ring remains usable after Clear.
	r.Write(9)
	got, ok := r.Read()
	require.True(t, ok)
	assert.Equal(t, 9, got)
}

func TestRing_CapacityClamp(t *testing.T) {
	r := New[int](0, DropOldest, nil)
	assert.Equal(t, 1, r.Capacity())
}

func TestRing_ConcurrentAccess(t *testing.T) {
	r := New[int](64, DropOldest, nil)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Write(i)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Read()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Size(), 64)
}
