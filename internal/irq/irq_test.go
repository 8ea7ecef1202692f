package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
)

func TestRequestThenDispatchImmediate(t *testing.T) {
	d := New(8, 4, nil)
	calls := 0
	require.NoError(t, d.Request(3, PriorityNow, func(irq int, data any) int {
		calls++
		return 0
	}, nil))
	assert.False(t, d.Masked(3))

	d.Dispatch(3)
	assert.Equal(t, 1, calls)
}

func TestRequestDeferredThenDrain(t *testing.T) {
	d := New(8, 4, nil)
	calls := 0
	require.NoError(t, d.Request(5, PriorityDeferred, func(irq int, data any) int {
		calls++
		return 0
	}, nil))

	d.Dispatch(5)
	assert.Equal(t, 0, calls, "deferred handler must not run during Dispatch")

	n := d.DrainDeferred()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

func TestDeferredHandlerReQueuedUntilZeroReturn(t *testing.T) {
	d := New(8, 4, nil)
	remaining := 2
	require.NoError(t, d.Request(1, PriorityDeferred, func(irq int, data any) int {
		remaining--
		if remaining > 0 {
			return 1
		}
		return 0
	}, nil))

	d.Dispatch(1)
	d.DrainDeferred() // first pass: handler returns 1, re-queued
	assert.Equal(t, 1, remaining)

	n := d.DrainDeferred() // second pass: handler returns 0, done
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, remaining)
}

func TestDeferredQueueFullFallsBackToImmediate(t *testing.T) {
	d := New(8, 1, nil)
	var order []string

	require.NoError(t, d.Request(2, PriorityDeferred, func(irq int, data any) int {
		order = append(order, "first")
		return 0
	}, nil))
	require.NoError(t, d.Request(2, PriorityDeferred, func(irq int, data any) int {
		order = append(order, "second")
		return 0
	}, nil))

	// Dispatch walks the list newest-first (Request prepends): the
	// second-registered handler is enqueued (queue capacity 1), the
	// first-registered handler finds the queue full and runs immediately.
	d.Dispatch(2)
	assert.Equal(t, []string{"first"}, order)

	d.DrainDeferred()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestFreeDetachesAllDuplicatesAndMasksWhenEmpty(t *testing.T) {
	d := New(8, 4, nil)
	handler := func(irq int, data any) int { return 0 }
	require.NoError(t, d.Request(7, PriorityNow, handler, "tag"))
	require.NoError(t, d.Request(7, PriorityNow, handler, "tag"))
	assert.False(t, d.Masked(7))

	require.NoError(t, d.Free(7, handler, "tag"))
	assert.True(t, d.Masked(7), "irq must be remasked once its handler list empties")

	err := d.Free(7, handler, "tag")
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestPoolExhaustionReturnsError(t *testing.T) {
	d := New(1, 4, nil)
	handler := func(irq int, data any) int { return 0 }
	require.NoError(t, d.Request(0, PriorityNow, handler, nil))

	err := d.Request(1, PriorityNow, handler, nil)
	assert.Error(t, err)
}

func TestExtendedIRLChaining(t *testing.T) {
	d := New(8, 4, nil)
	calls := 0
	require.NoError(t, d.Request(NumPrimaryIRL+2, PriorityNow, func(irq int, data any) int {
		calls++
		return 0
	}, nil))

	pending := []int{2, -1}
	i := 0
	d.SetExtendedController(9, func() (int, bool) {
		if i >= len(pending) || pending[i] < 0 {
			return 0, false
		}
		id := pending[i]
		i++
		return id, true
	})

	d.Dispatch(9)
	assert.Equal(t, 1, calls)
}

func TestRequestRejectsOutOfRangePrimaryIRQWithoutExtendedOffset(t *testing.T) {
	d := New(8, 4, nil)
	err := d.Request(-1, PriorityNow, func(int, any) int { return 0 }, nil)
	assert.Error(t, err)
}
