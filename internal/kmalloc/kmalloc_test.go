package kmalloc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/pagemap"
)

func newTestPager(t *testing.T) *pagemap.Map {
	t.Helper()
	m := pagemap.New(0)
	require.NoError(t, m.Add(0x40000000, 0x40000000+1024*1024, 4096))
	return m
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(128)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))
}

func TestDoubleFreeDetected(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)
	a, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(a))
	assert.Error(t, h.Free(a))
}

func TestFreeUnownedAddressErrors(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)
	assert.Error(t, h.Free(0x41000000))
}

func TestSplitThenCoalesceReclaimsWholeSegment(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)

	a, err := h.Alloc(256)
	require.NoError(t, err)
	b, err := h.Alloc(256)
	require.NoError(t, err)

	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))
	after := h.Stats()

	// a, b and the split remainder merge back into the one segment that
	// spans the whole page; it reaches the break, so the tail release
	// returns that page and the heap is empty again.
	assert.Equal(t, Stats{}, after)
}

func TestLazyTailReleaseShrinksBreak(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)

	a, err := h.Alloc(4000)
	require.NoError(t, err)
	grown := h.Stats().BreakBytes
	require.Greater(t, grown, uintptr(0))

	require.NoError(t, h.Free(a))
	shrunk := h.Stats().BreakBytes
	assert.Less(t, shrunk, grown, "fully-free break should release pages back to the pager")
}

func TestBackgroundReleaseWorkerSweepsTail(t *testing.T) {
	h := New(newTestPager(t), 4096, DefaultPagesReleaseMax, nil)

	// 4064 = pageSize(4096) - headerSize(32): consumes the mapped page
	// exactly, so no trailing split segment is created and the sole
	// segment's next/prev are both 0 once marked free.
	a, err := h.Alloc(4064)
	require.NoError(t, err)
	// Free the segment directly in the map so releaseTail is not invoked
	// by Free itself, isolating the worker's sweep behavior.
	h.mu.Lock()
	h.segs[a].magic = freeMagic
	h.mu.Unlock()

	tick := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartReleaseWorker(ctx, tick)
	defer h.StopReleaseWorker()

	before := h.Stats().BreakBytes
	tick <- struct{}{}
	// Give the worker goroutine a moment to process the tick.
	time.Sleep(10 * time.Millisecond)
	after := h.Stats().BreakBytes

	assert.LessOrEqual(t, after, before)
}
