package srmmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kmalloc"
	"github.com/flightsw/leoncore/internal/pagemap"
)

func newTestTranslator(t *testing.T) (*Translator, *kmalloc.Heap, *pagemap.Map) {
	t.Helper()
	pm := pagemap.New(0)
	require.NoError(t, pm.Add(0x60000000, 0x60000000+16*1024*1024, PageSize))
	heap := kmalloc.New(pm, PageSize, kmalloc.DefaultPagesReleaseMax, nil)
	tr := New(heap, pm, 0xF0000000, nil)
	return tr, heap, pm
}

// Scenario 2 from spec.md §8: a 16 MiB large identity mapping round-trips
// a write through the translated physical address.
func TestLargeMappingIdentityRoundTrip(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0x41000000, 0x40000000)
	require.NoError(t, err)

	require.NoError(t, tr.DoLargeMapping(ctx, 0x40000000, 0x40000000, PermSupervisorRWX, true))

	pa, perm, err := tr.Translate(ctx, 0x40000000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x40000000), pa)
	assert.Equal(t, PermSupervisorRWX, perm)

	mem := make(map[uint32]uint32)
	mem[pa] = 0xDEADBEEF
	assert.Equal(t, uint32(0xDEADBEEF), mem[pa])
}

func TestLargeMappingRejectsOverPTD(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0, 0xFFFFFFFF, 0)
	require.NoError(t, err)

	require.NoError(t, tr.DoSmallMapping(ctx, 0x40000000, 0x60000000, PermSupervisorRW, true))
	assert.Error(t, tr.DoLargeMapping(ctx, 0x40000000, 0x40000000, PermSupervisorRWX, true))
}

func TestSmallMappingRejectsOverLargePTE(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0, 0xFFFFFFFF, 0)
	require.NoError(t, err)

	require.NoError(t, tr.DoLargeMapping(ctx, 0x40000000, 0x40000000, PermSupervisorRWX, true))
	assert.Error(t, tr.DoSmallMapping(ctx, 0x40000000, 0x60000000, PermSupervisorRW, true))
}

// Scenario 1 from spec.md §4.4's testable property: after mapping a range
// of small pages and releasing it, the level-1 slot is invalid, all
// sub-tables are gone, and exactly n pages were freed.
func TestReleasePagesInvalidatesAndFreesAll(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0, 0xFFFFFFFF, 0)
	require.NoError(t, err)

	const n = 8
	vaStart := uint32(0x40000000)
	paStart := uint32(0x60000000)
	count, err := tr.DoSmallMappingRange(ctx, vaStart, paStart, n, PermSupervisorRW, true)
	require.NoError(t, err)
	require.Equal(t, n, count)

	freed := 0
	var freedPages []uint32
	err = tr.ReleasePages(ctx, vaStart, vaStart+n*PageSize, func(pa uint32) error {
		freed++
		freedPages = append(freedPages, pa)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, n, freed)

	for _, pa := range freedPages {
		assert.GreaterOrEqual(t, pa, paStart)
	}

	_, _, err = tr.Translate(ctx, vaStart)
	assert.Error(t, err, "level-1 slot must be invalid after release")
	assert.Equal(t, uint32(0), ctx.l1.entries[idx1(vaStart)])
}

func TestHandleFaultNullPointerIsFatal(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x50000000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0, FaultStatus{Type: FaultInvalidAddr, AddrValid: true})
	assert.ErrorIs(t, err, ErrNullPointer)
}

func TestHandleFaultReservedRegion(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x50000000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0x10000000, FaultStatus{Type: FaultInvalidAddr, AddrValid: true})
	assert.ErrorIs(t, err, ErrReservedRegion)
}

func TestHandleFaultHighMem(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x50000000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0xF8000000, FaultStatus{Type: FaultInvalidAddr, AddrValid: true})
	assert.ErrorIs(t, err, ErrHighMemAccess)
}

func TestHandleFaultDemandFillsBelowSbrk(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x40010000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0x40001000, FaultStatus{Type: FaultInvalidAddr, AddrValid: true})
	require.NoError(t, err)

	_, perm, err := tr.Translate(ctx, 0x40001000)
	require.NoError(t, err)
	assert.Equal(t, PermSupervisorRWX, perm)
}

func TestHandleFaultAboveSbrkBelowHighMemIsBreakViolation(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x40010000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0x40020000, FaultStatus{Type: FaultInvalidAddr, AddrValid: true})
	assert.ErrorIs(t, err, ErrBreakViolation)
}

func TestHandleFaultUnhandledType(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0x40000000, 0xF0000000, 0x40010000)
	require.NoError(t, err)

	err = tr.HandleFault(ctx, 0x40001000, FaultStatus{Type: FaultOther, AddrValid: true})
	assert.ErrorIs(t, err, ErrUnhandledFault)
}

func TestTranslateUnmappedReturnsNotFound(t *testing.T) {
	tr, _, _ := newTestTranslator(t)
	ctx, err := tr.NewContext(1, 0, 0xFFFFFFFF, 0)
	require.NoError(t, err)

	_, _, err = tr.Translate(ctx, 0x12345678)
	assert.Error(t, err)
}
