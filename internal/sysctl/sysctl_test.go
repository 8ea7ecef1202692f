package sysctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightsw/leoncore/internal/kerr"
)

func TestRegisterAndGet(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("mm", Attribute{Name: "alloc_fail", Get: func() Value { return uint32(3) }}))

	v, err := tr.Get("mm/alloc_fail")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)
}

func TestRegisterNestedGroups(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("sched/cpu0", Attribute{Name: "load", Get: func() Value { return 42 }}))

	v, err := tr.Get("sched/cpu0/load")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGetMissingAttributeReturnsNotFound(t *testing.T) {
	tr := New()
	_, err := tr.Get("mm/nope")
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestGetMissingGroupReturnsNotFound(t *testing.T) {
	tr := New()
	_, err := tr.Get("nope/attr")
	assert.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestStoreRejectsReadOnlyAttribute(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("mm", Attribute{Name: "alloc_fail", Get: func() Value { return uint32(0) }}))

	err := tr.Store("mm/alloc_fail", uint32(1))
	assert.ErrorIs(t, err, kerr.ErrInvalidAttr)
}

func TestStoreWritableAttribute(t *testing.T) {
	tr := New()
	var stored uint32
	require.NoError(t, tr.Register("watchdog", Attribute{
		Name: "mode",
		Get:  func() Value { return stored },
		Set:  func(v Value) error { stored = v.(uint32); return nil },
	}))

	require.NoError(t, tr.Store("watchdog/mode", uint32(1)))
	v, err := tr.Get("watchdog/mode")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	tr := New()
	err := tr.Register("mm", Attribute{Get: func() Value { return 0 }})
	assert.ErrorIs(t, err, kerr.ErrInvalidArg)
}

func TestListGroupsAndAttributes(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("mm", Attribute{Name: "alloc_fail", Get: func() Value { return 0 }}))
	require.NoError(t, tr.Register("mm/pagemap", Attribute{Name: "free_pages", Get: func() Value { return 0 }}))

	groups, attrs, err := tr.List("mm")
	require.NoError(t, err)
	assert.Equal(t, []string{"pagemap"}, groups)
	assert.Equal(t, []string{"alloc_fail"}, attrs)
}

func TestRegisterReplacesExistingAttribute(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("mm", Attribute{Name: "alloc_fail", Get: func() Value { return uint32(1) }}))
	require.NoError(t, tr.Register("mm", Attribute{Name: "alloc_fail", Get: func() Value { return uint32(2) }}))

	v, err := tr.Get("mm/alloc_fail")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v)
}
