package hardware

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemInfoPopulatesFields(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	snap, err := p.SystemInfo()
	require.NoError(t, err)

	require.Greater(t, snap.CPUCount, 0)
	require.NotEmpty(t, snap.Hostname)
	require.GreaterOrEqual(t, snap.MemoryPercent, 0.0)
	require.LessOrEqual(t, snap.MemoryPercent, 100.0)
}

func TestResourceAvailableRejectsOverCommit(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	ok, err := p.ResourceAvailable(1000, 0)
	require.NoError(t, err)
	require.False(t, ok, "a 1000%% CPU requirement can never be admitted")
}

func TestResourceAvailableAcceptsZeroRequirement(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	// A zero-requirement task is only rejected if the host is already
	// fully saturated, which should not be true in a test environment.
	ok, err := p.ResourceAvailable(0, 0)
	require.NoError(t, err)
	require.True(t, ok)
}
