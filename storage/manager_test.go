package storage

import (
	"path/filepath"
	"testing"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, numSegments int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hdtn.store")
	m, err := Open(path, 128, numSegments, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStoreGetRoundTrip(t *testing.T) {
	m := newTestManager(t, 16)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}
	payload := []byte("a bundle payload that spans more than one tiny 128-byte segment for sure, because a head segment carries only 116 bytes")

	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 1, payload))

	got, ok, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got.Data)
	require.Equal(t, uint64(1), got.SegmentID)
}

func TestDuplicateStoreIsNoOp(t *testing.T) {
	m := newTestManager(t, 16)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}

	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 7, []byte("first")))
	freeAfterFirst := m.sf.freeCount()

	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 7, []byte("ignored-duplicate")))
	require.Equal(t, freeAfterFirst, m.sf.freeCount())

	got, ok, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), got.Data)
}

func TestGetPicksHighestPriorityThenEarliestExpiration(t *testing.T) {
	m := newTestManager(t, 16)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}

	require.NoError(t, m.Store(dest, PriorityBulk, 500, 1, []byte("bulk")))
	require.NoError(t, m.Store(dest, PriorityExpedited, 900, 2, []byte("expedited-late")))
	require.NoError(t, m.Store(dest, PriorityExpedited, 100, 3, []byte("expedited-early")))

	got, ok, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("expedited-early"), got.Data)
	require.Equal(t, PriorityExpedited, got.Priority)
}

func TestGetIsFIFOWithinSameCoordinate(t *testing.T) {
	m := newTestManager(t, 16)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}

	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 1, []byte("first")))
	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 2, []byte("second")))

	got1, _, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got1.Data)

	got2, _, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got2.Data)
}

func TestGetReturnsFalseWhenEmpty(t *testing.T) {
	m := newTestManager(t, 16)
	_, ok, err := m.Get([]hdtncore.EID{{NodeID: 9, ServiceID: 9}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasCapacityReflectsFreeList(t *testing.T) {
	m := newTestManager(t, 2)
	require.True(t, m.HasCapacity(2))
	require.False(t, m.HasCapacity(3))
}

func TestRemoveByCustodyEvictsWithoutDelivering(t *testing.T) {
	m := newTestManager(t, 16)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}
	require.NoError(t, m.Store(dest, PriorityNormal, 1000, 1, []byte("acked-by-custody")))

	require.True(t, m.RemoveByCustody(dest, 1))

	_, ok, err := m.Get([]hdtncore.EID{dest})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreFailsWhenSegmentsExhausted(t *testing.T) {
	m := newTestManager(t, 1)
	dest := hdtncore.EID{NodeID: 1, ServiceID: 1}
	big := make([]byte, 1000)

	err := m.Store(dest, PriorityNormal, 1000, 1, big)
	require.ErrorIs(t, err, ErrStoreFull)
}
