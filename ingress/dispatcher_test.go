package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hdtn/hdtn-core/bpv6"
	"github.com/hdtn/hdtn-core/bpv7"
	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal/ackfabric"
	"github.com/stretchr/testify/require"
)

type recordingEgress struct {
	mu   sync.Mutex
	sent []ackfabric.ToEgressHdr
	err  error
}

func (r *recordingEgress) Enqueue(hdr ackfabric.ToEgressHdr, _ []byte) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.sent = append(r.sent, hdr)
	r.mu.Unlock()
	return nil
}

type recordingStorage struct {
	mu   sync.Mutex
	sent []ackfabric.ToStorageHdr
}

func (r *recordingStorage) Enqueue(hdr ackfabric.ToStorageHdr, _ []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, hdr)
	r.mu.Unlock()
	return nil
}

func testConfig() Config {
	return Config{
		MaxBundleSize:            1 << 16,
		MaxMessagesPerPath:        8,
		MaxIngressWaitOnEgressMS:  50,
		LocalEID:                  hdtncore.EID{NodeID: 1, ServiceID: 0},
		CustodyEID:                hdtncore.EID{NodeID: 1, ServiceID: 1},
		EchoEID:                   hdtncore.EID{NodeID: 1, ServiceID: 2},
	}
}

func renderBPv6(t *testing.T, dest, source hdtncore.EID, flags bpv6.ProcessingFlags) []byte {
	t.Helper()
	b := bpv6.Bundle{
		Primary: bpv6.PrimaryBlock{
			Flags:       flags,
			Destination: dest,
			Source:      source,
			ReportTo:    source,
			Custodian:   source,
			Lifetime:    3600,
		},
		Payload: bpv6.CanonicalBlock{Type: bpv6.BlockTypePayload, Data: []byte("hello")},
	}
	return bpv6.RenderBundle(nil, b)
}

func renderBPv7WithHopCount(t *testing.T, dest, source hdtncore.EID, limit, count uint64) []byte {
	t.Helper()
	hc := bpv7.CanonicalBlock{
		Type: bpv7.BlockTypeHopCount,
		Data: bpv7.RenderHopCountData(bpv7.HopCount{Limit: limit, Count: count}),
	}
	b := bpv7.Bundle{
		Primary: bpv7.PrimaryBlock{
			Destination: dest,
			Source:      source,
			ReportTo:    source,
			Lifetime:    3600,
		},
		Extended: []bpv7.CanonicalBlock{hc},
		Payload:  bpv7.CanonicalBlock{Type: bpv7.BlockTypePayload, Data: []byte("hello")},
	}
	return bpv7.RenderBundle(nil, b)
}

func newTestDispatcher(cfg Config, egress EgressSink, storage StorageSink) *Dispatcher {
	return NewDispatcher(cfg, NewReachableSet(), NewOpportunisticMap(), egress, storage, nil, nil, nil)
}

func TestProcessOversizedBundleDropped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBundleSize = 4
	d := newTestDispatcher(cfg, &recordingEgress{}, &recordingStorage{})

	err := d.Process(context.Background(), []byte("way too big for the configured max"))
	require.ErrorIs(t, err, ErrOversizedBundle)
}

func TestProcessUnsupportedVersionDropped(t *testing.T) {
	d := newTestDispatcher(testConfig(), &recordingEgress{}, &recordingStorage{})
	err := d.Process(context.Background(), []byte{0x05, 0x00, 0x00})
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestProcessCutThroughWhenLinkUp(t *testing.T) {
	cfg := testConfig()
	cfg.CutThroughOnly = true
	egress := &recordingEgress{}
	storage := &recordingStorage{}
	d := newTestDispatcher(cfg, egress, storage)

	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	raw := renderBPv6(t, dest, source, bpv6.FlagSingletonDestination)

	require.NoError(t, d.Process(context.Background(), raw))
	require.Len(t, egress.sent, 1)
	require.Empty(t, storage.sent)
	require.Equal(t, uint64(1), d.Snapshot().CutThroughSent)
}

func TestProcessFallsBackToStorageWhenNotReachable(t *testing.T) {
	egress := &recordingEgress{}
	storage := &recordingStorage{}
	d := newTestDispatcher(testConfig(), egress, storage)

	dest := hdtncore.EID{NodeID: 9, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	raw := renderBPv6(t, dest, source, bpv6.FlagSingletonDestination)

	require.NoError(t, d.Process(context.Background(), raw))
	require.Empty(t, egress.sent)
	require.Len(t, storage.sent, 1)
	require.Equal(t, uint64(1), d.Snapshot().Stored)
}

func TestProcessBPv7HopCountExceededDropped(t *testing.T) {
	d := newTestDispatcher(testConfig(), &recordingEgress{}, &recordingStorage{})
	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	raw := renderBPv7WithHopCount(t, dest, source, 10, 10)

	err := d.Process(context.Background(), raw)
	require.ErrorIs(t, err, ErrHopLimitExceeded)
}

func TestProcessBPv7HopCountIncrementedWhenUnderLimit(t *testing.T) {
	egress := &recordingEgress{}
	cfg := testConfig()
	cfg.CutThroughOnly = true
	d := newTestDispatcher(cfg, egress, &recordingStorage{})
	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	raw := renderBPv7WithHopCount(t, dest, source, 10, 9)

	require.NoError(t, d.Process(context.Background(), raw))
	require.Len(t, egress.sent, 1)
}

func TestProcessEchoBundleSwapsEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.CutThroughOnly = true
	egress := &recordingEgress{}
	d := newTestDispatcher(cfg, egress, &recordingStorage{})

	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	raw := renderBPv6(t, cfg.EchoEID, source, bpv6.FlagSingletonDestination)

	require.NoError(t, d.Process(context.Background(), raw))
	require.Len(t, egress.sent, 1)
	require.Equal(t, source, egress.sent[0].FinalDestEID)
}

func TestProcessCutThroughBackpressureFallsBackToStorage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessagesPerPath = 0
	cfg.MaxIngressWaitOnEgressMS = 20
	egress := &recordingEgress{}
	storage := &recordingStorage{}
	d := newTestDispatcher(cfg, egress, storage)

	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	d.reachable.LinkUp(dest)

	q := d.egressAckQueues.For(dest)
	q.Push(999) // never acked, so depth stays above target forever

	raw := renderBPv6(t, dest, source, bpv6.FlagSingletonDestination)
	start := time.Now()
	require.NoError(t, d.Process(context.Background(), raw))
	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, egress.sent)
	require.Len(t, storage.sent, 1)
	require.Zero(t, d.Snapshot().Dropped, "falling back to storage successfully is not a drop")
}

func TestProcessCutThroughOnlyTimesOutInsteadOfStoring(t *testing.T) {
	cfg := testConfig()
	cfg.CutThroughOnly = true
	cfg.MaxMessagesPerPath = 0
	cfg.MaxIngressWaitOnEgressMS = 20
	egress := &recordingEgress{}
	storage := &recordingStorage{}
	d := newTestDispatcher(cfg, egress, storage)

	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	source := hdtncore.EID{NodeID: 1, ServiceID: 1}
	q := d.egressAckQueues.For(dest)
	q.Push(999)

	raw := renderBPv6(t, dest, source, bpv6.FlagSingletonDestination)
	err := d.Process(context.Background(), raw)
	require.ErrorIs(t, err, ErrBackpressureTimeout)
	require.Empty(t, storage.sent)
	require.EqualValues(t, 1, d.Snapshot().Dropped, "a CutThroughOnly timeout has no storage fallback, so it must count as a drop")
}

func TestAckEgressMismatchDropsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.CutThroughOnly = true
	d := newTestDispatcher(cfg, &recordingEgress{}, &recordingStorage{})

	dest := hdtncore.EID{NodeID: 2, ServiceID: 1}
	q := d.egressAckQueues.For(dest)
	q.Push(1)

	err := d.AckEgress(dest, 42)
	var mismatch *ackfabric.ErrQueueMismatch
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, 0, d.egressAckQueues.For(dest).Depth())
}
