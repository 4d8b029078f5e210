// Package ingress implements the ingress dispatcher: bundle
// parsing and rewriting, destination classification against a live
// reachable-endpoint set, and cut-through-vs-storage arbitration with
// bounded in-flight backpressure. Pure decoding (bundleview.go,
// delegating to bpv6/bpv7) is kept separate from the stateful,
// I/O-adjacent orchestration that owns backpressure and ack-fabric
// wiring (this file).
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hdtn/hdtn-core/bpv6"
	"github.com/hdtn/hdtn-core/bpv7"
	"github.com/hdtn/hdtn-core/custody"
	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal/ackfabric"
	"github.com/hdtn/hdtn-core/telemetry"
)

// OpportunisticForwardTimeout is the fixed timeout given to an
// opportunistic-reverse-path send attempt before falling back to
// cut-through-or-storage classification.
const OpportunisticForwardTimeout = 3 * time.Second

// DefaultStorageBackpressureWait is the fixed cap on the storage-ack-queue
// backpressure wait (as opposed to cut-through's configurable
// MaxIngressWaitOnEgressMS).
const DefaultStorageBackpressureWait = 2 * time.Second

// EgressSink is the abstract "push a bundle toward egress" capability
// the dispatcher's cut-through path posts to; the reactor/transport
// that actually owns the outduct socket lives elsewhere.
type EgressSink interface {
	Enqueue(hdr ackfabric.ToEgressHdr, bundle []byte) error
}

// StorageSink is the abstract "commit a bundle to the store" capability
// the dispatcher's storage path posts to.
type StorageSink interface {
	Enqueue(hdr ackfabric.ToStorageHdr, bundle []byte) error
}

// Config carries the dispatcher's tunables.
type Config struct {
	MaxBundleSize            int
	MaxMessagesPerPath        int
	MaxIngressWaitOnEgressMS  int
	CutThroughOnly            bool
	LocalEID                  hdtncore.EID // prepended as BPv7 previous-node
	CustodyEID                hdtncore.EID // HDTN_CUSTODY_EID
	EchoEID                   hdtncore.EID // HDTN_BP_ECHO_EID
	// ACSAware reports whether the local custodian is configured to
	// batch custody signals into Aggregate Custody Signals rather than
	// emitting one bundle per decision.
	ACSAware bool
	// CustodyHasCapacity, if set, gates custody acceptance on available
	// storage capacity. A nil func is treated as always-capacity.
	CustodyHasCapacity func() bool
}

// Dispatcher is the ingress dispatcher.
type Dispatcher struct {
	cfg Config
	log *slog.Logger
	tel *telemetry.Telemetry

	reachable     *ReachableSet
	opportunistic *OpportunisticMap

	egressAckQueues *ackfabric.Queues
	storageAckQueue *ackfabric.Queue

	egress  EgressSink
	storage StorageSink

	custodyMgr *custody.Manager

	uniqueIDCounter atomic.Uint64
	cutThroughCount atomic.Uint64
	storedCount     atomic.Uint64
	droppedCount    atomic.Uint64
}

// NewDispatcher constructs a Dispatcher. log and tel may be nil;
// custodyMgr may be nil (custody requests are then neither accepted
// nor signalled, simply forwarded or stored as any other bundle).
func NewDispatcher(
	cfg Config,
	reachable *ReachableSet,
	opportunistic *OpportunisticMap,
	egress EgressSink,
	storage StorageSink,
	custodyMgr *custody.Manager,
	log *slog.Logger,
	tel *telemetry.Telemetry,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBundleSize <= 0 {
		cfg.MaxBundleSize = 1 << 20
	}
	return &Dispatcher{
		cfg:             cfg,
		log:             log,
		tel:             tel,
		reachable:       reachable,
		opportunistic:   opportunistic,
		egressAckQueues: ackfabric.NewQueues(),
		storageAckQueue: ackfabric.NewQueues().For(hdtncore.EID{}),
		egress:          egress,
		storage:         storage,
		custodyMgr:      custodyMgr,
	}
}

// SetOpportunisticLink registers a reverse-direction send path for
// nodeID.
func (d *Dispatcher) SetOpportunisticLink(nodeID uint64, link ReverseInduct) {
	d.opportunistic.Set(nodeID, link)
}

// RemoveOpportunisticLink drops nodeID's reverse path.
func (d *Dispatcher) RemoveOpportunisticLink(nodeID uint64) {
	d.opportunistic.Remove(nodeID)
}

// Snapshot is a read-only counters view, the shape a telemetry or GUI
// query surface reads.
type Snapshot struct {
	CutThroughSent uint64
	Stored         uint64
	Dropped        uint64
}

// Snapshot returns the dispatcher's current counters.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		CutThroughSent: d.cutThroughCount.Load(),
		Stored:         d.storedCount.Load(),
		Dropped:        d.droppedCount.Load(),
	}
}

func (d *Dispatcher) drop(reason string) {
	d.droppedCount.Add(1)
	if d.tel != nil {
		d.tel.Dropped(reason)
	}
}

// Process runs the full ingress pipeline for one received bundle
// buffer: size check, parse, echo/admin classification, BPv7 rewrite,
// custody handling, and cut-through-vs-storage dispatch.
func (d *Dispatcher) Process(ctx context.Context, raw []byte) error {
	if len(raw) > d.cfg.MaxBundleSize {
		d.drop("oversized")
		return ErrOversizedBundle
	}

	bv, err := parseBundleView(raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedVersion):
			d.drop("unsupported_version")
		default:
			d.drop("malformed")
		}
		return err
	}

	dest := bv.destination()
	isAdminForStorage := bv.isAdminRecord() && dest.Equal(d.cfg.CustodyEID)

	if dest.Equal(d.cfg.EchoEID) {
		origSource := bv.source()
		bv.setDestination(origSource)
		bv.setSource(d.cfg.EchoEID)
		dest = origSource
	}

	if bv.ver == versionBPv7 {
		if err := d.rewriteBPv7(bv); err != nil {
			if errors.Is(err, ErrHopLimitExceeded) {
				d.drop("hop_limit_exceeded")
			} else {
				d.drop("malformed")
			}
			return err
		}
	}

	requestsCustody := bv.requestsCustody()
	if requestsCustody && d.custodyMgr != nil && bv.ver == versionBPv6 {
		d.handleCustody(bv)
	}

	if bv.ver == versionBPv6 {
		d.tel.IngestedBPv6()
	} else {
		d.tel.IngestedBPv7()
	}

	rendered := bv.render()

	linkUp := d.reachable.Contains(dest)
	if link, ok := d.opportunistic.Lookup(dest.NodeID); ok {
		octx, cancel := context.WithTimeout(ctx, OpportunisticForwardTimeout)
		err := tryOpportunistic(octx, link, rendered)
		cancel()
		if err == nil {
			return nil
		}
		d.log.Debug("opportunistic forward failed, falling back", "dest", dest, "err", err)
	}

	cutThrough := d.cfg.CutThroughOnly || (linkUp && !requestsCustody && !isAdminForStorage)
	if cutThrough {
		err := d.sendCutThrough(ctx, dest, rendered)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrBackpressureTimeout) && !d.cfg.CutThroughOnly:
			// fall through to storage
		default:
			return err
		}
	}
	return d.sendStorage(ctx, dest, rendered)
}

func tryOpportunistic(ctx context.Context, link ReverseInduct, bundle []byte) error {
	done := make(chan error, 1)
	go func() { done <- link.SendOpportunistic(bundle) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rewriteBPv7 rewrites or inserts the previous-node block and
// increments the hop-count block, if present.
func (d *Dispatcher) rewriteBPv7(bv *bundleView) error {
	prevIdx, hopIdx := -1, -1
	for i, blk := range bv.v7.Extended {
		switch blk.Type {
		case bpv7.BlockTypePreviousNode:
			if prevIdx != -1 {
				return ErrMultiplePreviousNode
			}
			prevIdx = i
		case bpv7.BlockTypeHopCount:
			if hopIdx != -1 {
				return ErrMultipleHopCount
			}
			hopIdx = i
		}
	}

	prevData := bpv7.RenderPreviousNodeData(d.cfg.LocalEID)
	if prevIdx >= 0 {
		bv.v7.Extended[prevIdx].Data = prevData
		bv.v7.Extended[prevIdx].SetManuallyModified()
	} else {
		blk := bpv7.CanonicalBlock{Type: bpv7.BlockTypePreviousNode, Data: prevData}
		bv.v7.Extended = append([]bpv7.CanonicalBlock{blk}, bv.v7.Extended...)
		if hopIdx >= 0 {
			hopIdx++
		}
	}

	if hopIdx < 0 {
		return nil
	}
	hc, err := bpv7.ParseHopCountData(bv.v7.Extended[hopIdx].Data)
	if err != nil {
		return err
	}
	inc := hc.Incremented()
	if inc.Count > hc.Limit || inc.Count > 255 {
		return ErrHopLimitExceeded
	}
	bv.v7.Extended[hopIdx].Data = bpv7.RenderHopCountData(inc)
	bv.v7.Extended[hopIdx].SetManuallyModified()
	return nil
}

// handleCustody runs the BPv6 custody-acceptance decision and signal
// generation inline from ingress, before forwarding.
func (d *Dispatcher) handleCustody(bv *bundleView) {
	idx, hasCTEB := bpv6.FindCTEB(bv.v6.Extended)
	hasCapacity := true
	if d.cfg.CustodyHasCapacity != nil {
		hasCapacity = d.cfg.CustodyHasCapacity()
	}
	decision := d.custodyMgr.Decide(hasCapacity, bv.v6)
	if !hasCTEB {
		return
	}
	cteb, err := bpv6.ParseCTEB(bv.v6.Extended[idx].Data)
	if err != nil {
		return
	}
	source := bv.v6.Primary.Source
	creation := bv.v6.Primary.Creation

	if decision.Accept {
		accepted, err := d.custodyMgr.AcceptCustody(&bv.v6, idx)
		if err != nil {
			d.log.Warn("custody accept failed", "err", err)
			return
		}
		if sig, ok := d.custodyMgr.GenerateSignal(accepted.PriorCustodian, accepted.PriorCustodyID, source, creation, true, custody.ReasonNoAdditionalInfo, d.cfg.ACSAware); ok {
			d.enqueueGeneratedSignal(accepted.PriorCustodian, sig)
		}
		return
	}
	if sig, ok := d.custodyMgr.GenerateSignal(cteb.Custodian, cteb.CustodyID, source, creation, false, decision.Reason, d.cfg.ACSAware); ok {
		d.enqueueGeneratedSignal(cteb.Custodian, sig)
	}
}

// enqueueGeneratedSignal routes a locally-originated custody-signal
// bundle to storage; administrative records always go to storage for
// reconciliation.
func (d *Dispatcher) enqueueGeneratedSignal(dest hdtncore.EID, bundle []byte) {
	if err := d.sendStorage(context.Background(), dest, bundle); err != nil {
		d.log.Warn("failed to enqueue custody signal", "dest", dest, "err", err)
	}
}

// FlushCustodySignals renders and routes every pending Aggregate
// Custody Signal to storage: it emits one ACS bundle per (custodian,
// succeeded, reason) group that has pending entries.
func (d *Dispatcher) FlushCustodySignals() {
	if d.custodyMgr == nil {
		return
	}
	for _, sig := range d.custodyMgr.Flush() {
		d.enqueueGeneratedSignal(sig.Dest, sig.Bytes)
	}
}

func (d *Dispatcher) nextUniqueID() uint64 {
	return d.uniqueIDCounter.Add(1)
}

func waitDrain(ctx context.Context, q *ackfabric.Queue, target int, maxWait time.Duration) bool {
	if maxWait <= 0 {
		return q.Depth() <= target
	}
	stop := make(chan struct{})
	done := make(chan bool, 1)
	go func() { done <- q.WaitDrain(target, stop) }()
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case ok := <-done:
		return ok
	case <-timer.C:
		close(stop)
		return false
	case <-ctx.Done():
		close(stop)
		return false
	}
}

// sendCutThrough pushes bundle directly onto dest's egress ack queue,
// applying backpressure if the queue is already deep.
func (d *Dispatcher) sendCutThrough(ctx context.Context, dest hdtncore.EID, bundle []byte) error {
	q := d.egressAckQueues.For(dest)
	if q.Depth() > d.cfg.MaxMessagesPerPath {
		maxWait := time.Duration(d.cfg.MaxIngressWaitOnEgressMS) * time.Millisecond
		if !waitDrain(ctx, q, d.cfg.MaxMessagesPerPath, maxWait) {
			if d.cfg.CutThroughOnly {
				// No storage fallback exists in this mode, so this
				// timeout is a genuine drop, unlike the same error in
				// the default mode where Process retries via storage.
				d.drop("backpressure_timeout")
			}
			return ErrBackpressureTimeout
		}
	}

	id := d.nextUniqueID()
	q.Push(id)
	if d.tel != nil {
		d.tel.SetAckQueueDepth(dest.String(), q.Depth())
	}

	hdr := ackfabric.NewToEgressHdr(dest, false, true, 0, id)
	if err := d.egress.Enqueue(hdr, bundle); err != nil {
		_, _ = q.Ack(dest, id) // best effort: undo the push on send failure
		return err
	}
	d.cutThroughCount.Add(1)
	d.tel.CutThrough()
	return nil
}

// sendStorage pushes bundle onto the storage ack queue, applying
// backpressure if the queue is already deep.
func (d *Dispatcher) sendStorage(ctx context.Context, dest hdtncore.EID, bundle []byte) error {
	if d.storageAckQueue.Depth() > d.cfg.MaxMessagesPerPath {
		if !waitDrain(ctx, d.storageAckQueue, d.cfg.MaxMessagesPerPath, DefaultStorageBackpressureWait) {
			d.drop("backpressure_timeout")
			return ErrBackpressureTimeout
		}
	}

	id := d.nextUniqueID()
	d.storageAckQueue.Push(id)

	hdr := ackfabric.NewToStorageHdr(id)
	if err := d.storage.Enqueue(hdr, bundle); err != nil {
		_, _ = d.storageAckQueue.Ack(hdtncore.EID{}, id)
		return err
	}
	d.storedCount.Add(1)
	d.tel.Stored()
	return nil
}

// AckEgress matches an egress ack against dest's FIFO head. A mismatch
// is a fatal-per-link error: it is logged and the queue is drained.
func (d *Dispatcher) AckEgress(dest hdtncore.EID, id uint64) error {
	q := d.egressAckQueues.For(dest)
	if err := q.Ack(dest, id); err != nil {
		d.log.Error("egress ack mismatch, tearing down link queue", "dest", dest, "err", err)
		d.egressAckQueues.Drop(dest)
		return err
	}
	if d.tel != nil {
		d.tel.SetAckQueueDepth(dest.String(), q.Depth())
	}
	return nil
}

// AckStorage matches a storage ack against the global FIFO head.
func (d *Dispatcher) AckStorage(id uint64) error {
	return d.storageAckQueue.Ack(hdtncore.EID{}, id)
}
