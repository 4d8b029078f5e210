package ingress

import (
	"sync"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal"
)

// ReachableSet is the live set of final-destination endpoints the
// ingress dispatcher currently believes are reachable, mutated by
// scheduler link-up/link-down events and read on every classification
// decision. Guarded by its own mutex, held only across map mutation,
// never across I/O.
type ReachableSet struct {
	mu   sync.RWMutex
	eids map[hdtncore.EID]struct{}
}

// NewReachableSet returns an empty ReachableSet.
func NewReachableSet() *ReachableSet {
	return &ReachableSet{eids: make(map[hdtncore.EID]struct{})}
}

// LinkUp marks dest reachable (scheduler "ilinkup" event).
func (r *ReachableSet) LinkUp(dest hdtncore.EID) {
	r.mu.Lock()
	r.eids[dest] = struct{}{}
	r.mu.Unlock()
}

// LinkDown marks dest unreachable (scheduler "ilinkdown" event).
func (r *ReachableSet) LinkDown(dest hdtncore.EID) {
	r.mu.Lock()
	delete(r.eids, dest)
	r.mu.Unlock()
}

// Contains reports whether dest is currently reachable.
func (r *ReachableSet) Contains(dest hdtncore.EID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.eids[dest]
	return ok
}

// Snapshot copies the current reachable set into buf, reusing its
// backing array when large enough, and returns the filled slice. A
// caller that polls this on a ticker can pass the same *buf back in
// every tick to avoid reallocating.
func (r *ReachableSet) Snapshot(buf *[]hdtncore.EID) []hdtncore.EID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	internal.SliceReuse(buf, len(r.eids))
	for dest := range r.eids {
		*buf = append(*buf, dest)
	}
	return *buf
}

// ReverseInduct is the capability an opportunistic bidirectional link
// exposes for sending bundles back over the connection it arrived on.
type ReverseInduct interface {
	// SendOpportunistic forwards bundle over the reverse path, reporting
	// an error if the link cannot accept it right now.
	SendOpportunistic(bundle []byte) error
}

// OpportunisticMap tracks which remote node ids currently have a
// bidirectional TCPCL induct available for reverse-direction traffic,
// mutated by
// ingress.Dispatcher.SetOpportunisticLink/RemoveOpportunisticLink.
type OpportunisticMap struct {
	mu    sync.RWMutex
	links map[uint64]ReverseInduct
}

// NewOpportunisticMap returns an empty OpportunisticMap.
func NewOpportunisticMap() *OpportunisticMap {
	return &OpportunisticMap{links: make(map[uint64]ReverseInduct)}
}

// Set registers (or replaces) the reverse path for nodeID.
func (o *OpportunisticMap) Set(nodeID uint64, link ReverseInduct) {
	o.mu.Lock()
	o.links[nodeID] = link
	o.mu.Unlock()
}

// Remove drops the reverse path for nodeID, if any.
func (o *OpportunisticMap) Remove(nodeID uint64) {
	o.mu.Lock()
	delete(o.links, nodeID)
	o.mu.Unlock()
}

// Lookup returns the reverse path registered for nodeID, if any.
func (o *OpportunisticMap) Lookup(nodeID uint64) (ReverseInduct, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	l, ok := o.links[nodeID]
	return l, ok
}
