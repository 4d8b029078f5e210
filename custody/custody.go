// Package custody implements the custody-transfer manager: accept/refuse
// decisions for BPv6 custody requests, local custody-id assignment,
// CTEB custodian rewriting, and RFC 5050/Aggregate Custody Signal
// generation and consumption. BPv7 custody is unsupported; this package
// only ever produces and consumes BPv6 administrative-record bundles,
// built on the bpv6 codec the same way ltp is built on its own segment
// codec.
package custody

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hdtn/hdtn-core/bpv6"
	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal/lrucache"
	"github.com/hdtn/hdtn-core/telemetry"
)

// Reason is the custody-refusal reason-code set, reusing bpv6's
// RFC 5050 §6.3 codes since this package only ever speaks BPv6 custody
// signals.
type Reason = bpv6.CustodySignalReasonCode

const (
	ReasonNoAdditionalInfo = bpv6.ReasonNoAdditionalInfo
	ReasonRedundantReception = bpv6.ReasonRedundantReception
	ReasonDepletedStorage    = bpv6.ReasonDepletedStorage
	ReasonDestUnintelligible = bpv6.ReasonDestEIDUnintelligible
	ReasonNoKnownRoute       = bpv6.ReasonNoKnownRouteToDest
	ReasonNoTimelyContact    = bpv6.ReasonNoTimelyContact
	ReasonBlockUnintelligible = bpv6.ReasonBlockUnintelligible
)

func (r Reason) String() string {
	switch r {
	case ReasonNoAdditionalInfo:
		return "no_additional_info"
	case ReasonRedundantReception:
		return "redundant_reception"
	case ReasonDepletedStorage:
		return "depleted_storage"
	case ReasonDestUnintelligible:
		return "destination_unintelligible"
	case ReasonNoKnownRoute:
		return "no_known_route"
	case ReasonNoTimelyContact:
		return "no_timely_contact"
	case ReasonBlockUnintelligible:
		return "block_unintelligible"
	default:
		return "unknown"
	}
}

// bundleIdentity keys the redundant-reception dedup cache: a bundle is
// the "same" bundle, for custody purposes, if it shares a source EID
// and creation timestamp (RFC 5050's bundle identity, independent of
// which hop delivered it).
type bundleIdentity struct {
	Source   hdtncore.EID
	Seconds  uint64
	Sequence uint64
}

// Decision is the result of a custody-acceptance evaluation.
type Decision struct {
	Accept bool
	Reason Reason
}

// Config carries the manager's tunables.
type Config struct {
	// MyEID is the local node's custodian EID, written into accepted
	// bundles' CTEB and used as the source of generated signals.
	MyEID hdtncore.EID
	// DedupCacheSize bounds the redundant-reception LRU; 0 selects
	// DefaultDedupCacheSize.
	DedupCacheSize int
}

// DefaultDedupCacheSize is used when Config.DedupCacheSize is unset.
const DefaultDedupCacheSize = 4096

// Manager is the custody-transfer manager. Safe for concurrent use:
// custody-id assignment is a single atomic counter and the dedup cache
// and ACS accumulator are each guarded by their own mutex, so there are
// no process-wide singletons; each shared structure owns its own lock.
type Manager struct {
	cfg Config
	log *slog.Logger
	tel *telemetry.Telemetry

	nextCustodyID atomic.Uint64

	dedupMu sync.Mutex
	dedup   lrucache.Cache[bundleIdentity, struct{}]

	acsMu      sync.Mutex
	acsPending map[acsKey][]bpv6.ACSEntry
}

type acsKey struct {
	Custodian hdtncore.EID
	Succeeded bool
	Reason    Reason
}

// New constructs a Manager. log and tel may be nil.
func New(cfg Config, log *slog.Logger, tel *telemetry.Telemetry) *Manager {
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		tel:        tel,
		dedup:      lrucache.New[bundleIdentity, struct{}](cfg.DedupCacheSize),
		acsPending: make(map[acsKey][]bpv6.ACSEntry),
	}
}

// Decide evaluates whether to accept custody of bundle: it checks
// capacity, that the bundle parses cleanly, and that the destination
// EID is well-formed. hasCapacity is supplied by the caller
// (ingress/storage), which alone
// knows current queue/store occupancy. Decide also enforces the
// redundant-reception check against its dedup cache, marking the
// bundle seen as a side effect of an Accept decision.
func (m *Manager) Decide(hasCapacity bool, bundle bpv6.Bundle) Decision {
	id := bundleIdentity{
		Source:   bundle.Primary.Source,
		Seconds:  bundle.Primary.Creation.Seconds,
		Sequence: bundle.Primary.Creation.Sequence,
	}
	m.dedupMu.Lock()
	_, seen := m.dedup.Get(id)
	m.dedupMu.Unlock()
	if seen {
		m.countRefusal(ReasonRedundantReception)
		return Decision{Accept: false, Reason: ReasonRedundantReception}
	}
	if !hasCapacity {
		m.countRefusal(ReasonDepletedStorage)
		return Decision{Accept: false, Reason: ReasonDepletedStorage}
	}
	if bundle.Primary.Destination.IsZero() {
		m.countRefusal(ReasonDestUnintelligible)
		return Decision{Accept: false, Reason: ReasonDestUnintelligible}
	}
	if _, ok := bpv6.FindCTEB(bundle.Extended); !ok {
		m.countRefusal(ReasonBlockUnintelligible)
		return Decision{Accept: false, Reason: ReasonBlockUnintelligible}
	}
	m.dedupMu.Lock()
	m.dedup.Push(id, struct{}{})
	m.dedupMu.Unlock()
	if m.tel != nil {
		m.tel.CustodyAcceptedInc()
	}
	return Decision{Accept: true}
}

func (m *Manager) countRefusal(r Reason) {
	if m.tel != nil {
		m.tel.CustodyRefused(r.String())
	}
}

// AcceptedCTEB is the result of accepting custody: the prior
// custodian's CTEB contents (needed to address the acknowledgement
// signal) and the newly-assigned local custody id now written into the
// bundle's CTEB in place.
type AcceptedCTEB struct {
	PriorCustodian hdtncore.EID
	PriorCustodyID uint64
	NewCustodyID   uint64
}

// AcceptCustody rewrites bundle's CTEB custodian to m.cfg.MyEID and
// assigns it a fresh local custody id. bundle must already have passed
// Decide with Accept=true; the CTEB
// index idx is the one FindCTEB returned during that decision.
func (m *Manager) AcceptCustody(bundle *bpv6.Bundle, idx int) (AcceptedCTEB, error) {
	cteb, err := bpv6.ParseCTEB(bundle.Extended[idx].Data)
	if err != nil {
		return AcceptedCTEB{}, err
	}
	newID := m.nextCustodyID.Add(1)
	rewritten := bpv6.CTEB{CustodyID: newID, Custodian: m.cfg.MyEID}
	bundle.Extended[idx].Data = bpv6.RenderCTEB(rewritten)
	bundle.Extended[idx].SetManuallyModified()
	return AcceptedCTEB{
		PriorCustodian: cteb.Custodian,
		PriorCustodyID: cteb.CustodyID,
		NewCustodyID:   newID,
	}, nil
}
