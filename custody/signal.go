package custody

import (
	"time"

	"github.com/hdtn/hdtn-core/bpv6"
	"github.com/hdtn/hdtn-core/hdtncore"
)

// DefaultSignalLifetime is the lifetime (seconds) given to generated
// custody-signal bundles; signals are small and should not linger in
// storage long past their usefulness.
const DefaultSignalLifetime = 3600

// dtnEpoch is the BPv6 creation-timestamp epoch, 2000-01-01T00:00:00Z
// (RFC 5050 §4.1.3), used to render SignalTime as seconds-since-epoch.
var dtnEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func dtnNow() uint64 {
	return uint64(time.Since(dtnEpoch).Seconds())
}

// FlushedSignal is one Aggregate Custody Signal bundle ready for
// transmission to Dest, produced by Flush.
type FlushedSignal struct {
	Dest  hdtncore.EID
	Bytes []byte
}

// GenerateSignal implements the signal-emission step: on an
// accept or refuse decision, generate a custody-signal bundle directed
// at the previous custodian (an RFC 5050 single-bundle signal, or
// aggregated if acsAware is set). When acsAware is true the
// (priorCustodyID, succeeded, reason) row is accumulated and GenerateSignal
// returns ok=false (nothing to send yet, see Flush); otherwise it
// returns the fully rendered single-bundle signal immediately.
func (m *Manager) GenerateSignal(
	priorCustodian hdtncore.EID,
	priorCustodyID uint64,
	source hdtncore.EID,
	creation bpv6.CreationTimestamp,
	succeeded bool,
	reason Reason,
	acsAware bool,
) (bundleBytes []byte, ok bool) {
	if acsAware {
		m.accumulateACS(priorCustodian, priorCustodyID, succeeded, reason)
		return nil, false
	}
	payload := bpv6.RenderCustodySignal(nil, bpv6.CustodySignal{
		Succeeded:       succeeded,
		Reason:          reason,
		SignalTime:      dtnNow(),
		CreationSeconds: creation.Seconds,
		CreationSeq:     creation.Sequence,
		SourceEID:       source,
	})
	return m.buildAdminBundle(priorCustodian, payload), true
}

func (m *Manager) accumulateACS(custodian hdtncore.EID, custodyID uint64, succeeded bool, reason Reason) {
	key := acsKey{Custodian: custodian, Succeeded: succeeded, Reason: reason}
	m.acsMu.Lock()
	m.acsPending[key] = append(m.acsPending[key], bpv6.ACSEntry{RangeLength: 1, StartCustodyID: custodyID})
	m.acsMu.Unlock()
}

// Flush renders and returns one ACS bundle per distinct
// (custodian, succeeded, reason) group accumulated since the last
// Flush: e.g. accepting three bundles from the same prior custodian
// with success produces, on flush, one ACS bundle listing all three
// custody-ids under the success reason index. The accumulator is
// cleared as groups are drained.
func (m *Manager) Flush() []FlushedSignal {
	m.acsMu.Lock()
	pending := m.acsPending
	m.acsPending = make(map[acsKey][]bpv6.ACSEntry)
	m.acsMu.Unlock()

	out := make([]FlushedSignal, 0, len(pending))
	for key, entries := range pending {
		payload := bpv6.RenderACS(nil, bpv6.AggregateCustodySignal{
			Succeeded: key.Succeeded,
			Reason:    key.Reason,
			Entries:   entries,
		})
		out = append(out, FlushedSignal{
			Dest:  key.Custodian,
			Bytes: m.buildAdminBundle(key.Custodian, payload),
		})
	}
	return out
}

// buildAdminBundle wraps an administrative-record payload (a custody
// signal or ACS) in a minimal BPv6 bundle addressed to dest, sourced
// from m.cfg.MyEID, the admin-record convention the receiving ingress
// dispatcher recognizes.
func (m *Manager) buildAdminBundle(dest hdtncore.EID, payload []byte) []byte {
	primary := bpv6.PrimaryBlock{
		Flags:       bpv6.FlagSingletonDestination | bpv6.FlagAdminRecord,
		Destination: dest,
		Source:      m.cfg.MyEID,
		ReportTo:    m.cfg.MyEID,
		Custodian:   m.cfg.MyEID,
		Creation:    bpv6.CreationTimestamp{Seconds: dtnNow(), Sequence: 0},
		Lifetime:    DefaultSignalLifetime,
	}
	payloadBlock := bpv6.CanonicalBlock{
		Type:  bpv6.BlockTypePayload,
		Flags: bpv6.BlockFlagLastBlock,
		Data:  payload,
	}
	return bpv6.RenderBundle(nil, bpv6.Bundle{Primary: primary, Payload: payloadBlock})
}

// ConsumeCustodySignal decodes an incoming single-bundle custody-signal
// administrative record. Callers match the returned (SourceEID,
// CreationSeconds, CreationSeq) identity against their own table of
// outstanding custody grants to find the custody id being acknowledged:
// RFC 5050 custody signals reference a bundle by identity, not by
// custody id (only ACS entries carry custody ids directly).
func (m *Manager) ConsumeCustodySignal(payload []byte) (bpv6.CustodySignal, error) {
	return bpv6.ParseCustodySignal(payload)
}

// ConsumeACS decodes an incoming Aggregate Custody Signal
// administrative record, whose entries carry custody ids directly.
func (m *Manager) ConsumeACS(payload []byte) (bpv6.AggregateCustodySignal, error) {
	return bpv6.ParseACS(payload)
}
