package bpv7

import "github.com/hdtn/hdtn-core/hdtncore"

// HopCount is the decoded form of a hop-count extension block's data
// field (RFC 9171 §4.4.3): a CBOR array [hop limit, hop count].
type HopCount struct {
	Limit uint64
	Count uint64
}

// ParseHopCountData decodes a hop-count block's Data field.
func ParseHopCountData(data []byte) (HopCount, error) {
	count, off, err := decodeArrayHeader(data)
	if err != nil || count != 2 {
		return HopCount{}, ErrMalformed
	}
	var hc HopCount
	v, n, err := decodeUint(data[off:])
	if err != nil {
		return HopCount{}, err
	}
	hc.Limit = v
	off += n
	v, _, err = decodeUint(data[off:])
	if err != nil {
		return HopCount{}, err
	}
	hc.Count = v
	return hc, nil
}

// RenderHopCountData encodes hc as a hop-count block's Data field.
func RenderHopCountData(hc HopCount) []byte {
	buf := appendArrayHeader(nil, 2)
	buf = appendUint(buf, hc.Limit)
	buf = appendUint(buf, hc.Count)
	return buf
}

// Exceeded reports whether this hop-count block's limit has been
// reached.
func (hc HopCount) Exceeded() bool { return hc.Count >= hc.Limit }

// Incremented returns hc with Count advanced by one, the mutation the
// ingress dispatcher applies to every forwarded bundle that already
// carries a hop-count block (RFC 9171 §4.4.3: "source node shall...
// increment the hop count value").
func (hc HopCount) Incremented() HopCount {
	return HopCount{Limit: hc.Limit, Count: hc.Count + 1}
}

// ParsePreviousNodeData decodes a previous-node block's Data field
// (RFC 9171 §4.4.1: the EID of the node that forwarded this bundle to
// us, CBOR-encoded the same way primary-block EIDs are).
func ParsePreviousNodeData(data []byte) (hdtncore.EID, error) {
	eid, _, err := decodeEID(data)
	return eid, err
}

// RenderPreviousNodeData encodes e as a previous-node block's Data
// field.
func RenderPreviousNodeData(e hdtncore.EID) []byte {
	return appendEID(nil, e)
}

// BundleAge is the decoded microsecond value of a bundle-age block
// (RFC 9171 §4.4.2), used in place of a trusted creation timestamp when
// the source node lacks an accurate clock.
type BundleAge uint64

// ParseBundleAgeData decodes a bundle-age block's Data field.
func ParseBundleAgeData(data []byte) (BundleAge, error) {
	v, _, err := decodeUint(data)
	return BundleAge(v), err
}

// RenderBundleAgeData encodes age as a bundle-age block's Data field.
func RenderBundleAgeData(age BundleAge) []byte {
	return appendUint(nil, uint64(age))
}
