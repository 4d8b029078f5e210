package bpv7

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// Version is the BPv7 primary block version field value this module
// emits and expects (RFC 9171 §4.3.1).
const Version = 7

// URI scheme codes (RFC 9171 §4.2.5.1).
const (
	uriSchemeDTN = 1
	uriSchemeIPN = 2
)

// ProcessingFlags mirrors bpv6.ProcessingFlags' bit meanings that carry
// over unchanged into BPv7 (RFC 9171 §4.3.4); CRC type and block count
// differ structurally and are handled separately.
type ProcessingFlags uint64

const (
	FlagIsFragment           ProcessingFlags = 1 << 0
	FlagAdminRecord          ProcessingFlags = 1 << 1
	FlagMustNotFragment      ProcessingFlags = 1 << 2
	FlagAppAckRequested      ProcessingFlags = 1 << 5
	FlagStatusRequested      ProcessingFlags = 1 << 6
)

func (p ProcessingFlags) Has(bit ProcessingFlags) bool { return p&bit == bit }

// CRCType identifies the per-block CRC field shape (RFC 9171 §4.2.1).
type CRCType uint64

const (
	CRCNone  CRCType = 0
	CRC16    CRCType = 1
	CRC32C   CRCType = 2
)

// CreationTimestamp is the BPv7 (DTN time, sequence number) pair (RFC
// 9171 §4.2.7).
type CreationTimestamp struct {
	DTNTime  uint64
	Sequence uint64
}

// PrimaryBlock is the decoded BPv7 primary block.
type PrimaryBlock struct {
	Flags          ProcessingFlags
	CRCType        CRCType
	Destination    hdtncore.EID
	Source         hdtncore.EID
	ReportTo       hdtncore.EID
	Creation       CreationTimestamp
	Lifetime       uint64
	FragmentOffset uint64
	TotalADULength uint64

	modified bool
}

func (p *PrimaryBlock) SetManuallyModified() { p.modified = true }
func (p *PrimaryBlock) Modified() bool       { return p.modified }

// fieldCount returns how many CBOR array elements this primary block
// encodes to, per RFC 9171 §4.3.1: 8 fixed fields, +2 if fragmented,
// +1 if a CRC is present.
func (p PrimaryBlock) fieldCount() uint64 {
	n := uint64(8)
	if p.Flags.Has(FlagIsFragment) {
		n += 2
	}
	if p.CRCType != CRCNone {
		n++
	}
	return n
}

func appendEID(buf []byte, e hdtncore.EID) []byte {
	buf = appendArrayHeader(buf, 2)
	if e.IsZero() {
		buf = appendUint(buf, uriSchemeDTN)
		buf = appendUint(buf, 0) // ssp "none"
		return buf
	}
	buf = appendUint(buf, uriSchemeIPN)
	buf = appendArrayHeader(buf, 2)
	buf = appendUint(buf, e.NodeID)
	buf = appendUint(buf, e.ServiceID)
	return buf
}

func decodeEID(buf []byte) (hdtncore.EID, int, error) {
	count, n, err := decodeArrayHeader(buf)
	if err != nil || count != 2 {
		return hdtncore.EID{}, 0, ErrMalformed
	}
	off := n
	scheme, n, err := decodeUint(buf[off:])
	if err != nil {
		return hdtncore.EID{}, 0, err
	}
	off += n
	switch scheme {
	case uriSchemeDTN:
		_, n, err := decodeUint(buf[off:])
		if err != nil {
			return hdtncore.EID{}, 0, err
		}
		off += n
		return hdtncore.EID{}, off, nil
	case uriSchemeIPN:
		sspCount, n, err := decodeArrayHeader(buf[off:])
		if err != nil || sspCount != 2 {
			return hdtncore.EID{}, 0, ErrMalformed
		}
		off += n
		node, n, err := decodeUint(buf[off:])
		if err != nil {
			return hdtncore.EID{}, 0, err
		}
		off += n
		svc, n, err := decodeUint(buf[off:])
		if err != nil {
			return hdtncore.EID{}, 0, err
		}
		off += n
		return hdtncore.EID{NodeID: node, ServiceID: svc}, off, nil
	default:
		return hdtncore.EID{}, 0, ErrMalformed
	}
}

// ParsePrimary decodes a BPv7 primary block (a CBOR array) from the
// front of buf.
func ParsePrimary(buf []byte) (PrimaryBlock, int, error) {
	count, n, err := decodeArrayHeader(buf)
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	if count < 8 || count > 11 {
		return PrimaryBlock{}, 0, ErrMalformed
	}
	off := n

	version, n, err := decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	if version != Version {
		return PrimaryBlock{}, 0, ErrMalformed
	}

	flags, n, err := decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	pb := PrimaryBlock{Flags: ProcessingFlags(flags)}

	crcType, n, err := decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	pb.CRCType = CRCType(crcType)

	pb.Destination, n, err = decodeEID(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	pb.Source, n, err = decodeEID(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	pb.ReportTo, n, err = decodeEID(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n

	tsCount, n, err := decodeArrayHeader(buf[off:])
	if err != nil || tsCount != 2 {
		return PrimaryBlock{}, 0, ErrMalformed
	}
	off += n
	pb.Creation.DTNTime, n, err = decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n
	pb.Creation.Sequence, n, err = decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n

	pb.Lifetime, n, err = decodeUint(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, err
	}
	off += n

	if pb.Flags.Has(FlagIsFragment) {
		pb.FragmentOffset, n, err = decodeUint(buf[off:])
		if err != nil {
			return PrimaryBlock{}, 0, err
		}
		off += n
		pb.TotalADULength, n, err = decodeUint(buf[off:])
		if err != nil {
			return PrimaryBlock{}, 0, err
		}
		off += n
	}

	if pb.CRCType != CRCNone {
		beforeCRCField := off
		crcBytes, n, err := decodeByteString(buf[off:])
		if err != nil {
			return PrimaryBlock{}, 0, err
		}
		off += n
		if err := verifyCRC(pb.CRCType, buf[:beforeCRCField], crcBytes); err != nil {
			return PrimaryBlock{}, 0, err
		}
	}

	return pb, off, nil
}

var errCRCMismatch = errors.New("bpv7: CRC mismatch")

func computeCRC(t CRCType, data []byte) []byte {
	switch t {
	case CRC16:
		c := hdtncore.CRC16X25(data)
		return []byte{byte(c >> 8), byte(c)}
	case CRC32C:
		c := hdtncore.CRC32C(data)
		return []byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)}
	default:
		return nil
	}
}

// verifyCRC checks a decoded CRC byte string against the recomputed CRC
// of dataUpToCRCField, the block's bytes up to (but not including) the
// CRC field itself: the same range RenderPrimary/RenderCanonical feed
// computeCRC when encoding.
func verifyCRC(t CRCType, dataUpToCRCField, got []byte) error {
	want := computeCRC(t, dataUpToCRCField)
	if len(want) != len(got) {
		return errCRCMismatch
	}
	for i := range want {
		if want[i] != got[i] {
			return errCRCMismatch
		}
	}
	return nil
}

// RenderPrimary serializes p as a CBOR array, appending to buf.
func RenderPrimary(buf []byte, p PrimaryBlock) []byte {
	start := len(buf)
	buf = appendArrayHeader(buf, p.fieldCount())
	buf = appendUint(buf, Version)
	buf = appendUint(buf, uint64(p.Flags))
	buf = appendUint(buf, uint64(p.CRCType))
	buf = appendEID(buf, p.Destination)
	buf = appendEID(buf, p.Source)
	buf = appendEID(buf, p.ReportTo)
	buf = appendArrayHeader(buf, 2)
	buf = appendUint(buf, p.Creation.DTNTime)
	buf = appendUint(buf, p.Creation.Sequence)
	buf = appendUint(buf, p.Lifetime)
	if p.Flags.Has(FlagIsFragment) {
		buf = appendUint(buf, p.FragmentOffset)
		buf = appendUint(buf, p.TotalADULength)
	}
	if p.CRCType != CRCNone {
		crc := computeCRC(p.CRCType, buf[start:])
		buf = appendByteString(buf, crc)
	}
	return buf
}
