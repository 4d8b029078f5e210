// Package bpv6 implements the Bundle Protocol version 6 (RFC 5050) half
// of the wire codec: primary-block and canonical-block parsing and
// rendering, plus the BPv6 custody-signal and Aggregate-Custody-Signal
// administrative records. Parsing decodes each block eagerly into a
// struct (canonical block data stays a slice of the input buffer), and
// rendering always re-encodes every block from those structs; an
// untouched bundle is not copied through from its original bytes.
package bpv6

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// ErrMalformed is returned (wrapped with more context via errors.Join)
// whenever SDNV decoding overruns the buffer or a primary-block
// invariant is violated.
var ErrMalformed = errors.New("bpv6: malformed bundle")

// ProcessingFlags is the BPv6 primary block's bundle processing control
// flags field (an SDNV on the wire, modeled here as a plain bitset).
type ProcessingFlags uint64

const (
	FlagIsFragment           ProcessingFlags = 1 << 0
	FlagAdminRecord          ProcessingFlags = 1 << 1
	FlagMustNotFragment      ProcessingFlags = 1 << 2
	FlagCustodyRequested     ProcessingFlags = 1 << 3
	FlagSingletonDestination ProcessingFlags = 1 << 4
	FlagAppAckRequested      ProcessingFlags = 1 << 5
)

// Has reports whether all bits of f are set.
func (p ProcessingFlags) Has(f ProcessingFlags) bool { return p&f == f }

// IsSingleton reports the "destination endpoint is a singleton" bit,
// used by the ingress dispatcher to decide requestsCustody.
func (p ProcessingFlags) IsSingleton() bool { return p.Has(FlagSingletonDestination) }

// RequestsCustody reports singleton-destination custody requests:
// requestsCustody = SINGLETON && CUSTODY_REQUESTED (BPv6 only).
func (p ProcessingFlags) RequestsCustody() bool {
	return p.Has(FlagSingletonDestination) && p.Has(FlagCustodyRequested)
}

// CreationTimestamp is the BPv6 primary block's (seconds, sequence)
// pair, per the data model's Bundle invariants.
type CreationTimestamp struct {
	Seconds  uint64
	Sequence uint64
}

// PrimaryBlock holds the decoded scalar fields of a BPv6 primary block.
// EIDs are resolved eagerly out of the dictionary at parse time (the
// dictionary itself is not retained) since every consumer in this
// module needs them as EID values, not raw scheme/SSP string pairs.
type PrimaryBlock struct {
	Flags          ProcessingFlags
	Destination    hdtncore.EID
	Source         hdtncore.EID
	ReportTo       hdtncore.EID
	Custodian      hdtncore.EID
	Creation       CreationTimestamp
	Lifetime       uint64
	FragmentOffset uint64
	TotalADULength uint64

	modified bool
}

// SetManuallyModified flags the primary block as mutated; Modified
// reports the flag. RenderPrimary does not consult it: it re-encodes
// the block whether or not the flag is set.
func (p *PrimaryBlock) SetManuallyModified() { p.modified = true }

// Modified reports whether the block has been mutated since parsing.
func (p *PrimaryBlock) Modified() bool { return p.modified }

// ParsePrimary decodes a BPv6 primary block from the front of buf,
// returning the decoded block and the number of bytes it occupied.
// Fails with ErrMalformed if SDNV decoding overruns or an EID cannot be
// resolved out of the dictionary.
func ParsePrimary(buf []byte) (PrimaryBlock, int, error) {
	if len(buf) < 1 || buf[0] != 6 {
		return PrimaryBlock{}, 0, ErrMalformed
	}
	off := 1

	flags, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n

	// Block length (informational; the sum of fields below is authoritative).
	if _, n, err = hdtncore.SDNV(buf[off:]); err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	} else {
		off += n
	}

	var offsets [8]uint64
	for i := range offsets {
		v, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
		}
		offsets[i] = v
		off += n
	}

	var ts CreationTimestamp
	if ts.Seconds, n, err = hdtncore.SDNV(buf[off:]); err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	if ts.Sequence, n, err = hdtncore.SDNV(buf[off:]); err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n

	lifetime, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n

	dictLen, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	if uint64(len(buf)-off) < dictLen {
		return PrimaryBlock{}, 0, ErrMalformed
	}
	dict := buf[off : off+int(dictLen)]
	off += int(dictLen)

	pb := PrimaryBlock{
		Flags:    ProcessingFlags(flags),
		Creation: ts,
		Lifetime: lifetime,
	}
	if pb.Destination, err = eidFromDictOffsets(dict, offsets[0], offsets[1]); err != nil {
		return PrimaryBlock{}, 0, err
	}
	if pb.Source, err = eidFromDictOffsets(dict, offsets[2], offsets[3]); err != nil {
		return PrimaryBlock{}, 0, err
	}
	if pb.ReportTo, err = eidFromDictOffsets(dict, offsets[4], offsets[5]); err != nil {
		return PrimaryBlock{}, 0, err
	}
	if pb.Custodian, err = eidFromDictOffsets(dict, offsets[6], offsets[7]); err != nil {
		return PrimaryBlock{}, 0, err
	}

	if pb.Flags.Has(FlagIsFragment) {
		if pb.FragmentOffset, n, err = hdtncore.SDNV(buf[off:]); err != nil {
			return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		if pb.TotalADULength, n, err = hdtncore.SDNV(buf[off:]); err != nil {
			return PrimaryBlock{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
	}

	return pb, off, nil
}

// RenderPrimary serializes p, appending its bytes to buf and returning
// the extended slice. The dictionary always contains exactly
// "ipn"\0 followed by each EID's "N.S" SSP string, deduplicated by
// scheme (every EID here uses the ipn scheme, so one scheme string
// suffices), keeping rendering allocation-light.
func RenderPrimary(buf []byte, p PrimaryBlock) []byte {
	dict, offs := buildDictionary(p)

	body := make([]byte, 0, 64)
	for _, o := range offs {
		body = hdtncore.AppendSDNV(body, o)
	}
	body = hdtncore.AppendSDNV(body, p.Creation.Seconds)
	body = hdtncore.AppendSDNV(body, p.Creation.Sequence)
	body = hdtncore.AppendSDNV(body, p.Lifetime)
	body = hdtncore.AppendSDNV(body, uint64(len(dict)))
	body = append(body, dict...)
	if p.Flags.Has(FlagIsFragment) {
		body = hdtncore.AppendSDNV(body, p.FragmentOffset)
		body = hdtncore.AppendSDNV(body, p.TotalADULength)
	}

	buf = append(buf, 6)
	buf = hdtncore.AppendSDNV(buf, uint64(p.Flags))
	buf = hdtncore.AppendSDNV(buf, uint64(len(body)))
	buf = append(buf, body...)
	return buf
}

// buildDictionary lays out the four EIDs' SSP strings back-to-back,
// sharing the single "ipn\0" scheme string, and returns the dictionary
// bytes plus the eight (scheme, SSP) byte offsets in Destination,
// Source, ReportTo, Custodian order.
func buildDictionary(p PrimaryBlock) ([]byte, [8]uint64) {
	const scheme = "ipn\x00"
	dict := []byte(scheme)
	var offs [8]uint64
	eids := [4]hdtncore.EID{p.Destination, p.Source, p.ReportTo, p.Custodian}
	for i, e := range eids {
		offs[i*2] = 0 // scheme offset: always the shared "ipn" string at offset 0
		offs[i*2+1] = uint64(len(dict))
		dict = append(dict, eidSSP(e)...)
		dict = append(dict, 0)
	}
	return dict, offs
}

func eidSSP(e hdtncore.EID) []byte {
	s := e.String() // "ipn:N.S"
	return []byte(s[len("ipn:"):])
}

func eidFromDictOffsets(dict []byte, schemeOff, sspOff uint64) (hdtncore.EID, error) {
	scheme, err := cstrAt(dict, schemeOff)
	if err != nil {
		return hdtncore.EID{}, err
	}
	ssp, err := cstrAt(dict, sspOff)
	if err != nil {
		return hdtncore.EID{}, err
	}
	if scheme == "dtn" {
		if ssp == "none" || ssp == "" {
			return hdtncore.EID{}, nil
		}
		return hdtncore.EID{}, ErrMalformed
	}
	eid, err := hdtncore.ParseEID("ipn:" + ssp)
	if err != nil {
		return hdtncore.EID{}, errors.Join(ErrMalformed, err)
	}
	return eid, nil
}

func cstrAt(dict []byte, off uint64) (string, error) {
	if off > uint64(len(dict)) {
		return "", ErrMalformed
	}
	rest := dict[off:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), nil
		}
	}
	return "", ErrMalformed
}
