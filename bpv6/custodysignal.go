package bpv6

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// Administrative record type field, carried in the high nibble of the
// first payload byte per RFC 5050 §6.1.
const (
	adminRecordTypeCustodySignal = 2
	adminRecordFlagFragment      = 1 << 0
)

// CustodySignalReasonCode enumerates the RFC 5050 §6.3 reason codes a
// custody-signal/ACS entry can carry.
type CustodySignalReasonCode uint8

const (
	ReasonNoAdditionalInfo     CustodySignalReasonCode = 0x00
	ReasonRedundantReception   CustodySignalReasonCode = 0x03
	ReasonDepletedStorage      CustodySignalReasonCode = 0x04
	ReasonDestEIDUnintelligible CustodySignalReasonCode = 0x05
	ReasonNoKnownRouteToDest   CustodySignalReasonCode = 0x06
	ReasonNoTimelyContact      CustodySignalReasonCode = 0x07
	ReasonBlockUnintelligible  CustodySignalReasonCode = 0x08
)

// CustodySignal is a single-bundle RFC 5050 custody-acceptance/refusal
// administrative record: "I accept/refuse custody of the bundle
// identified by (source EID, creation timestamp)".
type CustodySignal struct {
	Succeeded       bool
	Reason          CustodySignalReasonCode
	SignalTime      uint64 // SDNV seconds, signal-generation time
	CreationSeconds uint64
	CreationSeq     uint64
	SourceEID       hdtncore.EID
}

var ErrNotCustodySignal = errors.New("bpv6: admin record is not a custody signal")

// ParseCustodySignal decodes the administrative-record payload of a
// bundle whose primary block has FlagAdminRecord set and whose payload
// begins with the custody-signal admin record type. The source EID is
// resolved against the signal's own inline dictionary (see
// RenderCustodySignal), not the enclosing bundle's primary-block
// dictionary.
func ParseCustodySignal(payload []byte) (CustodySignal, error) {
	if len(payload) < 1 {
		return CustodySignal{}, ErrMalformed
	}
	recordType := payload[0] >> 4
	if recordType != adminRecordTypeCustodySignal {
		return CustodySignal{}, ErrNotCustodySignal
	}
	off := 1
	if len(payload) < off+1 {
		return CustodySignal{}, ErrMalformed
	}
	statusByte := payload[off]
	off++
	succeeded := statusByte&0x80 != 0
	reason := CustodySignalReasonCode(statusByte & 0x7f)

	signalTime, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n

	seconds, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n
	seq, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n

	schemeOff, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n
	sspOff, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n

	dictLen, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return CustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n
	if uint64(len(payload)-off) < dictLen {
		return CustodySignal{}, ErrMalformed
	}
	dict := payload[off : off+int(dictLen)]

	eid, err := eidFromDictOffsets(dict, schemeOff, sspOff)
	if err != nil {
		return CustodySignal{}, err
	}

	return CustodySignal{
		Succeeded:       succeeded,
		Reason:          reason,
		SignalTime:      signalTime,
		CreationSeconds: seconds,
		CreationSeq:     seq,
		SourceEID:       eid,
	}, nil
}

// RenderCustodySignal serializes cs as a self-contained administrative-
// record payload (the record bytes only, not a full bundle). Unlike
// the primary block's shared dictionary, a custody signal carries its
// own tiny two-string dictionary ("ipn\0" followed by the source EID's
// SSP) inline, since a signal references exactly one EID and threading
// the original bundle's whole dictionary through just for this would
// cost more than it saves.
func RenderCustodySignal(buf []byte, cs CustodySignal) []byte {
	statusByte := byte(cs.Reason & 0x7f)
	if cs.Succeeded {
		statusByte |= 0x80
	}
	buf = append(buf, adminRecordTypeCustodySignal<<4, statusByte)
	buf = hdtncore.AppendSDNV(buf, cs.SignalTime)
	buf = hdtncore.AppendSDNV(buf, cs.CreationSeconds)
	buf = hdtncore.AppendSDNV(buf, cs.CreationSeq)

	const schemeStr = "ipn\x00"
	ssp := eidSSP(cs.SourceEID)
	dict := append([]byte(schemeStr), ssp...)
	dict = append(dict, 0)

	buf = hdtncore.AppendSDNV(buf, 0)                      // scheme offset
	buf = hdtncore.AppendSDNV(buf, uint64(len(schemeStr))) // SSP offset
	buf = hdtncore.AppendSDNV(buf, uint64(len(dict)))
	buf = append(buf, dict...)
	return buf
}

// ACSEntry is one (range of contiguous custody ids, starting custody
// id) pair within an Aggregate Custody Signal. This module implements
// a simplified format: an admin-record type byte (4<<4), a status byte
// (0x80 set on success, low 7 bits the reason), an SDNV count of
// entries, then (range-length, starting-custody-id) SDNV pairs,
// mirroring the real ACS draft's
// range-compression idea without adopting its full CBOR-free bit-packed
// encoding.
type ACSEntry struct {
	RangeLength     uint64
	StartCustodyID  uint64
}

// AggregateCustodySignal batches custody-acceptance decisions sharing a
// single (succeeded, reason) pair, amortizing one admin-record bundle
// over many custody ids.
type AggregateCustodySignal struct {
	Succeeded bool
	Reason    CustodySignalReasonCode
	Entries   []ACSEntry
}

var ErrNotACS = errors.New("bpv6: admin record is not an aggregate custody signal")

const adminRecordTypeACS = 4

// ParseACS decodes an Aggregate Custody Signal administrative-record
// payload.
func ParseACS(payload []byte) (AggregateCustodySignal, error) {
	if len(payload) < 2 {
		return AggregateCustodySignal{}, ErrMalformed
	}
	if payload[0]>>4 != adminRecordTypeACS {
		return AggregateCustodySignal{}, ErrNotACS
	}
	statusByte := payload[1]
	succeeded := statusByte&0x80 != 0
	reason := CustodySignalReasonCode(statusByte & 0x7f)

	off := 2
	count, n, err := hdtncore.SDNV(payload[off:])
	if err != nil {
		return AggregateCustodySignal{}, errors.Join(ErrMalformed, err)
	}
	off += n

	entries := make([]ACSEntry, count)
	for i := range entries {
		length, n, err := hdtncore.SDNV(payload[off:])
		if err != nil {
			return AggregateCustodySignal{}, errors.Join(ErrMalformed, err)
		}
		off += n
		start, n, err := hdtncore.SDNV(payload[off:])
		if err != nil {
			return AggregateCustodySignal{}, errors.Join(ErrMalformed, err)
		}
		off += n
		entries[i] = ACSEntry{RangeLength: length, StartCustodyID: start}
	}

	return AggregateCustodySignal{Succeeded: succeeded, Reason: reason, Entries: entries}, nil
}

// RenderACS serializes acs as an administrative-record payload.
func RenderACS(buf []byte, acs AggregateCustodySignal) []byte {
	statusByte := byte(acs.Reason & 0x7f)
	if acs.Succeeded {
		statusByte |= 0x80
	}
	buf = append(buf, adminRecordTypeACS<<4, statusByte)
	buf = hdtncore.AppendSDNV(buf, uint64(len(acs.Entries)))
	for _, e := range acs.Entries {
		buf = hdtncore.AppendSDNV(buf, e.RangeLength)
		buf = hdtncore.AppendSDNV(buf, e.StartCustodyID)
	}
	return buf
}
