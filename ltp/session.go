// Package ltp implements the LTP session engine: sender and receiver
// session state machines, red/green segmentation, the
// checkpoint/report/report-ack handshake with one-way-light-time-aware
// retransmission timers, and session cancellation. Session state is
// built as an explicit state enum plus a struct exposing pure step
// functions that return segments to send rather than performing socket
// I/O themselves; the engine multiplexer (engine.go) routes segments to
// sessions and returns their output to its caller, which owns the
// sockets.
package ltp

import (
	"errors"
	"log/slog"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal"
)

// SegmentType is the low 4 bits of an LTP segment's control byte, the
// first byte of the "[control-byte, session-id..., ...]" wire format.
type SegmentType uint8

const (
	SegRedData             SegmentType = 0x0
	SegRedCheckpoint        SegmentType = 0x1
	SegRedCheckpointEORP    SegmentType = 0x2
	SegRedCheckpointEORPEOB SegmentType = 0x3
	SegGreenData            SegmentType = 0x4
	SegGreenDataEOB         SegmentType = 0x7
	SegReport               SegmentType = 0x8
	SegReportAck            SegmentType = 0x9
	SegCancelFromSender     SegmentType = 0xa
	SegCancelFromReceiver   SegmentType = 0xb
	SegCancelAckFromSender  SegmentType = 0xc
	SegCancelAckFromReceiver SegmentType = 0xd
)

// IsRed reports whether t is one of the red-part data segment types.
func (t SegmentType) IsRed() bool {
	return t == SegRedData || t == SegRedCheckpoint || t == SegRedCheckpointEORP || t == SegRedCheckpointEORPEOB
}

// IsCheckpoint reports whether t carries a checkpoint serial number.
func (t SegmentType) IsCheckpoint() bool {
	return t == SegRedCheckpoint || t == SegRedCheckpointEORP || t == SegRedCheckpointEORPEOB
}

// IsEndOfRedPart reports whether t marks the final red-part segment.
func (t SegmentType) IsEndOfRedPart() bool {
	return t == SegRedCheckpointEORP || t == SegRedCheckpointEORPEOB
}

// IsEndOfBlock reports whether t marks the final segment of the whole
// transmission (red or green).
func (t SegmentType) IsEndOfBlock() bool {
	return t == SegRedCheckpointEORPEOB || t == SegGreenDataEOB
}

// IsGreen reports whether t is a green (unacknowledged) data segment.
func (t SegmentType) IsGreen() bool { return t == SegGreenData || t == SegGreenDataEOB }

// SessionID identifies an LTP session: (engine id, session number). The
// session number is drawn to avoid collisions within a running engine;
// see Engine.nextSessionNumber in engine.go.
type SessionID struct {
	EngineID      uint64
	SessionNumber uint64
}

// SlogValue renders a SessionID for structured logging without forcing
// an allocation.
func (s SessionID) SlogValue() slog.Value {
	return internal.SlogSessionID("session", s.EngineID, s.SessionNumber).Value
}

// ErrMalformed is returned when a segment cannot be decoded from the
// wire.
var ErrMalformed = errors.New("ltp: malformed segment")

// ErrSessionCapExceeded is returned when a new receiver session would
// exceed the engine's configured MaxSessions.
var ErrSessionCapExceeded = errors.New("ltp: session cap exceeded")

// DataSegment is a decoded red or green data segment.
type DataSegment struct {
	Type             SegmentType
	Session          SessionID
	ClientServiceID  uint64
	Offset           uint64
	Data             []byte
	CheckpointSerial uint64 // valid iff Type.IsCheckpoint()
	ReportSerial     uint64 // report serial being acknowledged by this checkpoint retransmit, 0 if none
}

// ReceptionClaim is one `[offset, length)` reception claim inside a
// report segment.
type ReceptionClaim struct {
	Offset uint64
	Length uint64
}

// ReportSegment is a decoded report segment.
type ReportSegment struct {
	Session          SessionID
	ReportSerial     uint64
	CheckpointSerial uint64
	LowerBound       uint64
	UpperBound       uint64
	Claims           []ReceptionClaim
}

// ReportAckSegment is a decoded report-ack segment.
type ReportAckSegment struct {
	Session      SessionID
	ReportSerial uint64
}

// CancelReason enumerates LTP session cancellation causes.
type CancelReason uint8

const (
	CancelReasonUserCancelled     CancelReason = 0
	CancelReasonUnreachable       CancelReason = 1
	CancelReasonRetransmitLimit   CancelReason = 2 // RLEXC
	CancelReasonMiscolored        CancelReason = 3
	CancelReasonSystemCancelled   CancelReason = 4 // SYS_CNCLD
	CancelReasonExceededRedLimit  CancelReason = 5
)

// CancelSegment is a decoded cancel or cancel-ack segment.
type CancelSegment struct {
	Type    SegmentType // one of the four cancel/cancel-ack types
	Session SessionID
	Reason  CancelReason
}

func putControlByte(buf []byte, t SegmentType) []byte {
	return append(buf, byte(t))
}

func appendSessionID(buf []byte, s SessionID) []byte {
	buf = hdtncore.AppendSDNV(buf, s.EngineID)
	buf = hdtncore.AppendSDNV(buf, s.SessionNumber)
	return buf
}

func decodeSessionID(buf []byte) (SessionID, int, error) {
	engineID, n1, err := hdtncore.SDNV(buf)
	if err != nil {
		return SessionID{}, 0, errors.Join(ErrMalformed, err)
	}
	sessionNum, n2, err := hdtncore.SDNV(buf[n1:])
	if err != nil {
		return SessionID{}, 0, errors.Join(ErrMalformed, err)
	}
	return SessionID{EngineID: engineID, SessionNumber: sessionNum}, n1 + n2, nil
}

// RenderDataSegment serializes a data segment, appending to buf.
func RenderDataSegment(buf []byte, d DataSegment) []byte {
	buf = putControlByte(buf, d.Type)
	buf = appendSessionID(buf, d.Session)
	buf = hdtncore.AppendSDNV(buf, d.ClientServiceID)
	buf = hdtncore.AppendSDNV(buf, d.Offset)
	buf = hdtncore.AppendSDNV(buf, uint64(len(d.Data)))
	if d.Type.IsCheckpoint() {
		buf = hdtncore.AppendSDNV(buf, d.CheckpointSerial)
		buf = hdtncore.AppendSDNV(buf, d.ReportSerial)
	}
	buf = append(buf, d.Data...)
	return buf
}

// ParseDataSegment decodes a red or green data segment whose control
// byte has already been read as t.
func ParseDataSegment(t SegmentType, buf []byte) (DataSegment, int, error) {
	session, n, err := decodeSessionID(buf)
	if err != nil {
		return DataSegment{}, 0, err
	}
	off := n
	d := DataSegment{Type: t, Session: session}

	csid, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return DataSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	d.ClientServiceID = csid

	offset, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return DataSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	d.Offset = offset

	length, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return DataSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n

	if t.IsCheckpoint() {
		cps, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return DataSegment{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		d.CheckpointSerial = cps
		rs, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return DataSegment{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		d.ReportSerial = rs
	}

	if uint64(len(buf)-off) < length {
		return DataSegment{}, 0, ErrMalformed
	}
	d.Data = buf[off : off+int(length)]
	off += int(length)

	return d, off, nil
}

// RenderReportSegment serializes a report segment, appending to buf.
func RenderReportSegment(buf []byte, r ReportSegment) []byte {
	buf = putControlByte(buf, SegReport)
	buf = appendSessionID(buf, r.Session)
	buf = hdtncore.AppendSDNV(buf, r.ReportSerial)
	buf = hdtncore.AppendSDNV(buf, r.CheckpointSerial)
	buf = hdtncore.AppendSDNV(buf, r.LowerBound)
	buf = hdtncore.AppendSDNV(buf, r.UpperBound)
	buf = hdtncore.AppendSDNV(buf, uint64(len(r.Claims)))
	for _, c := range r.Claims {
		buf = hdtncore.AppendSDNV(buf, c.Offset)
		buf = hdtncore.AppendSDNV(buf, c.Length)
	}
	return buf
}

// ParseReportSegment decodes a report segment (control byte already
// consumed).
func ParseReportSegment(buf []byte) (ReportSegment, int, error) {
	session, n, err := decodeSessionID(buf)
	if err != nil {
		return ReportSegment{}, 0, err
	}
	off := n
	var r ReportSegment
	r.Session = session

	r.ReportSerial, n, err = hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	r.CheckpointSerial, n, err = hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	r.LowerBound, n, err = hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	r.UpperBound, n, err = hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n

	count, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	r.Claims = make([]ReceptionClaim, count)
	for i := range r.Claims {
		o, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		l, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return ReportSegment{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		r.Claims[i] = ReceptionClaim{Offset: o, Length: l}
	}
	return r, off, nil
}

// RenderReportAckSegment serializes a report-ack segment, appending to
// buf.
func RenderReportAckSegment(buf []byte, a ReportAckSegment) []byte {
	buf = putControlByte(buf, SegReportAck)
	buf = appendSessionID(buf, a.Session)
	buf = hdtncore.AppendSDNV(buf, a.ReportSerial)
	return buf
}

// ParseReportAckSegment decodes a report-ack segment (control byte
// already consumed).
func ParseReportAckSegment(buf []byte) (ReportAckSegment, int, error) {
	session, n, err := decodeSessionID(buf)
	if err != nil {
		return ReportAckSegment{}, 0, err
	}
	off := n
	serial, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return ReportAckSegment{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	return ReportAckSegment{Session: session, ReportSerial: serial}, off, nil
}

// RenderCancelSegment serializes a cancel or cancel-ack segment.
func RenderCancelSegment(buf []byte, c CancelSegment) []byte {
	buf = putControlByte(buf, c.Type)
	buf = appendSessionID(buf, c.Session)
	buf = append(buf, byte(c.Reason))
	return buf
}

// ParseCancelSegment decodes a cancel or cancel-ack segment whose
// control byte has already been read as t.
func ParseCancelSegment(t SegmentType, buf []byte) (CancelSegment, int, error) {
	session, n, err := decodeSessionID(buf)
	if err != nil {
		return CancelSegment{}, 0, err
	}
	off := n
	if off >= len(buf) {
		return CancelSegment{}, 0, ErrMalformed
	}
	reason := CancelReason(buf[off])
	off++
	return CancelSegment{Type: t, Session: session, Reason: reason}, off, nil
}

// ParseSegmentType reads the control byte from the front of buf,
// returning the segment type and the remaining bytes.
func ParseSegmentType(buf []byte) (SegmentType, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, ErrMalformed
	}
	return SegmentType(buf[0] & 0x0f), buf[1:], nil
}
