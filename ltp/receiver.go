package ltp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hdtn/hdtn-core/fragset"
)

// ReceiverState is the receiver session's state.
type ReceiverState uint8

const (
	ReceiverActive ReceiverState = iota
	ReceiverRedComplete
	ReceiverClosed
	ReceiverCancelled
)

// MaxReceptionClaims bounds how many claims a single report segment
// carries; larger coverage is split across multiple reports.
const MaxReceptionClaims = 16

// ReceiverConfig carries the per-session tunables: ESTIMATED_BYTES_TO_RECEIVE
// sizes the initial red-part buffer allocation, MAX_RED_RX_BYTES bounds
// it.
type ReceiverConfig struct {
	EstimatedBytesToReceive uint64
	MaxRedRxBytes           uint64
	OneWayLightTime         time.Duration
	Margin                  time.Duration
	MaxRetries              int
}

func (c ReceiverConfig) rtt() time.Duration {
	return 2*c.OneWayLightTime + c.Margin
}

// ErrRedPartTooLarge names the condition of a red part growing past
// MaxRedRxBytes. OnDataSegment does not return it; it reports that case
// as a cancel segment with CancelReasonExceededRedLimit.
var ErrRedPartTooLarge = errors.New("ltp: red part exceeds MaxRedRxBytes")

// reportOutstanding tracks one emitted report's retry state, keyed by
// its own report serial number (distinct from the sender's checkpoint
// serial numbers).
type reportOutstanding struct {
	report  ReportSegment
	retries int
}

// Receiver is an LTP receiver session.
type Receiver struct {
	Session         SessionID
	ClientServiceID uint64
	State           ReceiverState
	Config          ReceiverConfig

	redBuf            []byte
	received          fragset.Set // ranges actually received
	senderKnows       fragset.Set // ranges this receiver has already told the sender about (via an un-timed-out report)
	redLen            uint64
	redLenKnown       bool
	sawEndOfRedPart   bool
	nextReportSerial  uint64
	seenCheckpoints   map[uint64]bool
	outstandingReport map[uint64]*reportOutstanding

	green [][]byte

	log *slog.Logger
}

// NewReceiver constructs a receiver session in state ACTIVE, allocating
// its red-part buffer per cfg.EstimatedBytesToReceive.
func NewReceiver(session SessionID, clientServiceID uint64, cfg ReceiverConfig, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	capHint := cfg.EstimatedBytesToReceive
	if capHint == 0 {
		capHint = 4096
	}
	return &Receiver{
		Session:           session,
		ClientServiceID:   clientServiceID,
		Config:            cfg,
		redBuf:            make([]byte, 0, capHint),
		seenCheckpoints:   make(map[uint64]bool),
		outstandingReport: make(map[uint64]*reportOutstanding),
		log:               log,
	}
}

func (r *Receiver) growRedBuf(upTo uint64) {
	if upTo <= uint64(len(r.redBuf)) {
		return
	}
	grown := make([]byte, upTo)
	copy(grown, r.redBuf)
	r.redBuf = grown
}

// OnDataSegment ingests one data segment. Green segments are returned
// immediately via greenData (delivered to the client service as-is);
// red segments are copied into the red-part buffer and their range
// recorded. If d is a checkpoint, OnDataSegment additionally returns
// the report segment(s) (split per MaxReceptionClaims) covering what
// the sender does not yet know this receiver has, plus timer actions
// to arm their report-serial retransmission timers. If d.Type
// completes red-part reception, redComplete reports true exactly once
// alongside the fully assembled red-part buffer.
func (r *Receiver) OnDataSegment(d DataSegment) (reports [][]byte, timers []TimerAction, greenData []byte, redComplete bool, redPart []byte, cancelled bool) {
	if r.State != ReceiverActive {
		return nil, nil, nil, false, nil, false
	}
	if d.Type.IsGreen() {
		return nil, nil, d.Data, false, nil, false
	}

	end := d.Offset + uint64(len(d.Data))
	if d.Type.IsEndOfRedPart() {
		r.redLen = end
		r.redLenKnown = true
		r.sawEndOfRedPart = true
	}
	if r.Config.MaxRedRxBytes > 0 && end > r.Config.MaxRedRxBytes {
		r.State = ReceiverCancelled
		return [][]byte{RenderCancelSegment(nil, CancelSegment{
			Type:    SegCancelFromReceiver,
			Session: r.Session,
			Reason:  CancelReasonExceededRedLimit,
		})}, nil, nil, false, nil, true
	}

	r.growRedBuf(end)
	copy(r.redBuf[d.Offset:end], d.Data)
	r.received.Insert(fragset.Range{Begin: d.Offset, End: end})

	if d.Type.IsCheckpoint() && !r.seenCheckpoints[d.CheckpointSerial] {
		r.seenCheckpoints[d.CheckpointSerial] = true
		reports, timers = r.buildReports(d.CheckpointSerial)
	}

	if r.redLenKnown && r.sawEndOfRedPart && r.received.ContainsAll(r.redLen) && r.State == ReceiverActive {
		r.State = ReceiverRedComplete
		redComplete = true
		redPart = r.redBuf[:r.redLen]
	}

	return reports, timers, nil, redComplete, redPart, false
}

// buildReports computes the gap set between received and senderKnows
// up to the known red length (or up through the current checkpoint's
// covered range if the red length is not yet known), splitting it into
// MaxReceptionClaims-sized report segments, each assigned a fresh
// serial number and an armed retransmission timer.
func (r *Receiver) buildReports(checkpointSerial uint64) ([][]byte, []TimerAction) {
	upTo := r.redLen
	if !r.redLenKnown {
		upTo = uint64(len(r.redBuf))
	}
	// The receiver reports ranges it HAS received that the sender does
	// not yet know about: received minus senderKnows, not the gaps in
	// what has been received.
	haveNotTold := diffClaims(&r.received, &r.senderKnows, upTo)

	var reports [][]byte
	var timers []TimerAction
	claims := haveNotTold
	for len(claims) > 0 || len(reports) == 0 {
		chunk := claims
		if len(chunk) > MaxReceptionClaims {
			chunk = chunk[:MaxReceptionClaims]
		}
		claims = claims[len(chunk):]

		r.nextReportSerial++
		serial := r.nextReportSerial
		rep := ReportSegment{
			Session:          r.Session,
			ReportSerial:     serial,
			CheckpointSerial: checkpointSerial,
			LowerBound:       0,
			UpperBound:       upTo,
			Claims:           toReceptionClaims(chunk),
		}
		r.outstandingReport[serial] = &reportOutstanding{report: rep}
		reports = append(reports, RenderReportSegment(nil, rep))
		timers = append(timers, TimerAction{
			Key:      CheckpointKey{Session: r.Session, Serial: serial},
			Deadline: time.Now().Add(r.Config.rtt()),
		})
		if len(chunk) == 0 {
			break
		}
	}
	return reports, timers
}

func diffClaims(have, known *fragset.Set, upTo uint64) []fragset.Range {
	var out []fragset.Range
	for _, hr := range have.Ranges() {
		if hr.Begin >= upTo {
			break
		}
		end := hr.End
		if end > upTo {
			end = upTo
		}
		out = append(out, known.Difference(fragset.Range{Begin: hr.Begin, End: end})...)
	}
	return out
}

func toReceptionClaims(ranges []fragset.Range) []ReceptionClaim {
	claims := make([]ReceptionClaim, len(ranges))
	for i, rg := range ranges {
		claims[i] = ReceptionClaim{Offset: rg.Begin, Length: rg.Len()}
	}
	return claims
}

// OnReportAckSegment marks the acknowledged report as known-to-sender,
// folds its claims into senderKnows, and cancels its retransmission
// timer.
func (r *Receiver) OnReportAckSegment(a ReportAckSegment) (timers []TimerAction) {
	rep, ok := r.outstandingReport[a.ReportSerial]
	if !ok {
		return nil
	}
	delete(r.outstandingReport, a.ReportSerial)
	for _, c := range rep.report.Claims {
		r.senderKnows.Insert(fragset.Range{Begin: c.Offset, End: c.Offset + c.Length})
	}
	return []TimerAction{{
		Cancel: true,
		Key:    CheckpointKey{Session: r.Session, Serial: a.ReportSerial},
	}}
}

// OnReportTimerExpired re-sends the report identified by serial, or
// cancels the session with CancelReasonRetransmitLimit once its retry
// budget is exhausted.
func (r *Receiver) OnReportTimerExpired(serial uint64) (segments [][]byte, timers []TimerAction, cancelled bool) {
	rep, ok := r.outstandingReport[serial]
	if !ok {
		return nil, nil, false
	}
	maxRetries := r.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	rep.retries++
	if rep.retries > maxRetries {
		delete(r.outstandingReport, serial)
		r.State = ReceiverCancelled
		return [][]byte{RenderCancelSegment(nil, CancelSegment{
			Type:    SegCancelFromReceiver,
			Session: r.Session,
			Reason:  CancelReasonRetransmitLimit,
		})}, nil, true
	}
	segments = [][]byte{RenderReportSegment(nil, rep.report)}
	timers = []TimerAction{{
		Key:      CheckpointKey{Session: r.Session, Serial: serial},
		Deadline: time.Now().Add(r.Config.rtt()),
	}}
	return segments, timers, false
}

// Done reports whether the session has reached a terminal state.
func (r *Receiver) Done() bool {
	return r.State == ReceiverClosed || r.State == ReceiverCancelled
}
