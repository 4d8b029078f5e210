package ltp

import (
	"log/slog"
	"time"

	"github.com/hdtn/hdtn-core/fragset"
)

// SenderState is the sender session's state.
type SenderState uint8

const (
	SenderInitial SenderState = iota
	SenderSendingRed
	SenderSendingGreen
	SenderRedDone
	SenderClosed
	SenderCancelled
)

func (s SenderState) String() string {
	switch s {
	case SenderInitial:
		return "INITIAL"
	case SenderSendingRed:
		return "SENDING_RED"
	case SenderSendingGreen:
		return "SENDING_GREEN"
	case SenderRedDone:
		return "RED_DONE"
	case SenderClosed:
		return "CLOSED"
	case SenderCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// checkpointOutstanding tracks one armed checkpoint's retry state.
type checkpointOutstanding struct {
	offset  uint64
	length  uint64
	eorp    bool
	eob     bool
	retries int
}

// CheckpointKey identifies one outstanding checkpoint timer, the key
// space internal/timerwheel.Manager is parameterized over for sender
// sessions.
type CheckpointKey struct {
	Session SessionID
	Serial  uint64
}

// TimerAction is a request the sender/receiver state machine makes of
// its owning engine to arm or cancel a checkpoint/report timer. Kept as
// a plain returned value (not a direct timerwheel.Manager call) so the
// session state machines stay pure step functions: write into caller
// state, return what needs to happen next.
type TimerAction struct {
	Cancel   bool
	Key      CheckpointKey
	Deadline time.Time
}

// SenderConfig carries the per-session tunables for retransmission
// timing: round-trip estimate and retry bound.
type SenderConfig struct {
	OneWayLightTime time.Duration
	Margin          time.Duration
	MaxRetries      int // MAX_RETRIES_PER_SERIAL_NUMBER, default 5
}

func (c SenderConfig) rtt() time.Duration {
	return 2*c.OneWayLightTime + c.Margin
}

// Sender is an LTP sender session: a red/green segmentation state
// machine that returns the wire segments to transmit rather than
// writing to a socket itself.
type Sender struct {
	Session         SessionID
	ClientServiceID uint64
	State           SenderState
	Config          SenderConfig

	red   []byte
	green []byte

	nextCheckpointSerial uint64
	outstanding          map[uint64]*checkpointOutstanding
	senderKnows          fragset.Set // ranges the receiver has confirmed receiving
	redLen               uint64
	greenSent            bool
	segSize              int

	log *slog.Logger
}

// NewSender constructs a sender session in state INITIAL.
func NewSender(session SessionID, clientServiceID uint64, cfg SenderConfig, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		Session:         session,
		ClientServiceID: clientServiceID,
		Config:          cfg,
		outstanding:     make(map[uint64]*checkpointOutstanding),
		log:             log,
	}
}

// defaultSegmentSize caps each emitted data segment's payload length
// when Start's segSize parameter is not positive (the engine passes its
// EngineConfig.SegmentSize).
const defaultSegmentSize = 1400

// Start transitions the session out of INITIAL and returns the full
// initial burst of data segments for redBytes followed by greenBytes.
// Every checkpoint-bearing segment is assigned a fresh serial number and
// tracked in outstanding so OnCheckpointTimerExpired can retransmit it.
func (s *Sender) Start(redBytes, greenBytes []byte, segSize int) (segments [][]byte, timers []TimerAction) {
	if s.State != SenderInitial {
		return nil, nil
	}
	if segSize <= 0 {
		segSize = defaultSegmentSize
	}
	s.segSize = segSize
	s.red = redBytes
	s.green = greenBytes
	s.redLen = uint64(len(redBytes))

	if len(redBytes) > 0 {
		s.State = SenderSendingRed
		segments, timers = s.emitRedBurst(0, redBytes, len(greenBytes) == 0)
	} else {
		s.State = SenderSendingGreen
	}
	if len(greenBytes) > 0 {
		segments = append(segments, s.emitGreenBurst(greenBytes)...)
	}
	return segments, timers
}

// emitRedBurst segments data (a red-part byte range starting at
// fileOffset within the whole red part) into segSize chunks, marking
// the last chunk EORP (and EOB too, if lastIsEOB) and arming its
// checkpoint timer.
func (s *Sender) emitRedBurst(fileOffset uint64, data []byte, lastIsEOB bool) ([][]byte, []TimerAction) {
	var segments [][]byte
	var timers []TimerAction
	segSize := s.segSize
	if segSize <= 0 {
		segSize = defaultSegmentSize
	}
	off := 0
	for off < len(data) {
		end := off + segSize
		if end > len(data) {
			end = len(data)
		}
		isLast := end == len(data)
		typ := SegRedData
		var serial uint64
		if isLast {
			if lastIsEOB {
				typ = SegRedCheckpointEORPEOB
			} else {
				typ = SegRedCheckpointEORP
			}
			s.nextCheckpointSerial++
			serial = s.nextCheckpointSerial
			s.outstanding[serial] = &checkpointOutstanding{
				offset: fileOffset + uint64(off),
				length: uint64(end - off),
				eorp:   true,
				eob:    lastIsEOB,
			}
		}
		d := DataSegment{
			Type:             typ,
			Session:          s.Session,
			ClientServiceID:  s.ClientServiceID,
			Offset:           fileOffset + uint64(off),
			Data:             data[off:end],
			CheckpointSerial: serial,
		}
		segments = append(segments, RenderDataSegment(nil, d))
		if isLast {
			timers = append(timers, TimerAction{
				Key:      CheckpointKey{Session: s.Session, Serial: serial},
				Deadline: time.Now().Add(s.Config.rtt()),
			})
		}
		off = end
	}
	return segments, timers
}

func (s *Sender) emitGreenBurst(data []byte) [][]byte {
	var segments [][]byte
	segSize := s.segSize
	if segSize <= 0 {
		segSize = defaultSegmentSize
	}
	off := 0
	for off < len(data) {
		end := off + segSize
		if end > len(data) {
			end = len(data)
		}
		typ := SegGreenData
		if end == len(data) {
			typ = SegGreenDataEOB
		}
		d := DataSegment{
			Type:            typ,
			Session:         s.Session,
			ClientServiceID: s.ClientServiceID,
			Offset:          s.redLen + uint64(off),
			Data:            data[off:end],
		}
		segments = append(segments, RenderDataSegment(nil, d))
		off = end
	}
	s.greenSent = true
	if s.State == SenderSendingGreen || len(s.red) == 0 {
		s.State = SenderClosed
	}
	return segments
}

// OnReportSegment processes an inbound report, matching it against the
// checkpoint it acknowledges, marking the claimed ranges as known to
// have arrived, emitting a report-ack, and retransmitting any
// still-uncovered sub-ranges within the red part as a fresh checkpointed
// burst. If the report confirms the entire red part, the session
// transitions RED_DONE (and CLOSED if there is no green part).
func (s *Sender) OnReportSegment(r ReportSegment) (segments [][]byte, timers []TimerAction) {
	if s.State != SenderSendingRed && s.State != SenderRedDone {
		return nil, nil
	}
	if _, ok := s.outstanding[r.CheckpointSerial]; ok {
		delete(s.outstanding, r.CheckpointSerial)
		timers = append(timers, TimerAction{
			Cancel: true,
			Key:    CheckpointKey{Session: s.Session, Serial: r.CheckpointSerial},
		})
	}

	for _, c := range r.Claims {
		s.senderKnows.Insert(fragset.Range{Begin: c.Offset, End: c.Offset + c.Length})
	}

	segments = append(segments, RenderReportAckSegment(nil, ReportAckSegment{
		Session:      s.Session,
		ReportSerial: r.ReportSerial,
	}))

	gaps := s.senderKnows.ComplementUpTo(s.redLen)
	if len(gaps) == 0 {
		s.State = SenderRedDone
		if len(s.green) == 0 || s.greenSent {
			s.State = SenderClosed
		}
		return segments, timers
	}

	for i, gap := range gaps {
		isLastGap := i == len(gaps)-1
		lastIsEOB := isLastGap && len(s.green) == 0
		data := s.red[gap.Begin:gap.End]
		burstSegs, burstTimers := s.emitRedBurst(gap.Begin, data, lastIsEOB)
		segments = append(segments, burstSegs...)
		timers = append(timers, burstTimers...)
	}
	return segments, timers
}

// OnCheckpointTimerExpired retransmits the checkpoint segment
// identified by serial, or cancels the session with
// CancelReasonRetransmitLimit if its retry budget is exhausted.
func (s *Sender) OnCheckpointTimerExpired(serial uint64) (segments [][]byte, timers []TimerAction, cancelled bool) {
	cp, ok := s.outstanding[serial]
	if !ok {
		return nil, nil, false
	}
	maxRetries := s.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	cp.retries++
	if cp.retries > maxRetries {
		delete(s.outstanding, serial)
		s.State = SenderCancelled
		segments = [][]byte{RenderCancelSegment(nil, CancelSegment{
			Type:    SegCancelFromSender,
			Session: s.Session,
			Reason:  CancelReasonRetransmitLimit,
		})}
		return segments, nil, true
	}

	typ := SegRedCheckpoint
	if cp.eorp && cp.eob {
		typ = SegRedCheckpointEORPEOB
	} else if cp.eorp {
		typ = SegRedCheckpointEORP
	}
	d := DataSegment{
		Type:             typ,
		Session:          s.Session,
		ClientServiceID:  s.ClientServiceID,
		Offset:           cp.offset,
		Data:             s.red[cp.offset : cp.offset+cp.length],
		CheckpointSerial: serial,
	}
	segments = [][]byte{RenderDataSegment(nil, d)}
	timers = []TimerAction{{
		Key:      CheckpointKey{Session: s.Session, Serial: serial},
		Deadline: time.Now().Add(s.Config.rtt()),
	}}
	return segments, timers, false
}

// Done reports whether the session has reached a terminal state
// (CLOSED or CANCELLED).
func (s *Sender) Done() bool { return s.State == SenderClosed || s.State == SenderCancelled }
