package ltp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"

	"github.com/hdtn/hdtn-core/internal"
	"github.com/hdtn/hdtn-core/internal/timerwheel"
)

// DefaultMaxSessions bounds the per-engine receiver session count.
const DefaultMaxSessions = 10000

// EngineConfig carries the per-engine tunables handed to every session
// it creates.
type EngineConfig struct {
	Sender      SenderConfig
	Receiver    ReceiverConfig
	MaxSessions int
	SegmentSize int
}

// Engine is the LTP engine multiplexer: it owns every sender and
// receiver session for one local LTP engine id, routes incoming
// segments to the right session (creating receiver sessions on
// demand), and returns the wire segments each session produces
// directly to its caller rather than queuing them internally. All
// mutation of Engine and its sessions happens on the owning reactor's
// goroutine; cross-thread callers must post through that reactor's
// Submit.
type Engine struct {
	EngineID uint64
	Config   EngineConfig

	senders   map[uint64]*Sender
	receivers map[uint64]*Receiver
	timers    *timerwheel.Manager

	randTop        uint32
	sessionCounter uint16

	log *slog.Logger
}

// NewEngine constructs an Engine seeded with a fresh random top part
// for session-number generation.
func NewEngine(engineID uint64, cfg EngineConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	return &Engine{
		EngineID:  engineID,
		Config:    cfg,
		senders:   make(map[uint64]*Sender),
		receivers: make(map[uint64]*Receiver),
		timers:    timerwheel.New(),
		randTop:   binary.BigEndian.Uint32(seed[:]),
		log:       log,
	}
}

// nextSessionNumber draws a fresh session number by XOR-composing the
// engine's random top part with an incrementing 16-bit counter, so that
// distinct sessions within a run stay collision-free without a lookup
// set.
func (e *Engine) nextSessionNumber() uint64 {
	e.sessionCounter++
	top := internal.Prand32(e.randTop)
	e.randTop = top
	return uint64(top)<<16 | uint64(e.sessionCounter)
}

// StartSession creates a new sender session for a red/green transfer
// and returns the initial burst of wire segments plus any timer actions
// to arm.
func (e *Engine) StartSession(clientServiceID uint64, redBytes, greenBytes []byte) (SessionID, [][]byte, []TimerAction) {
	sessNum := e.nextSessionNumber()
	sid := SessionID{EngineID: e.EngineID, SessionNumber: sessNum}
	sender := NewSender(sid, clientServiceID, e.Config.Sender, e.log)
	e.senders[sessNum] = sender
	segments, timers := sender.Start(redBytes, greenBytes, e.Config.SegmentSize)
	e.armTimers(timers)
	if sender.Done() {
		delete(e.senders, sessNum)
	}
	return sid, segments, timers
}

// armTimers arms/cancels the engine's shared timerwheel.Manager per
// each TimerAction, translating the session-local action into a
// timerwheel key unique across all sessions this engine owns.
func (e *Engine) armTimers(actions []TimerAction) {
	for _, a := range actions {
		if a.Cancel {
			e.timers.Cancel(a.Key)
			continue
		}
		e.timers.Start(a.Key, a.Deadline, nil)
	}
}

// OnSegment routes one inbound segment (its session id already decoded
// by the caller's transport layer, e.g. tcpcl or a UDP induct) to the
// owning session, creating a new receiver session on demand for the
// first data segment of an unseen session id, subject to MaxSessions.
// It returns the wire segments to transmit in response (reports,
// report-acks, cancels) and any timer actions to apply.
func (e *Engine) OnSegment(sessNum uint64, typ SegmentType, payload []byte) (out [][]byte, timers []TimerAction, err error) {
	switch {
	case typ.IsRed() || typ.IsGreen():
		d, _, err := ParseDataSegment(typ, payload)
		if err != nil {
			return nil, nil, err
		}
		recv, ok := e.receivers[sessNum]
		if !ok {
			if len(e.receivers) >= e.Config.MaxSessions {
				return nil, nil, ErrSessionCapExceeded
			}
			recv = NewReceiver(d.Session, d.ClientServiceID, e.Config.Receiver, e.log)
			e.receivers[sessNum] = recv
		}
		reports, rtimers, _, redComplete, _, cancelled := recv.OnDataSegment(d)
		e.armTimers(rtimers)
		if redComplete || cancelled || recv.Done() {
			if recv.Done() {
				delete(e.receivers, sessNum)
			}
		}
		return reports, rtimers, nil

	case typ == SegReport:
		rep, _, err := ParseReportSegment(payload)
		if err != nil {
			return nil, nil, err
		}
		sender, ok := e.senders[sessNum]
		if !ok {
			return nil, nil, nil
		}
		segments, stimers := sender.OnReportSegment(rep)
		e.armTimers(stimers)
		if sender.Done() {
			delete(e.senders, sessNum)
		}
		return segments, stimers, nil

	case typ == SegReportAck:
		ack, _, err := ParseReportAckSegment(payload)
		if err != nil {
			return nil, nil, err
		}
		recv, ok := e.receivers[sessNum]
		if !ok {
			return nil, nil, nil
		}
		rtimers := recv.OnReportAckSegment(ack)
		e.armTimers(rtimers)
		if recv.Done() {
			delete(e.receivers, sessNum)
		}
		return nil, rtimers, nil

	case typ == SegCancelFromSender || typ == SegCancelFromReceiver:
		cancel, _, err := ParseCancelSegment(typ, payload)
		if err != nil {
			return nil, nil, err
		}
		delete(e.senders, sessNum)
		delete(e.receivers, sessNum)
		ackType := SegCancelAckFromReceiver
		if typ == SegCancelFromReceiver {
			ackType = SegCancelAckFromSender
		}
		ack := RenderCancelSegment(nil, CancelSegment{Type: ackType, Session: cancel.Session, Reason: cancel.Reason})
		return [][]byte{ack}, nil, nil

	case typ == SegCancelAckFromSender || typ == SegCancelAckFromReceiver:
		return nil, nil, nil

	default:
		return nil, nil, ErrMalformed
	}
}

// OnTimerExpired advances the engine's timer housekeeping: it must be
// called in a loop against the shared timerwheel.Manager (see
// internal/timerwheel.Manager.Expired) from the engine's reactor,
// feeding back exactly one expiration at a time.
func (e *Engine) OnTimerExpired(key CheckpointKey) (out [][]byte, timers []TimerAction, cancelled bool) {
	if sender, ok := e.senders[key.Session.SessionNumber]; ok {
		out, timers, cancelled = sender.OnCheckpointTimerExpired(key.Serial)
		e.armTimers(timers)
		if cancelled || sender.Done() {
			delete(e.senders, key.Session.SessionNumber)
		}
		return out, timers, cancelled
	}
	if recv, ok := e.receivers[key.Session.SessionNumber]; ok {
		out, timers, cancelled = recv.OnReportTimerExpired(key.Serial)
		e.armTimers(timers)
		if cancelled || recv.Done() {
			delete(e.receivers, key.Session.SessionNumber)
		}
		return out, timers, cancelled
	}
	return nil, nil, false
}

// Timers exposes the engine's shared timerwheel.Manager so the owning
// reactor can arm the single underlying *time.Timer against
// NextDeadline and drain Expired entries.
func (e *Engine) Timers() *timerwheel.Manager { return e.timers }

// SenderActive reports whether a sender session with this number is
// still tracked by the engine. A caller that started a session via
// StartSession can poll this to learn when the transfer has completed
// (fully acked or cancelled), since the engine deletes a sender from
// its table as soon as Done() is true.
func (e *Engine) SenderActive(sessionNumber uint64) bool {
	_, ok := e.senders[sessionNumber]
	return ok
}

// SessionCount reports the number of live sender plus receiver
// sessions, for telemetry.
func (e *Engine) SessionCount() int { return len(e.senders) + len(e.receivers) }
