package tcpcl

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/internal"
)

// State is the session's TCPCLv3 connection state.
type State uint8

const (
	StateAwaitingContactHeader State = iota
	StateEstablished
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingContactHeader:
		return "AWAITING_CONTACT_HEADER"
	case StateEstablished:
		return "ESTABLISHED"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// msgType is the high nibble of every TCPCLv3 message byte.
type msgType uint8

const (
	msgDataSegment  msgType = 0x1
	msgAckSegment   msgType = 0x2
	msgRefuseBundle msgType = 0x3
	msgKeepalive    msgType = 0x4
	msgShutdown     msgType = 0x5
	msgLength       msgType = 0x6
)

// Data segment flag bits (low nibble of the message byte).
const (
	flagStart = 0x2
	flagEnd   = 0x1
)

// Shutdown message flag bits (low nibble), per RFC 7242 §4.2's optional
// reason-code and reconnection-delay fields.
const (
	shutdownFlagHasReason = 0x2
	shutdownFlagHasDelay  = 0x1
)

// ShutdownReason is the single-byte reason code carried by an optional
// SHUTDOWN message field.
type ShutdownReason uint8

const (
	ShutdownReasonUnknown         ShutdownReason = 0x00
	ShutdownReasonIdleTimeout     ShutdownReason = 0x01
	ShutdownReasonVersionMismatch ShutdownReason = 0x02
	ShutdownReasonBusy            ShutdownReason = 0x03
)

// RefuseReason is the single-byte reason code carried by a
// REFUSE_BUNDLE message's low nibble.
type RefuseReason uint8

const (
	RefuseReasonUnknown       RefuseReason = 0x0
	RefuseReasonNoResources   RefuseReason = 0x1
	RefuseReasonUnintelligble RefuseReason = 0x2
	RefuseReasonCompleted     RefuseReason = 0x3
)

// TimerKey identifies one of a session's three scheduled timers in the
// shared internal/timerwheel.Manager the owning reactor runs it
// against.
type TimerKey uint8

const (
	TimerNeedToSendKeepalive TimerKey = iota
	TimerNoKeepaliveReceived
	TimerShutdownDrain
)

// Key returns the timerwheel.Key for this session's instance of timer
// k, namespaced by the session pointer so one Manager can host many
// sessions' timers.
func (s *Session) Key(k TimerKey) any { return sessionTimerKey{s: s, k: k} }

type sessionTimerKey struct {
	s *Session
	k TimerKey
}

// TimerAction is a request the session state machine makes of its
// owning reactor to arm or cancel one of its timers, returned as a
// plain value rather than a direct timerwheel.Manager call so Session
// stays a pure step-function state machine (see package doc comment).
type TimerAction struct {
	Cancel   bool
	Key      any
	Deadline time.Time
}

var (
	// ErrLinkTimeout is returned by OnIdleTimerExpired when no traffic
	// at all is received within 2×keepalive_interval.
	ErrLinkTimeout = errors.New("tcpcl: idle timeout, no keepalive received")
	// ErrAckMismatch indicates a received ACK_SEGMENT's cumulative length
	// did not match what this session is expecting next, a protocol
	// violation: the session only reports bundle_acked once the cumulative
	// ack reaches the full bundle length.
	ErrAckMismatch = errors.New("tcpcl: ack length mismatch")
)

// outboundBundle tracks one in-flight bundle transmission's cumulative
// byte-acking state, used only when this session's own contact header
// requested acks of its outbound segments (FlagRequestAckOfBundleSegments).
type outboundBundle struct {
	total    uint64
	acked    uint64
	tracking bool
}

// Session is one TCPCLv3 convergence-layer connection.
type Session struct {
	State State

	Local  ContactHeader
	Remote ContactHeader

	keepaliveInterval time.Duration // negotiated; zero disables keepalives

	// rx is a ring sized by NewSession for the inbound byte stream. No
	// Session method reads or writes it: OnMessage takes one message the
	// caller has already framed.
	rx internal.Ring

	inbound struct {
		active   bool
		buf      []byte
		expected uint64 // total bytes of the bundle currently being reassembled, 0 if unknown (no LENGTH seen)
	}

	outbound outboundBundle

	shutdownSent   bool
	shutdownReason ShutdownReason

	log *slog.Logger
}

// NewSession constructs a session awaiting the peer's contact header.
// rxBufSize sizes the inbound stream-reassembly ring (0 selects a
// 64KiB default, generous for a single in-flight DATA_SEGMENT).
func NewSession(local ContactHeader, rxBufSize int, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if rxBufSize <= 0 {
		rxBufSize = 64 * 1024
	}
	local.Version = 3
	return &Session{
		State: StateAwaitingContactHeader,
		Local: local,
		rx:    internal.Ring{Buf: make([]byte, rxBufSize)},
		log:   log,
	}
}

// OpenContactHeader renders this session's own contact header, to be
// sent immediately on connection establishment (TCPCLv3 contact headers
// are exchanged simultaneously, not request/response).
func (s *Session) OpenContactHeader() []byte {
	return RenderContactHeader(nil, s.Local)
}

// OnContactHeader processes the peer's contact header bytes. On
// success it negotiates the keepalive interval (minimum of the two
// sides, disabled if either is zero), transitions to ESTABLISHED, and
// returns the timer actions to arm. consumed reports how many bytes of
// buf were the contact header; the caller should re-feed the
// remainder, if any, to OnMessage.
func (s *Session) OnContactHeader(buf []byte) (consumed int, timers []TimerAction, err error) {
	if s.State != StateAwaitingContactHeader {
		return 0, nil, errors.New("tcpcl: contact header already processed")
	}
	remote, n, err := ParseContactHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	s.Remote = remote
	s.keepaliveInterval = negotiateKeepalive(s.Local.KeepaliveSeconds, remote.KeepaliveSeconds)
	s.State = StateEstablished

	now := time.Now()
	if s.keepaliveInterval > 0 {
		timers = append(timers,
			TimerAction{Key: s.Key(TimerNeedToSendKeepalive), Deadline: now.Add(s.keepaliveInterval)},
			TimerAction{Key: s.Key(TimerNoKeepaliveReceived), Deadline: now.Add(2 * s.keepaliveInterval)},
		)
	}
	return n, timers, nil
}

func negotiateKeepalive(local, remote uint16) time.Duration {
	if local == 0 || remote == 0 {
		return 0
	}
	interval := local
	if remote < interval {
		interval = remote
	}
	return time.Duration(interval) * time.Second
}

// SendBundle segments data into DATA_SEGMENT messages no larger than
// fragmentSize bytes each (0 disables fragmentation, i.e. one
// segment), marking the first START_FLAG and the last END_FLAG. If
// this session's own contact header requested acks of its segments,
// the session begins tracking this bundle's cumulative acked length;
// BundleAcked becomes true on a future OnMessage call once the peer's
// ack reaches the full length. Only one bundle may be tracked in
// flight at a time per session (TCPCLv3 bundles are sent serially on
// one connection).
func (s *Session) SendBundle(data []byte, fragmentSize int) [][]byte {
	if fragmentSize <= 0 {
		fragmentSize = len(data)
	}
	if fragmentSize <= 0 {
		fragmentSize = 1
	}
	s.outbound = outboundBundle{
		total:    uint64(len(data)),
		tracking: s.Local.Flags.Has(FlagRequestAckOfBundleSegments),
	}

	var segments [][]byte
	off := 0
	for off < len(data) || (off == 0 && len(data) == 0) {
		end := off + fragmentSize
		if end > len(data) {
			end = len(data)
		}
		flags := byte(0)
		if off == 0 {
			flags |= flagStart
		}
		if end == len(data) {
			flags |= flagEnd
		}
		msg := []byte{byte(msgDataSegment)<<4 | flags}
		msg = hdtncore.AppendSDNV(msg, uint64(end-off))
		msg = append(msg, data[off:end]...)
		segments = append(segments, msg)
		off = end
		if len(data) == 0 {
			break
		}
	}
	return segments
}

// OnMessage processes one fully-framed inbound TCPCLv3 message
// (caller responsible for byte-stream reassembly, since message
// boundaries are not fixed-length). It returns any
// reply segments to send, timer actions to arm/cancel, a completed
// inbound bundle's bytes (non-nil only once, on its END_FLAG segment),
// whether an in-flight outbound bundle was just fully acked, and
// whether the peer's message initiated shutdown.
func (s *Session) OnMessage(msg []byte) (out [][]byte, timers []TimerAction, bundle []byte, bundleAcked bool, shutdown bool, err error) {
	if len(msg) < 1 {
		return nil, nil, nil, false, false, ErrMalformed
	}
	if s.keepaliveInterval > 0 {
		timers = append(timers, TimerAction{
			Key:      s.Key(TimerNoKeepaliveReceived),
			Deadline: time.Now().Add(2 * s.keepaliveInterval),
		})
	}

	typ := msgType(msg[0] >> 4)
	flags := msg[0] & 0x0f
	body := msg[1:]

	switch typ {
	case msgKeepalive:
		return nil, timers, nil, false, false, nil

	case msgDataSegment:
		length, n, derr := hdtncore.SDNV(body)
		if derr != nil {
			return nil, timers, nil, false, false, ErrMalformed
		}
		body = body[n:]
		if uint64(len(body)) < length {
			return nil, timers, nil, false, false, ErrMalformed
		}
		data := body[:length]
		if flags&flagStart != 0 {
			s.inbound.active = true
			s.inbound.buf = s.inbound.buf[:0]
		}
		s.inbound.buf = append(s.inbound.buf, data...)
		s.trace("tcpcl data segment",
			slog.Int("len", len(data)), slog.Int("buffered", len(s.inbound.buf)),
			slog.Bool("start", flags&flagStart != 0), slog.Bool("end", flags&flagEnd != 0))

		if s.Remote.Flags.Has(FlagRequestAckOfBundleSegments) {
			ack := []byte{byte(msgAckSegment) << 4}
			ack = hdtncore.AppendSDNV(ack, uint64(len(s.inbound.buf)))
			out = append(out, ack)
		}
		if flags&flagEnd != 0 {
			bundle = s.inbound.buf
			s.inbound.active = false
			s.inbound.buf = nil
		}
		return out, timers, bundle, false, false, nil

	case msgAckSegment:
		acked, _, derr := hdtncore.SDNV(body)
		if derr != nil {
			return nil, timers, nil, false, false, ErrMalformed
		}
		if !s.outbound.tracking {
			return nil, timers, nil, false, false, nil
		}
		if acked < s.outbound.acked || acked > s.outbound.total {
			return nil, timers, nil, false, false, ErrAckMismatch
		}
		s.outbound.acked = acked
		if acked == s.outbound.total {
			s.outbound.tracking = false
			bundleAcked = true
		}
		return nil, timers, nil, bundleAcked, false, nil

	case msgRefuseBundle:
		s.log.Warn("tcpcl bundle refused by peer", "reason", RefuseReason(flags))
		return nil, timers, nil, false, false, nil

	case msgLength:
		length, _, derr := hdtncore.SDNV(body)
		if derr != nil {
			return nil, timers, nil, false, false, ErrMalformed
		}
		s.inbound.expected = length
		return nil, timers, nil, false, false, nil

	case msgShutdown:
		if flags&shutdownFlagHasReason != 0 && len(body) >= 1 {
			s.shutdownReason = ShutdownReason(body[0])
		}
		drainTimers, _ := s.beginShutdown(false)
		return nil, append(timers, drainTimers...), nil, false, true, nil

	default:
		return nil, timers, nil, false, false, ErrMalformed
	}
}

// shutdownDrain is the quiescence window between sending or receiving a
// SHUTDOWN message and actually closing the socket.
const shutdownDrain = 3 * time.Second

// Close initiates a graceful, two-phased shutdown: optionally
// transmits a SHUTDOWN message (reason is informational; pass
// ShutdownReasonUnknown to omit the reason field), starts the drain
// timer, and returns the message to send, if any.
func (s *Session) Close(reason ShutdownReason, sendMessage bool) (msg []byte, timers []TimerAction) {
	if sendMessage {
		flags := byte(0)
		body := []byte{byte(msgShutdown) << 4}
		if reason != ShutdownReasonUnknown {
			flags |= shutdownFlagHasReason
			body = append(body, byte(reason))
		}
		body[0] |= flags
		msg = body
	}
	timers, _ = s.beginShutdown(true)
	return msg, timers
}

func (s *Session) beginShutdown(local bool) ([]TimerAction, error) {
	if s.State == StateShuttingDown || s.State == StateClosed {
		return nil, nil
	}
	s.State = StateShuttingDown
	return []TimerAction{
		{Cancel: true, Key: s.Key(TimerNeedToSendKeepalive)},
		{Cancel: true, Key: s.Key(TimerNoKeepaliveReceived)},
		{Key: s.Key(TimerShutdownDrain), Deadline: time.Now().Add(shutdownDrain)},
	}, nil
}

// ReconnectDelay is the delay to wait before attempting to re-establish
// a session after an IDLE_TIMEOUT shutdown.
const ReconnectDelay = 3 * time.Second

// OnKeepaliveTimerExpired handles TimerNeedToSendKeepalive firing: it
// emits a single KEEPALIVE byte and re-arms the timer.
func (s *Session) OnKeepaliveTimerExpired() (msg []byte, timers []TimerAction) {
	if s.State != StateEstablished || s.keepaliveInterval == 0 {
		return nil, nil
	}
	msg = []byte{byte(msgKeepalive) << 4}
	timers = []TimerAction{{Key: s.Key(TimerNeedToSendKeepalive), Deadline: time.Now().Add(s.keepaliveInterval)}}
	return msg, timers
}

// OnIdleTimerExpired handles TimerNoKeepaliveReceived firing: the
// session begins shutdown with reason IDLE_TIMEOUT and reports
// ErrLinkTimeout plus the reconnection delay the caller should honor
// before reconnecting.
func (s *Session) OnIdleTimerExpired() (msg []byte, timers []TimerAction, reconnectDelay time.Duration, err error) {
	if s.State != StateEstablished {
		return nil, nil, 0, nil
	}
	msg, timers = s.Close(ShutdownReasonIdleTimeout, true)
	return msg, timers, ReconnectDelay, ErrLinkTimeout
}

// OnShutdownDrainExpired handles TimerShutdownDrain firing: the
// session transitions CLOSED; the caller should now close the
// underlying socket.
func (s *Session) OnShutdownDrainExpired() {
	s.State = StateClosed
}

// Done reports whether the session has reached CLOSED.
func (s *Session) Done() bool { return s.State == StateClosed }
