package ingress

import (
	"errors"
	"sync"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/hdtn/hdtn-core/ltp"
	"github.com/hdtn/hdtn-core/tcpcl"
)

// OutductStats is the per-link summary an Outduct reports once stopped.
type OutductStats struct {
	ConvergenceLayer string
	Sent             uint64
	Acked            uint64
}

// Outduct is the capability set egress exposes to the dispatcher for
// one convergence-layer link: queue a bundle for send, be notified
// when the oldest unacked one is acked, report link readiness, and
// produce final counters on stop. Forwarded bundles ack in the order
// they were forwarded (the underlying protocols here are all
// single-pipeline-at-a-time), so the ack callback carries no
// identifying argument; the caller already knows which bundle was
// oldest.
//
// Real socket I/O (accepting/dialing TCP, sending UDP datagrams) is
// cmd-level plumbing outside this interface; these adapters wrap the
// pure protocol state machines (tcpcl.Session, ltp.Engine) and stage
// their wire output for a caller's socket loop to drain, the same
// division of responsibility those packages already use.
type Outduct interface {
	Forward(bundle []byte) error
	SetOnAck(fn func())
	Ready() bool
	Stop()
	FinalStats() OutductStats
}

// ErrOutductNotReady is returned by Forward when the link cannot
// accept a bundle right now (not yet connected, or already stopped).
var ErrOutductNotReady = errors.New("ingress: outduct not ready")

// Tcpcl adapts a *tcpcl.Session to the Outduct capability set.
// Acks fire as tcpcl.Session.OnMessage reports bundleAcked=true; the
// owning socket loop must call NotifyMessage for every inbound message
// it feeds to the session.
type Tcpcl struct {
	mu           sync.Mutex
	session      *tcpcl.Session
	fragmentSize int
	outbox       [][]byte
	onAck        func()
	stats        OutductStats
	stopped      bool
}

// NewTcpcl wraps session. fragmentSize bounds each DATA_SEGMENT (0
// disables fragmentation).
func NewTcpcl(session *tcpcl.Session, fragmentSize int) *Tcpcl {
	return &Tcpcl{session: session, fragmentSize: fragmentSize, stats: OutductStats{ConvergenceLayer: "tcpcl"}}
}

func (t *Tcpcl) Forward(bundle []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.session.State != tcpcl.StateEstablished {
		return ErrOutductNotReady
	}
	t.outbox = append(t.outbox, t.session.SendBundle(bundle, t.fragmentSize)...)
	t.stats.Sent++
	return nil
}

func (t *Tcpcl) SetOnAck(fn func()) {
	t.mu.Lock()
	t.onAck = fn
	t.mu.Unlock()
}

// Ready reports whether the wrapped session has completed contact
// header negotiation and is not shutting down.
func (t *Tcpcl) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && t.session.State == tcpcl.StateEstablished
}

func (t *Tcpcl) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Tcpcl) FinalStats() OutductStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Drain returns and clears the wire segments staged by Forward calls
// since the last Drain, for the owning socket loop to write out.
func (t *Tcpcl) Drain() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.outbox
	t.outbox = nil
	return out
}

// NotifyMessage reports the bundleAcked result of one
// tcpcl.Session.OnMessage call, invoking the registered ack callback
// when a bundle completed.
func (t *Tcpcl) NotifyMessage(bundleAcked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !bundleAcked {
		return
	}
	t.stats.Acked++
	if t.onAck != nil {
		t.onAck()
	}
}

// LtpOverUdp adapts an *ltp.Engine, driving one session per forwarded
// bundle (red-only; this capability set has no green-part caller) and
// acking sessions in the FIFO order they were started.
type LtpOverUdp struct {
	mu              sync.Mutex
	engine          *ltp.Engine
	clientServiceID uint64
	outbox          [][]byte
	pending         []uint64
	onAck           func()
	stats           OutductStats
	stopped         bool
}

// NewLtpOverUdp wraps engine, starting every forwarded bundle as a red
// transfer addressed to clientServiceID.
func NewLtpOverUdp(engine *ltp.Engine, clientServiceID uint64) *LtpOverUdp {
	return &LtpOverUdp{engine: engine, clientServiceID: clientServiceID, stats: OutductStats{ConvergenceLayer: "ltp_over_udp"}}
}

func (l *LtpOverUdp) Forward(bundle []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrOutductNotReady
	}
	sid, segments, _ := l.engine.StartSession(l.clientServiceID, bundle, nil)
	l.outbox = append(l.outbox, segments...)
	l.pending = append(l.pending, sid.SessionNumber)
	l.stats.Sent++
	return nil
}

func (l *LtpOverUdp) SetOnAck(fn func()) {
	l.mu.Lock()
	l.onAck = fn
	l.mu.Unlock()
}

// Ready is always true once constructed: LTP over UDP has no
// connection handshake, only per-session red/green transfer.
func (l *LtpOverUdp) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped
}

func (l *LtpOverUdp) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

func (l *LtpOverUdp) FinalStats() OutductStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *LtpOverUdp) Drain() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.outbox
	l.outbox = nil
	return out
}

// PollAcks checks the oldest pending sessions against the engine's
// live sender table, firing the ack callback once per session for
// every contiguous run of no-longer-active sessions at the head of
// the FIFO. The caller should invoke this after feeding new segments
// to the engine (OnSegment/OnTimerExpired).
func (l *LtpOverUdp) PollAcks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.pending) > 0 && !l.engine.SenderActive(l.pending[0]) {
		l.pending = l.pending[1:]
		l.stats.Acked++
		if l.onAck != nil {
			l.onAck()
		}
	}
}

// Stcp adapts the Simple TCP convergence layer: each bundle is framed
// as an SDNV length prefix followed by its bytes, with no handshake
// and no segment-level acks. Forward acks immediately, since nothing
// in this capability set distinguishes "written to the socket" from
// "delivered" for a protocol with no ack frame of its own.
type Stcp struct {
	mu      sync.Mutex
	outbox  [][]byte
	onAck   func()
	stats   OutductStats
	stopped bool
}

// NewStcp returns a ready-to-use Stcp outduct.
func NewStcp() *Stcp { return &Stcp{stats: OutductStats{ConvergenceLayer: "stcp"}} }

func (s *Stcp) Forward(bundle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrOutductNotReady
	}
	framed := hdtncore.AppendSDNV(make([]byte, 0, len(bundle)+4), uint64(len(bundle)))
	framed = append(framed, bundle...)
	s.outbox = append(s.outbox, framed)
	s.stats.Sent++
	s.stats.Acked++
	if s.onAck != nil {
		s.onAck()
	}
	return nil
}

func (s *Stcp) SetOnAck(fn func()) {
	s.mu.Lock()
	s.onAck = fn
	s.mu.Unlock()
}

func (s *Stcp) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *Stcp) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *Stcp) FinalStats() OutductStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stcp) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

// Udp adapts a fire-and-forget UDP outduct: one datagram per bundle,
// bounded by maxDatagramSize, no fragmentation and no ack frame, so
// Forward acks immediately like Stcp.
type Udp struct {
	mu              sync.Mutex
	maxDatagramSize int
	outbox          [][]byte
	onAck           func()
	stats           OutductStats
	stopped         bool
}

// ErrDatagramTooLarge is returned by Udp.Forward when a bundle exceeds
// the configured maxDatagramSize.
var ErrDatagramTooLarge = errors.New("ingress: bundle exceeds UDP datagram size")

// NewUdp returns a ready-to-use Udp outduct bounding each datagram to
// maxDatagramSize bytes (0 disables the check).
func NewUdp(maxDatagramSize int) *Udp {
	return &Udp{maxDatagramSize: maxDatagramSize, stats: OutductStats{ConvergenceLayer: "udp"}}
}

func (u *Udp) Forward(bundle []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return ErrOutductNotReady
	}
	if u.maxDatagramSize > 0 && len(bundle) > u.maxDatagramSize {
		return ErrDatagramTooLarge
	}
	u.outbox = append(u.outbox, bundle)
	u.stats.Sent++
	u.stats.Acked++
	if u.onAck != nil {
		u.onAck()
	}
	return nil
}

func (u *Udp) SetOnAck(fn func()) {
	u.mu.Lock()
	u.onAck = fn
	u.mu.Unlock()
}

func (u *Udp) Ready() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.stopped
}

func (u *Udp) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
}

func (u *Udp) FinalStats() OutductStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *Udp) Drain() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.outbox
	u.outbox = nil
	return out
}

var (
	_ Outduct = (*Tcpcl)(nil)
	_ Outduct = (*LtpOverUdp)(nil)
	_ Outduct = (*Stcp)(nil)
	_ Outduct = (*Udp)(nil)
)
