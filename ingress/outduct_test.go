package ingress

import (
	"testing"
	"time"

	"github.com/hdtn/hdtn-core/ltp"
	"github.com/hdtn/hdtn-core/tcpcl"
	"github.com/stretchr/testify/require"
)

func establishedSessionPair(t *testing.T) (a, b *tcpcl.Session) {
	t.Helper()
	a = tcpcl.NewSession(tcpcl.ContactHeader{Flags: tcpcl.FlagRequestAckOfBundleSegments, LocalEID: "ipn:1.0"}, 0, nil)
	b = tcpcl.NewSession(tcpcl.ContactHeader{LocalEID: "ipn:2.0"}, 0, nil)
	aHdr, bHdr := a.OpenContactHeader(), b.OpenContactHeader()
	_, _, err := a.OnContactHeader(bHdr)
	require.NoError(t, err)
	_, _, err = b.OnContactHeader(aHdr)
	require.NoError(t, err)
	return a, b
}

func TestTcpclOutductForwardAndAck(t *testing.T) {
	a, b := establishedSessionPair(t)
	out := NewTcpcl(a, 0)
	require.True(t, out.Ready())

	var acked int
	out.SetOnAck(func() { acked++ })

	require.NoError(t, out.Forward([]byte("hello")))
	segments := out.Drain()
	require.Len(t, segments, 1)
	require.Empty(t, out.Drain(), "Drain should clear the outbox")

	var acks [][]byte
	for _, seg := range segments {
		replies, _, bundle, _, _, err := b.OnMessage(seg)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), bundle)
		acks = append(acks, replies...)
	}
	require.Len(t, acks, 1)

	for _, ack := range acks {
		_, _, _, bundleAcked, _, err := a.OnMessage(ack)
		require.NoError(t, err)
		out.NotifyMessage(bundleAcked)
	}
	require.Equal(t, 1, acked)
	require.Equal(t, OutductStats{ConvergenceLayer: "tcpcl", Sent: 1, Acked: 1}, out.FinalStats())

	out.Stop()
	require.False(t, out.Ready())
	require.ErrorIs(t, out.Forward([]byte("late")), ErrOutductNotReady)
}

func TestLtpOverUdpOutductForwardAndAck(t *testing.T) {
	engine := ltp.NewEngine(1, ltp.EngineConfig{
		Sender:      ltp.SenderConfig{OneWayLightTime: time.Millisecond, Margin: time.Millisecond, MaxRetries: 3},
		Receiver:    ltp.ReceiverConfig{OneWayLightTime: time.Millisecond, Margin: time.Millisecond, MaxRetries: 3},
		SegmentSize: 1024,
	}, nil)
	out := NewLtpOverUdp(engine, 7)
	require.True(t, out.Ready())

	var acked int
	out.SetOnAck(func() { acked++ })

	require.NoError(t, out.Forward([]byte("red bundle")))
	segments := out.Drain()
	require.NotEmpty(t, segments)

	out.PollAcks()
	require.Zero(t, acked, "session should still be active before any report/ack exchange")

	out.Stop()
	require.False(t, out.Ready())
	require.ErrorIs(t, out.Forward([]byte("late")), ErrOutductNotReady)
}

func TestStcpOutductAcksImmediately(t *testing.T) {
	out := NewStcp()
	var acked int
	out.SetOnAck(func() { acked++ })

	require.NoError(t, out.Forward([]byte("payload")))
	require.Equal(t, 1, acked)
	segments := out.Drain()
	require.Len(t, segments, 1)
	require.Greater(t, len(segments[0]), len("payload"), "framed segment should carry a length prefix")
}

func TestUdpOutductRejectsOversizedDatagram(t *testing.T) {
	out := NewUdp(8)
	require.NoError(t, out.Forward([]byte("small")))
	require.ErrorIs(t, out.Forward([]byte("this is far too large")), ErrDatagramTooLarge)
	require.Equal(t, OutductStats{ConvergenceLayer: "udp", Sent: 1, Acked: 1}, out.FinalStats())
}
