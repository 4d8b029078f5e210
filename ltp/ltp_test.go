package ltp

import (
	"bytes"
	"testing"
	"time"
)

func testSessionID() SessionID {
	return SessionID{EngineID: 1, SessionNumber: 42}
}

func TestSegmentRoundTrips(t *testing.T) {
	sid := testSessionID()

	d := DataSegment{Type: SegRedCheckpointEORP, Session: sid, ClientServiceID: 7, Offset: 100, Data: []byte("hello"), CheckpointSerial: 3}
	buf := RenderDataSegment(nil, d)
	typ, rest, err := ParseSegmentType(buf)
	if err != nil {
		t.Fatalf("ParseSegmentType: %v", err)
	}
	if typ != SegRedCheckpointEORP {
		t.Fatalf("type mismatch: %v", typ)
	}
	got, _, err := ParseDataSegment(typ, rest)
	if err != nil {
		t.Fatalf("ParseDataSegment: %v", err)
	}
	if got.Session != sid || got.Offset != 100 || !bytes.Equal(got.Data, []byte("hello")) || got.CheckpointSerial != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	rep := ReportSegment{
		Session:          sid,
		ReportSerial:     5,
		CheckpointSerial: 3,
		LowerBound:       0,
		UpperBound:       10000,
		Claims:           []ReceptionClaim{{Offset: 0, Length: 5000}},
	}
	rbuf := RenderReportSegment(nil, rep)
	_, rrest, err := ParseSegmentType(rbuf)
	if err != nil {
		t.Fatalf("ParseSegmentType report: %v", err)
	}
	gotRep, _, err := ParseReportSegment(rrest)
	if err != nil {
		t.Fatalf("ParseReportSegment: %v", err)
	}
	if gotRep.ReportSerial != 5 || len(gotRep.Claims) != 1 || gotRep.Claims[0].Length != 5000 {
		t.Fatalf("report round trip mismatch: %+v", gotRep)
	}
}

// TestLTPRedLossRetransmit exercises the red-part loss/retransmit
// scenario: a sender transmits a 10000-byte red part as two segments
// ([0,5000) and [5000,10000) with the second carrying checkpoint+EORP+EOB);
// the second segment is lost in transit, so the receiver's first report
// only claims [0,5000). The sender must retransmit [5000,10000) as a
// fresh checkpointed burst; the receiver's second report then claims the
// full range and the session completes on both sides.
func TestLTPRedLossRetransmit(t *testing.T) {
	sid := testSessionID()
	cfg := SenderConfig{OneWayLightTime: 10 * time.Millisecond, Margin: 10 * time.Millisecond, MaxRetries: 5}
	rcfg := ReceiverConfig{EstimatedBytesToReceive: 10000, OneWayLightTime: 10 * time.Millisecond, Margin: 10 * time.Millisecond, MaxRetries: 5}

	red := make([]byte, 10000)
	for i := range red {
		red[i] = byte(i)
	}

	sender := NewSender(sid, 1, cfg, nil)
	segments, timers := sender.Start(red, nil, 5000)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if len(timers) != 1 {
		t.Fatalf("expected 1 armed checkpoint timer, got %d", len(timers))
	}

	receiver := NewReceiver(sid, 1, rcfg, nil)

	// Only the first segment [0,5000) arrives; the checkpoint-bearing
	// second segment is dropped.
	typ0, rest0, err := ParseSegmentType(segments[0])
	if err != nil {
		t.Fatalf("parse seg0: %v", err)
	}
	d0, _, err := ParseDataSegment(typ0, rest0)
	if err != nil {
		t.Fatalf("decode seg0: %v", err)
	}
	reports, _, _, redComplete, _, cancelled := receiver.OnDataSegment(d0)
	if len(reports) != 0 || redComplete || cancelled {
		t.Fatalf("non-checkpoint segment should not emit a report")
	}

	// Sender's checkpoint timer fires with no report seen: retransmit.
	_, _, err = ParseSegmentType(segments[1])
	if err != nil {
		t.Fatalf("parse seg1: %v", err)
	}
	retx, rtimers, cancelledTimer := sender.OnCheckpointTimerExpired(1)
	if cancelledTimer {
		t.Fatalf("should not cancel on first timeout")
	}
	if len(retx) != 1 || len(rtimers) != 1 {
		t.Fatalf("expected one retransmitted segment and timer, got %d/%d", len(retx), len(rtimers))
	}

	// This retransmission also arrives (simulating the original report
	// timer racing the retransmit, delivering the retransmitted copy).
	typ1, rest1, err := ParseSegmentType(retx[0])
	if err != nil {
		t.Fatalf("parse retx: %v", err)
	}
	d1, _, err := ParseDataSegment(typ1, rest1)
	if err != nil {
		t.Fatalf("decode retx: %v", err)
	}
	reports, _, _, redComplete, redPart, cancelled := receiver.OnDataSegment(d1)
	if cancelled {
		t.Fatalf("receiver unexpectedly cancelled")
	}
	if len(reports) != 1 {
		t.Fatalf("expected exactly one report after checkpoint arrival, got %d", len(reports))
	}
	if !redComplete {
		t.Fatalf("expected red part complete after full range received")
	}
	if !bytes.Equal(redPart, red) {
		t.Fatalf("reassembled red part mismatch")
	}

	// Feed the report back to the sender: it should ack and transition
	// to RED_DONE/CLOSED (no green part).
	_, reportRest, err := ParseSegmentType(reports[0])
	if err != nil {
		t.Fatalf("parse report: %v", err)
	}
	gotReport, _, err := ParseReportSegment(reportRest)
	if err != nil {
		t.Fatalf("decode report: %v", err)
	}
	ackSegments, _ := sender.OnReportSegment(gotReport)
	if !sender.Done() {
		t.Fatalf("sender should be done after full report, state=%v", sender.State)
	}
	if len(ackSegments) != 1 {
		t.Fatalf("expected exactly one report-ack segment, got %d", len(ackSegments))
	}

	_, ackRest, err := ParseSegmentType(ackSegments[0])
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	ack, _, err := ParseReportAckSegment(ackRest)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	receiver.OnReportAckSegment(ack)
}

func TestEngineRoundTrip(t *testing.T) {
	cfg := EngineConfig{
		Sender:      SenderConfig{OneWayLightTime: time.Millisecond, Margin: time.Millisecond, MaxRetries: 3},
		Receiver:    ReceiverConfig{OneWayLightTime: time.Millisecond, Margin: time.Millisecond, MaxRetries: 3},
		SegmentSize: 1024,
	}
	senderEngine := NewEngine(1, cfg, nil)
	receiverEngine := NewEngine(2, cfg, nil)

	payload := bytes.Repeat([]byte("x"), 2048)
	sid, segments, _ := senderEngine.StartSession(9, payload, nil)

	var reports [][]byte
	for _, seg := range segments {
		typ, rest, err := ParseSegmentType(seg)
		if err != nil {
			t.Fatalf("ParseSegmentType: %v", err)
		}
		out, _, err := receiverEngine.OnSegment(sid.SessionNumber, typ, rest)
		if err != nil {
			t.Fatalf("receiver OnSegment: %v", err)
		}
		reports = append(reports, out...)
	}
	if len(reports) == 0 {
		t.Fatalf("expected at least one report from receiver")
	}
	for _, rep := range reports {
		typ, rest, err := ParseSegmentType(rep)
		if err != nil {
			t.Fatalf("ParseSegmentType report: %v", err)
		}
		if _, _, err := senderEngine.OnSegment(sid.SessionNumber, typ, rest); err != nil {
			t.Fatalf("sender OnSegment: %v", err)
		}
	}
	if senderEngine.SessionCount() != 0 {
		t.Fatalf("expected sender session closed, count=%d", senderEngine.SessionCount())
	}
}
