package ackfabric

import (
	"testing"
	"time"

	"github.com/hdtn/hdtn-core/hdtncore"
)

func TestQueueFIFOAck(t *testing.T) {
	q := newQueue()
	dest := hdtncore.EID{NodeID: 5, ServiceID: 1}
	q.Push(1)
	q.Push(2)
	q.Push(3)

	if err := q.Ack(dest, 1); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(dest, 2); err != nil {
		t.Fatal(err)
	}
	if q.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", q.Depth())
	}
}

func TestQueueAckMismatchIsFatal(t *testing.T) {
	q := newQueue()
	dest := hdtncore.EID{NodeID: 5, ServiceID: 1}
	q.Push(1)
	q.Push(2)

	err := q.Ack(dest, 2) // head is 1, not 2
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	var mm *ErrQueueMismatch
	if !errAs(err, &mm) {
		t.Fatalf("wrong error type: %v", err)
	}
	if mm.Want != 1 || mm.Got != 2 {
		t.Fatalf("got %+v", mm)
	}
	if q.Depth() != 2 {
		t.Fatal("mismatched ack must not mutate the queue")
	}
}

func errAs(err error, target **ErrQueueMismatch) bool {
	mm, ok := err.(*ErrQueueMismatch)
	if ok {
		*target = mm
	}
	return ok
}

func TestQueuesForCreatesOnDemand(t *testing.T) {
	qs := NewQueues()
	dest := hdtncore.EID{NodeID: 1, ServiceID: 0}
	q1 := qs.For(dest)
	q2 := qs.For(dest)
	if q1 != q2 {
		t.Fatal("expected same queue instance for repeated For calls")
	}
}

func TestWaitDrain(t *testing.T) {
	q := newQueue()
	q.Push(1)
	q.Push(2)

	stop := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		dest := hdtncore.EID{}
		q.Ack(dest, 1)
		q.Ack(dest, 2)
	}()
	if !q.WaitDrain(0, stop) {
		t.Fatal("expected drain to succeed")
	}
}

func TestWaitDrainTimeout(t *testing.T) {
	q := newQueue()
	q.Push(1)
	stop := make(chan struct{})
	close(stop)
	if q.WaitDrain(0, stop) {
		t.Fatal("expected drain to be interrupted by stop")
	}
}
