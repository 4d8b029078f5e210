package timerwheel

import (
	"testing"
	"time"
)

func TestStartExpiredOrder(t *testing.T) {
	m := New()
	base := time.Unix(1000, 0)
	m.Start("a", base.Add(3*time.Second), 1)
	m.Start("b", base.Add(1*time.Second), 2)
	m.Start("c", base.Add(2*time.Second), 3)

	next, ok := m.NextDeadline()
	if !ok || !next.Equal(base.Add(time.Second)) {
		t.Fatalf("got %v ok=%v", next, ok)
	}

	k, d, ok := m.Expired(base.Add(5 * time.Second))
	if !ok || k != "b" || d.(int) != 2 {
		t.Fatalf("got k=%v d=%v ok=%v", k, d, ok)
	}
	k, d, ok = m.Expired(base.Add(5 * time.Second))
	if !ok || k != "c" || d.(int) != 3 {
		t.Fatalf("got k=%v d=%v ok=%v", k, d, ok)
	}
	k, d, ok = m.Expired(base.Add(5 * time.Second))
	if !ok || k != "a" || d.(int) != 1 {
		t.Fatalf("got k=%v d=%v ok=%v", k, d, ok)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty, got len=%d", m.Len())
	}
}

func TestCancelReturnsData(t *testing.T) {
	m := New()
	m.Start("x", time.Now().Add(time.Minute), "retrycount=3")
	data, ok := m.Cancel("x")
	if !ok || data != "retrycount=3" {
		t.Fatalf("got %v %v", data, ok)
	}
	if _, ok := m.Cancel("x"); ok {
		t.Fatal("expected cancel of missing key to report false")
	}
}

func TestRestartReplacesDeadline(t *testing.T) {
	m := New()
	base := time.Now()
	m.Start("x", base.Add(time.Second), 1)
	m.Start("x", base.Add(time.Hour), 2)
	if m.Len() != 1 {
		t.Fatalf("expected single entry, got %d", m.Len())
	}
	_, data, ok := m.Expired(base.Add(2 * time.Second))
	if ok {
		t.Fatalf("should not have expired yet, got data=%v", data)
	}
}

func TestAdjustAll(t *testing.T) {
	m := New()
	base := time.Now()
	m.Start("x", base.Add(time.Second), nil)
	m.Start("y", base.Add(2*time.Second), nil)
	m.AdjustAll(10 * time.Second)
	next, _ := m.NextDeadline()
	if !next.Equal(base.Add(11 * time.Second)) {
		t.Fatalf("got %v", next)
	}
}
