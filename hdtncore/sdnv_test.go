package hdtncore

import "testing"

func TestSDNVRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 16383, 16384, 1 << 20, 1 << 40, 1<<63 - 1} {
		buf := AppendSDNV(nil, v)
		got, n, err := SDNV(buf)
		if err != nil {
			t.Fatalf("v=%d: %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("v=%d: consumed %d want %d", v, n, len(buf))
		}
		if got != v {
			t.Fatalf("v=%d: got %d", v, got)
		}
	}
}

func TestSDNVOverrun(t *testing.T) {
	// continuation bit set on every byte, buffer runs out.
	buf := []byte{0x80, 0x80, 0x80}
	_, _, err := SDNV(buf)
	if err != ErrSDNVOverrun {
		t.Fatalf("got %v, want ErrSDNVOverrun", err)
	}
}

func TestEIDRoundTrip(t *testing.T) {
	e := EID{NodeID: 10, ServiceID: 3}
	s := e.String()
	if s != "ipn:10.3" {
		t.Fatalf("got %q", s)
	}
	got, err := ParseEID(s)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(e) {
		t.Fatalf("got %+v want %+v", got, e)
	}
	zero, err := ParseEID("dtn:none")
	if err != nil || !zero.IsZero() {
		t.Fatalf("dtn:none should parse to zero EID, got %+v err=%v", zero, err)
	}
}

func TestCRC32C(t *testing.T) {
	got := CRC32C([]byte("123456789"))
	const want = 0xE3069283
	if got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
}

func TestCRC16X25(t *testing.T) {
	got := CRC16X25([]byte("123456789"))
	const want = 0x906E
	if got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
}
