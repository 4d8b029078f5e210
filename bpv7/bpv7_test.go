package bpv7

import (
	"testing"

	"github.com/hdtn/hdtn-core/hdtncore"
)

func TestPrimaryRoundTrip(t *testing.T) {
	cases := []PrimaryBlock{
		{
			Flags:       FlagStatusRequested,
			CRCType:     CRCNone,
			Destination: hdtncore.EID{NodeID: 10, ServiceID: 1},
			Source:      hdtncore.EID{NodeID: 20, ServiceID: 2},
			ReportTo:    hdtncore.EID{NodeID: 20, ServiceID: 2},
			Creation:    CreationTimestamp{DTNTime: 1000, Sequence: 0},
			Lifetime:    3600000,
		},
		{
			Flags:          FlagIsFragment,
			CRCType:        CRC32C,
			Destination:    hdtncore.EID{NodeID: 1, ServiceID: 0},
			Source:         hdtncore.EID{NodeID: 2, ServiceID: 0},
			ReportTo:       hdtncore.EID{},
			Creation:       CreationTimestamp{DTNTime: 999999999, Sequence: 42},
			Lifetime:       86400000,
			FragmentOffset: 1024,
			TotalADULength: 8192,
		},
		{
			Flags:       0,
			CRCType:     CRC16,
			Destination: hdtncore.EID{NodeID: 99, ServiceID: 9},
			Source:      hdtncore.EID{},
			ReportTo:    hdtncore.EID{},
			Creation:    CreationTimestamp{DTNTime: 1, Sequence: 1},
			Lifetime:    1,
		},
	}
	for i, want := range cases {
		buf := RenderPrimary(nil, want)
		got, n, err := ParsePrimary(buf)
		if err != nil {
			t.Fatalf("case %d: ParsePrimary: %v", i, err)
		}
		if n != len(buf) {
			t.Fatalf("case %d: consumed %d, want %d", i, n, len(buf))
		}
		if got.Flags != want.Flags || got.CRCType != want.CRCType {
			t.Errorf("case %d: Flags/CRCType = %#x/%d, want %#x/%d", i, got.Flags, got.CRCType, want.Flags, want.CRCType)
		}
		if !got.Destination.Equal(want.Destination) {
			t.Errorf("case %d: Destination = %v, want %v", i, got.Destination, want.Destination)
		}
		if got.Creation != want.Creation {
			t.Errorf("case %d: Creation = %+v, want %+v", i, got.Creation, want.Creation)
		}
		if want.Flags.Has(FlagIsFragment) {
			if got.FragmentOffset != want.FragmentOffset || got.TotalADULength != want.TotalADULength {
				t.Errorf("case %d: fragment fields mismatch", i)
			}
		}
	}
}

func TestPrimaryCRCMismatchDetected(t *testing.T) {
	buf := RenderPrimary(nil, PrimaryBlock{
		CRCType:     CRC32C,
		Destination: hdtncore.EID{NodeID: 1, ServiceID: 1},
		Source:      hdtncore.EID{NodeID: 2, ServiceID: 1},
		Creation:    CreationTimestamp{DTNTime: 1, Sequence: 1},
		Lifetime:    1,
	})
	buf[len(buf)-1] ^= 0xff
	if _, _, err := ParsePrimary(buf); err != errCRCMismatch {
		t.Fatalf("err = %v, want errCRCMismatch", err)
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	cases := []CanonicalBlock{
		{Type: BlockTypePayload, BlockNumber: 1, Data: []byte("payload bytes")},
		{Type: BlockTypeHopCount, BlockNumber: 2, CRCType: CRC16, Data: RenderHopCountData(HopCount{Limit: 30, Count: 3})},
	}
	for i, want := range cases {
		buf := RenderCanonical(nil, want)
		got, n, err := ParseCanonical(buf)
		if err != nil {
			t.Fatalf("case %d: ParseCanonical: %v", i, err)
		}
		if n != len(buf) {
			t.Fatalf("case %d: consumed %d, want %d", i, n, len(buf))
		}
		if got.Type != want.Type || got.BlockNumber != want.BlockNumber {
			t.Errorf("case %d: got %+v, want %+v", i, got, want)
		}
		if string(got.Data) != string(want.Data) {
			t.Errorf("case %d: Data mismatch", i)
		}
	}
}

func TestBundleRoundTrip(t *testing.T) {
	bundle := Bundle{
		Primary: PrimaryBlock{
			Destination: hdtncore.EID{NodeID: 5, ServiceID: 1},
			Source:      hdtncore.EID{NodeID: 6, ServiceID: 1},
			Creation:    CreationTimestamp{DTNTime: 1, Sequence: 1},
			Lifetime:    100,
		},
		Extended: []CanonicalBlock{
			{Type: BlockTypeHopCount, Data: RenderHopCountData(HopCount{Limit: 10, Count: 0})},
		},
		Payload: CanonicalBlock{Data: []byte("hello")},
	}
	buf := RenderBundle(nil, bundle)
	got, n, err := ParseBundle(buf)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if string(got.Payload.Data) != "hello" {
		t.Errorf("Payload.Data = %q", got.Payload.Data)
	}
	if got.Payload.BlockNumber != 1 {
		t.Errorf("Payload.BlockNumber = %d, want 1", got.Payload.BlockNumber)
	}
	if len(got.Extended) != 1 || got.Extended[0].Type != BlockTypeHopCount {
		t.Errorf("Extended = %+v", got.Extended)
	}
}

func TestBundleMissingPayload(t *testing.T) {
	var buf []byte
	buf = append(buf, indefiniteArrayByte)
	buf = RenderPrimary(buf, PrimaryBlock{
		Destination: hdtncore.EID{NodeID: 1, ServiceID: 1},
		Source:      hdtncore.EID{NodeID: 2, ServiceID: 1},
		Creation:    CreationTimestamp{DTNTime: 1, Sequence: 1},
		Lifetime:    10,
	})
	buf = RenderCanonical(buf, CanonicalBlock{Type: BlockTypeHopCount, BlockNumber: 2, Data: RenderHopCountData(HopCount{Limit: 5})})
	buf = append(buf, cborBreak)
	if _, _, err := ParseBundle(buf); err != ErrNoPayloadBlock {
		t.Fatalf("err = %v, want ErrNoPayloadBlock", err)
	}
}

func TestHopCountExceeded(t *testing.T) {
	hc := HopCount{Limit: 5, Count: 5}
	if !hc.Exceeded() {
		t.Error("expected Exceeded() = true when Count == Limit")
	}
	hc2 := HopCount{Limit: 5, Count: 4}
	if hc2.Exceeded() {
		t.Error("expected Exceeded() = false when Count < Limit")
	}
	hc3 := hc2.Incremented()
	if hc3.Count != 5 || !hc3.Exceeded() {
		t.Errorf("Incremented() = %+v, want Count=5 Exceeded=true", hc3)
	}
}

func TestPreviousNodeRoundTrip(t *testing.T) {
	want := hdtncore.EID{NodeID: 42, ServiceID: 7}
	data := RenderPreviousNodeData(want)
	got, err := ParsePreviousNodeData(data)
	if err != nil {
		t.Fatalf("ParsePreviousNodeData: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBundleAgeRoundTrip(t *testing.T) {
	want := BundleAge(123456789)
	data := RenderBundleAgeData(want)
	got, err := ParseBundleAgeData(data)
	if err != nil {
		t.Fatalf("ParseBundleAgeData: %v", err)
	}
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestCborUintBoundaries(t *testing.T) {
	values := []uint64{0, 23, 24, 255, 256, 65535, 65536, 4294967295, 4294967296, 1 << 40}
	for _, v := range values {
		buf := appendUint(nil, v)
		got, n, err := decodeUint(buf)
		if err != nil {
			t.Fatalf("v=%d: decodeUint: %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("v=%d: consumed %d, want %d", v, n, len(buf))
		}
		if got != v {
			t.Errorf("v=%d: got %d", v, got)
		}
	}
}
