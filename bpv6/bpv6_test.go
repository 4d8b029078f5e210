package bpv6

import (
	"testing"

	"github.com/hdtn/hdtn-core/hdtncore"
)

func TestPrimaryRoundTrip(t *testing.T) {
	cases := []PrimaryBlock{
		{
			Flags:       FlagSingletonDestination | FlagCustodyRequested,
			Destination: hdtncore.EID{NodeID: 10, ServiceID: 1},
			Source:      hdtncore.EID{NodeID: 20, ServiceID: 2},
			ReportTo:    hdtncore.EID{NodeID: 20, ServiceID: 2},
			Custodian:   hdtncore.EID{NodeID: 20, ServiceID: 2},
			Creation:    CreationTimestamp{Seconds: 1000, Sequence: 0},
			Lifetime:    3600,
		},
		{
			Flags:          FlagSingletonDestination | FlagIsFragment,
			Destination:    hdtncore.EID{NodeID: 1, ServiceID: 0},
			Source:         hdtncore.EID{NodeID: 2, ServiceID: 0},
			ReportTo:       hdtncore.EID{NodeID: 0, ServiceID: 0},
			Custodian:      hdtncore.EID{NodeID: 0, ServiceID: 0},
			Creation:       CreationTimestamp{Seconds: 999999999, Sequence: 42},
			Lifetime:       86400,
			FragmentOffset: 1024,
			TotalADULength: 8192,
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
		if got.Flags != want.Flags {
			t.Errorf("case %d: Flags = %#x, want %#x", i, got.Flags, want.Flags)
		}
		if !got.Destination.Equal(want.Destination) {
			t.Errorf("case %d: Destination = %v, want %v", i, got.Destination, want.Destination)
		}
		if !got.Source.Equal(want.Source) {
			t.Errorf("case %d: Source = %v, want %v", i, got.Source, want.Source)
		}
		if got.Creation != want.Creation {
			t.Errorf("case %d: Creation = %+v, want %+v", i, got.Creation, want.Creation)
		}
		if got.Lifetime != want.Lifetime {
			t.Errorf("case %d: Lifetime = %d, want %d", i, got.Lifetime, want.Lifetime)
		}
		if want.Flags.Has(FlagIsFragment) {
			if got.FragmentOffset != want.FragmentOffset || got.TotalADULength != want.TotalADULength {
				t.Errorf("case %d: fragment fields mismatch: got %d/%d want %d/%d",
					i, got.FragmentOffset, got.TotalADULength, want.FragmentOffset, want.TotalADULength)
			}
		}
	}
}

func TestRequestsCustody(t *testing.T) {
	tests := []struct {
		flags ProcessingFlags
		want  bool
	}{
		{FlagSingletonDestination | FlagCustodyRequested, true},
		{FlagCustodyRequested, false}, // not singleton
		{FlagSingletonDestination, false},
		{0, false},
	}
	for _, tt := range tests {
		if got := tt.flags.RequestsCustody(); got != tt.want {
			t.Errorf("flags %#x: RequestsCustody() = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	want := CanonicalBlock{
		Type:  BlockTypePayload,
		Flags: BlockFlagLastBlock | BlockFlagDiscardIfUnprocessable,
		Data:  []byte("hello dtn"),
	}
	buf := RenderCanonical(nil, want)
	got, n, err := ParseCanonical(buf)
	if err != nil {
		t.Fatalf("ParseCanonical: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if got.Type != want.Type || got.Flags != want.Flags {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if string(got.Data) != string(want.Data) {
		t.Errorf("Data = %q, want %q", got.Data, want.Data)
	}
}

func TestCanonicalWithEIDRefs(t *testing.T) {
	want := CanonicalBlock{
		Type:    BlockTypeCustodyTransferExtension,
		EIDRefs: []EIDReference{{SchemeOffset: 0, SSPOffset: 4}},
		Data:    []byte{1, 2, 3},
	}
	buf := RenderCanonical(nil, want)
	got, _, err := ParseCanonical(buf)
	if err != nil {
		t.Fatalf("ParseCanonical: %v", err)
	}
	if !got.Flags.Has(BlockFlagEIDReferenceFieldPresent) {
		t.Fatal("expected EID reference flag to be set on render")
	}
	if len(got.EIDRefs) != 1 || got.EIDRefs[0] != want.EIDRefs[0] {
		t.Errorf("EIDRefs = %+v, want %+v", got.EIDRefs, want.EIDRefs)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	bundle := Bundle{
		Primary: PrimaryBlock{
			Flags:       FlagSingletonDestination,
			Destination: hdtncore.EID{NodeID: 5, ServiceID: 1},
			Source:      hdtncore.EID{NodeID: 6, ServiceID: 1},
			Creation:    CreationTimestamp{Seconds: 1, Sequence: 1},
			Lifetime:    100,
		},
		Extended: []CanonicalBlock{
			{Type: BlockTypeCustodyTransferExtension, Data: []byte{9, 9}},
		},
		Payload: CanonicalBlock{Type: BlockTypePayload, Data: []byte("payload bytes")},
	}
	buf := RenderBundle(nil, bundle)
	got, n, err := ParseBundle(buf)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if string(got.Payload.Data) != "payload bytes" {
		t.Errorf("Payload.Data = %q", got.Payload.Data)
	}
	if len(got.Extended) != 1 || got.Extended[0].Type != BlockTypeCustodyTransferExtension {
		t.Errorf("Extended = %+v", got.Extended)
	}
	if !got.Payload.Flags.Has(BlockFlagLastBlock) {
		t.Error("expected payload block to carry BlockFlagLastBlock")
	}
}

func TestBundleMissingPayload(t *testing.T) {
	p := PrimaryBlock{
		Flags:       FlagSingletonDestination,
		Destination: hdtncore.EID{NodeID: 1, ServiceID: 1},
		Source:      hdtncore.EID{NodeID: 2, ServiceID: 1},
		Creation:    CreationTimestamp{Seconds: 1, Sequence: 1},
		Lifetime:    10,
	}
	buf := RenderPrimary(nil, p)
	cb := CanonicalBlock{Type: 99, Flags: BlockFlagLastBlock, Data: []byte{1}}
	buf = RenderCanonical(buf, cb)
	if _, _, err := ParseBundle(buf); err != ErrNoPayloadBlock {
		t.Fatalf("ParseBundle error = %v, want ErrNoPayloadBlock", err)
	}
}

func TestCustodySignalRoundTrip(t *testing.T) {
	want := CustodySignal{
		Succeeded:       true,
		Reason:          ReasonNoAdditionalInfo,
		SignalTime:      12345,
		CreationSeconds: 1000,
		CreationSeq:     3,
		SourceEID:       hdtncore.EID{NodeID: 7, ServiceID: 0},
	}
	buf := RenderCustodySignal(nil, want)
	got, err := ParseCustodySignal(buf)
	if err != nil {
		t.Fatalf("ParseCustodySignal: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCustodySignalRefusal(t *testing.T) {
	want := CustodySignal{
		Succeeded:       false,
		Reason:          ReasonDepletedStorage,
		SignalTime:      1,
		CreationSeconds: 2,
		CreationSeq:     3,
		SourceEID:       hdtncore.EID{NodeID: 99, ServiceID: 5},
	}
	buf := RenderCustodySignal(nil, want)
	got, err := ParseCustodySignal(buf)
	if err != nil {
		t.Fatalf("ParseCustodySignal: %v", err)
	}
	if got.Succeeded {
		t.Error("expected Succeeded = false")
	}
	if got.Reason != ReasonDepletedStorage {
		t.Errorf("Reason = %v, want %v", got.Reason, ReasonDepletedStorage)
	}
}

func TestACSRoundTrip(t *testing.T) {
	want := AggregateCustodySignal{
		Succeeded: true,
		Reason:    ReasonNoAdditionalInfo,
		Entries: []ACSEntry{
			{RangeLength: 5, StartCustodyID: 100},
			{RangeLength: 1, StartCustodyID: 200},
		},
	}
	buf := RenderACS(nil, want)
	got, err := ParseACS(buf)
	if err != nil {
		t.Fatalf("ParseACS: %v", err)
	}
	if got.Succeeded != want.Succeeded || got.Reason != want.Reason {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if len(got.Entries) != len(want.Entries) {
		t.Fatalf("Entries len = %d, want %d", len(got.Entries), len(want.Entries))
	}
	for i := range want.Entries {
		if got.Entries[i] != want.Entries[i] {
			t.Errorf("Entries[%d] = %+v, want %+v", i, got.Entries[i], want.Entries[i])
		}
	}
}

func TestParsePrimaryRejectsBadVersion(t *testing.T) {
	buf := []byte{7, 0, 0}
	if _, _, err := ParsePrimary(buf); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParsePrimaryRejectsTruncated(t *testing.T) {
	full := RenderPrimary(nil, PrimaryBlock{
		Flags:       FlagSingletonDestination,
		Destination: hdtncore.EID{NodeID: 1, ServiceID: 1},
		Source:      hdtncore.EID{NodeID: 2, ServiceID: 1},
		Creation:    CreationTimestamp{Seconds: 1, Sequence: 1},
		Lifetime:    10,
	})
	for n := 0; n < len(full); n++ {
		if _, _, err := ParsePrimary(full[:n]); err == nil {
			t.Fatalf("truncated to %d bytes: expected error, got none", n)
		}
	}
}

func TestEIDFromDictOffsetsRejectsMalformedDtnSSP(t *testing.T) {
	dict := append([]byte("dtn\x00"), append([]byte("something-else"), 0)...)
	if _, err := eidFromDictOffsets(dict, 0, 4); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}

	noneDict := append([]byte("dtn\x00"), append([]byte("none"), 0)...)
	eid, err := eidFromDictOffsets(noneDict, 0, 4)
	if err != nil {
		t.Fatalf("dtn:none should parse: %v", err)
	}
	if !eid.IsZero() {
		t.Fatalf("dtn:none should decode to the zero EID, got %+v", eid)
	}
}
