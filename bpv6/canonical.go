package bpv6

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// Canonical block type codes used by this module (RFC 5050 §4.5, plus
// the CTEB extension block from the custody-transfer enhancement
// draft referenced by custodysignal.go).
const (
	BlockTypePayload                  = 1
	BlockTypeCustodyTransferExtension = 10 // CTEB
)

// Canonical block processing control flags (RFC 5050 §4.3).
type BlockFlags uint64

const (
	BlockFlagMustReplicateInEveryFragment BlockFlags = 1 << 0
	BlockFlagReportIfUnprocessable        BlockFlags = 1 << 1
	BlockFlagDeleteBundleIfUnprocessable  BlockFlags = 1 << 2
	BlockFlagLastBlock                    BlockFlags = 1 << 3
	BlockFlagDiscardIfUnprocessable       BlockFlags = 1 << 4
	BlockFlagForwardedUnprocessed         BlockFlags = 1 << 5
	BlockFlagEIDReferenceFieldPresent     BlockFlags = 1 << 6
)

func (f BlockFlags) Has(bit BlockFlags) bool { return f&bit == bit }

// EIDReference is a (scheme offset, SSP offset) pair into a bundle's
// primary-block dictionary, used by extension blocks (e.g. CTEB's
// custodian reference) that carry their own EID per RFC 5050 §4.3.
type EIDReference struct {
	SchemeOffset uint64
	SSPOffset    uint64
}

// CanonicalBlock is the lazy view of a non-primary BPv6 block: the
// scalar header fields plus a slice into the original buffer for the
// block-type-specific data, left unparsed until a type-specific
// decoder (e.g. custodysignal.go's ParseCustodySignal) is invoked on
// it, deferring payload interpretation to the caller that knows the
// type.
type CanonicalBlock struct {
	Type    uint8
	Flags   BlockFlags
	EIDRefs []EIDReference
	Data    []byte

	modified bool
}

func (b *CanonicalBlock) SetManuallyModified() { b.modified = true }
func (b *CanonicalBlock) Modified() bool       { return b.modified }

// ParseCanonical decodes one canonical (non-primary) block from the
// front of buf, returning the block and the number of bytes consumed.
func ParseCanonical(buf []byte) (CanonicalBlock, int, error) {
	if len(buf) < 2 {
		return CanonicalBlock{}, 0, ErrMalformed
	}
	off := 0
	typ := buf[off]
	off++

	flags, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	bf := BlockFlags(flags)

	var refs []EIDReference
	if bf.Has(BlockFlagEIDReferenceFieldPresent) {
		count, n, err := hdtncore.SDNV(buf[off:])
		if err != nil {
			return CanonicalBlock{}, 0, errors.Join(ErrMalformed, err)
		}
		off += n
		refs = make([]EIDReference, count)
		for i := range refs {
			scheme, n, err := hdtncore.SDNV(buf[off:])
			if err != nil {
				return CanonicalBlock{}, 0, errors.Join(ErrMalformed, err)
			}
			off += n
			ssp, n, err := hdtncore.SDNV(buf[off:])
			if err != nil {
				return CanonicalBlock{}, 0, errors.Join(ErrMalformed, err)
			}
			off += n
			refs[i] = EIDReference{SchemeOffset: scheme, SSPOffset: ssp}
		}
	}

	dataLen, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, errors.Join(ErrMalformed, err)
	}
	off += n
	if uint64(len(buf)-off) < dataLen {
		return CanonicalBlock{}, 0, ErrMalformed
	}
	data := buf[off : off+int(dataLen)]
	off += int(dataLen)

	return CanonicalBlock{Type: typ, Flags: bf, EIDRefs: refs, Data: data}, off, nil
}

// RenderCanonical serializes b, appending its bytes to buf.
func RenderCanonical(buf []byte, b CanonicalBlock) []byte {
	if len(b.EIDRefs) > 0 {
		b.Flags |= BlockFlagEIDReferenceFieldPresent
	}
	buf = append(buf, b.Type)
	buf = hdtncore.AppendSDNV(buf, uint64(b.Flags))
	if b.Flags.Has(BlockFlagEIDReferenceFieldPresent) {
		buf = hdtncore.AppendSDNV(buf, uint64(len(b.EIDRefs)))
		for _, r := range b.EIDRefs {
			buf = hdtncore.AppendSDNV(buf, r.SchemeOffset)
			buf = hdtncore.AppendSDNV(buf, r.SSPOffset)
		}
	}
	buf = hdtncore.AppendSDNV(buf, uint64(len(b.Data)))
	buf = append(buf, b.Data...)
	return buf
}

// Bundle is a fully decoded BPv6 bundle: the primary block plus every
// canonical block that followed it, in wire order.
type Bundle struct {
	Primary  PrimaryBlock
	Extended []CanonicalBlock // canonical blocks other than the payload
	Payload  CanonicalBlock
}

var ErrNoPayloadBlock = errors.New("bpv6: bundle has no payload block")

// ParseBundle decodes a full bundle (primary block followed by one or
// more canonical blocks, the last of which has BlockFlagLastBlock set)
// from buf.
func ParseBundle(buf []byte) (Bundle, int, error) {
	primary, n, err := ParsePrimary(buf)
	if err != nil {
		return Bundle{}, 0, err
	}
	off := n

	var bundle Bundle
	bundle.Primary = primary
	havePayload := false
	for {
		if off >= len(buf) {
			return Bundle{}, 0, ErrMalformed
		}
		cb, n, err := ParseCanonical(buf[off:])
		if err != nil {
			return Bundle{}, 0, err
		}
		off += n
		if cb.Type == BlockTypePayload {
			bundle.Payload = cb
			havePayload = true
		} else {
			bundle.Extended = append(bundle.Extended, cb)
		}
		if cb.Flags.Has(BlockFlagLastBlock) {
			break
		}
	}
	if !havePayload {
		return Bundle{}, 0, ErrNoPayloadBlock
	}
	return bundle, off, nil
}

// RenderBundle serializes a full bundle, appending to buf. The payload
// block is always emitted last, with BlockFlagLastBlock set, regardless
// of its flags on input, since this module always treats payload as the
// terminal block.
func RenderBundle(buf []byte, b Bundle) []byte {
	buf = RenderPrimary(buf, b.Primary)
	for _, cb := range b.Extended {
		cb.Flags &^= BlockFlagLastBlock
		buf = RenderCanonical(buf, cb)
	}
	payload := b.Payload
	payload.Flags |= BlockFlagLastBlock
	buf = RenderCanonical(buf, payload)
	return buf
}
