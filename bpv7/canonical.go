package bpv7

import "errors"

// Canonical block type codes this module recognizes (RFC 9171 §4.3 and
// §4.4).
const (
	BlockTypePayload       = 1
	BlockTypePreviousNode  = 6
	BlockTypeBundleAge     = 7
	BlockTypeHopCount      = 10
)

// BlockFlags are the per-block processing control flags (RFC 9171
// §4.3.2), structurally identical in meaning to bpv6.BlockFlags.
type BlockFlags uint64

const (
	BlockFlagMustReplicateInEveryFragment BlockFlags = 1 << 0
	BlockFlagReportIfUnprocessable        BlockFlags = 1 << 1
	BlockFlagDeleteBundleIfUnprocessable  BlockFlags = 1 << 2
	BlockFlagDiscardIfUnprocessable       BlockFlags = 1 << 4
)

func (f BlockFlags) Has(bit BlockFlags) bool { return f&bit == bit }

// CanonicalBlock is the lazy view of a non-primary BPv7 block: a CBOR
// array [block type, block number, flags, crc type, data, crc?].
type CanonicalBlock struct {
	Type        uint64
	BlockNumber uint64
	Flags       BlockFlags
	CRCType     CRCType
	Data        []byte

	modified bool
}

func (b *CanonicalBlock) SetManuallyModified() { b.modified = true }
func (b *CanonicalBlock) Modified() bool       { return b.modified }

// ParseCanonical decodes one canonical block from the front of buf.
func ParseCanonical(buf []byte) (CanonicalBlock, int, error) {
	count, n, err := decodeArrayHeader(buf)
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	if count < 5 || count > 6 {
		return CanonicalBlock{}, 0, ErrMalformed
	}
	off := n

	var b CanonicalBlock
	b.Type, n, err = decodeUint(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	off += n
	b.BlockNumber, n, err = decodeUint(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	off += n
	flags, n, err := decodeUint(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	off += n
	b.Flags = BlockFlags(flags)
	crcType, n, err := decodeUint(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	off += n
	b.CRCType = CRCType(crcType)

	b.Data, n, err = decodeByteString(buf[off:])
	if err != nil {
		return CanonicalBlock{}, 0, err
	}
	off += n

	if b.CRCType != CRCNone {
		beforeCRCField := off
		crcBytes, n, err := decodeByteString(buf[off:])
		if err != nil {
			return CanonicalBlock{}, 0, err
		}
		off += n
		if err := verifyCRC(b.CRCType, buf[:beforeCRCField], crcBytes); err != nil {
			return CanonicalBlock{}, 0, err
		}
	}

	return b, off, nil
}

// RenderCanonical serializes b, appending its bytes to buf.
func RenderCanonical(buf []byte, b CanonicalBlock) []byte {
	start := len(buf)
	fieldCount := uint64(5)
	if b.CRCType != CRCNone {
		fieldCount = 6
	}
	buf = appendArrayHeader(buf, fieldCount)
	buf = appendUint(buf, b.Type)
	buf = appendUint(buf, b.BlockNumber)
	buf = appendUint(buf, uint64(b.Flags))
	buf = appendUint(buf, uint64(b.CRCType))
	buf = appendByteString(buf, b.Data)
	if b.CRCType != CRCNone {
		crc := computeCRC(b.CRCType, buf[start:])
		buf = appendByteString(buf, crc)
	}
	return buf
}

// Bundle is a fully decoded BPv7 bundle: the primary block wrapped in
// an indefinite-length array with its canonical blocks, per RFC 9171
// §4.1's "bundle ::= [primary block, canonical block+]" with the
// payload block always last.
type Bundle struct {
	Primary  PrimaryBlock
	Extended []CanonicalBlock
	Payload  CanonicalBlock
}

var ErrNoPayloadBlock = errors.New("bpv7: bundle has no payload block")

const (
	cborBreak           = 0xff
	indefiniteArrayByte = 0x9f
)

// ParseBundle decodes a full bundle, which this module always renders
// as a CBOR indefinite-length array terminated by a break code (RFC
// 9171 §4.1's recommended encoding for streaming-friendly bundles).
func ParseBundle(buf []byte) (Bundle, int, error) {
	if len(buf) < 1 || buf[0] != indefiniteArrayByte {
		return Bundle{}, 0, ErrMalformed
	}
	off := 1

	primary, n, err := ParsePrimary(buf[off:])
	if err != nil {
		return Bundle{}, 0, err
	}
	off += n

	var bundle Bundle
	bundle.Primary = primary
	havePayload := false
	for {
		if off >= len(buf) {
			return Bundle{}, 0, ErrMalformed
		}
		if buf[off] == cborBreak {
			off++
			break
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
	}
	if !havePayload {
		return Bundle{}, 0, ErrNoPayloadBlock
	}
	return bundle, off, nil
}

// RenderBundle serializes a full bundle as an indefinite-length CBOR
// array, appending to buf. Block numbers are assigned by position:
// primary is implicitly 0, extension blocks whose block number is unset
// (zero) are numbered from 2 in slice order (index+2), and the payload
// block always gets block number 1 per
// RFC 9171 §4.3.3's "payload block's block number is always 1".
func RenderBundle(buf []byte, b Bundle) []byte {
	buf = append(buf, indefiniteArrayByte)
	buf = RenderPrimary(buf, b.Primary)
	for i, cb := range b.Extended {
		if cb.BlockNumber == 0 {
			cb.BlockNumber = uint64(i) + 2
		}
		buf = RenderCanonical(buf, cb)
	}
	payload := b.Payload
	payload.Type = BlockTypePayload
	payload.BlockNumber = 1
	buf = RenderCanonical(buf, payload)
	buf = append(buf, cborBreak)
	return buf
}
