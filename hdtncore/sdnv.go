package hdtncore

import "errors"

// ErrSDNVOverrun is returned when an SDNV's continuation bits run past
// the end of the supplied buffer, or when more than 10 bytes are read
// without reaching a byte whose continuation bit is clear.
var ErrSDNVOverrun = errors.New("hdtncore: SDNV decode overrun")

// SDNVLen returns the number of bytes required to encode v as a
// Self-Delimiting Numeric Value per RFC 6256: 7 payload bits per byte,
// high bit set on every byte but the last.
func SDNVLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// PutSDNV encodes v into buf (which must be at least SDNVLen(v) bytes)
// and returns the number of bytes written.
func PutSDNV(buf []byte, v uint64) int {
	n := SDNVLen(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v & 0x7f)
		v >>= 7
		if i != n-1 {
			b |= 0x80
		}
		buf[i] = b
	}
	return n
}

// AppendSDNV appends the SDNV encoding of v to buf and returns the
// extended slice.
func AppendSDNV(buf []byte, v uint64) []byte {
	n := SDNVLen(v)
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	PutSDNV(buf[start:], v)
	return buf
}

// SDNV decodes a Self-Delimiting Numeric Value from the front of buf,
// returning the value and the number of bytes consumed. It fails with
// ErrSDNVOverrun if the continuation bit is set on every byte of buf
// (decode would run past the end) or if more than 10 bytes (70 payload
// bits) are consumed without terminating, which would overflow uint64.
func SDNV(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		if i >= 10 {
			return 0, 0, ErrSDNVOverrun
		}
		b := buf[i]
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrSDNVOverrun
}
