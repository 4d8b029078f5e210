// Package tcpcl implements the TCPCLv3 convergence-layer session:
// contact-header negotiation, segmented bundle transfer with
// cumulative acks, keepalive/idle timers, and two-phase graceful
// shutdown. The session is built in the state-enum-plus-
// Encapsulate/Decapsulate shape of a single-datagram exchange,
// generalized to a byte-stream
// transport: every step function reads or appends to caller-owned
// buffers and returns what happened, rather than touching a socket
// itself.
package tcpcl

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// contactMagic is the 4-byte "dtn!" magic every TCPCLv3 contact header
// begins with.
var contactMagic = [4]byte{'d', 't', 'n', '!'}

// ContactHeaderFlags is the single flags byte of a contact header.
type ContactHeaderFlags uint8

const (
	// FlagRequestAckOfBundleSegments asks the peer to ack every DATA
	// segment's cumulative byte count.
	FlagRequestAckOfBundleSegments ContactHeaderFlags = 1 << 0
	// FlagRequestReactiveFragmentation asks the peer to support
	// fragmenting a bundle mid-transfer on link interruption. Accepted
	// on the wire but not acted on: reactive fragmentation is out of
	// scope.
	FlagRequestReactiveFragmentation ContactHeaderFlags = 1 << 1
	// FlagSupportBundleRefusal advertises REFUSE_BUNDLE support.
	FlagSupportBundleRefusal ContactHeaderFlags = 1 << 2
)

// Has reports whether f has all of want set.
func (f ContactHeaderFlags) Has(want ContactHeaderFlags) bool { return f&want == want }

// ContactHeader is the version-3 TCPCL contact header exchanged
// immediately after connection establishment.
type ContactHeader struct {
	Version          uint8
	Flags            ContactHeaderFlags
	KeepaliveSeconds uint16
	LocalEID         string
}

// ErrMalformed indicates a contact header or message could not be
// decoded.
var ErrMalformed = errors.New("tcpcl: malformed input")

// ErrUnsupportedVersion indicates a peer contact header named a TCPCL
// version this session does not implement.
var ErrUnsupportedVersion = errors.New("tcpcl: unsupported version")

// RenderContactHeader appends the wire encoding of h to buf.
func RenderContactHeader(buf []byte, h ContactHeader) []byte {
	buf = append(buf, contactMagic[:]...)
	buf = append(buf, h.Version)
	buf = append(buf, byte(h.Flags))
	buf = append(buf, byte(h.KeepaliveSeconds>>8), byte(h.KeepaliveSeconds))
	buf = hdtncore.AppendSDNV(buf, uint64(len(h.LocalEID)))
	buf = append(buf, h.LocalEID...)
	return buf
}

// ParseContactHeader decodes a contact header from the front of buf,
// returning the header, the number of bytes consumed, and an error if
// buf does not yet hold a complete header (the caller should wait for
// more bytes rather than treating ErrMalformed from a short buffer as
// fatal when buf is simply still growing).
func ParseContactHeader(buf []byte) (ContactHeader, int, error) {
	const fixedLen = 4 + 1 + 1 + 2
	if len(buf) < fixedLen {
		return ContactHeader{}, 0, ErrMalformed
	}
	if buf[0] != contactMagic[0] || buf[1] != contactMagic[1] || buf[2] != contactMagic[2] || buf[3] != contactMagic[3] {
		return ContactHeader{}, 0, ErrMalformed
	}
	h := ContactHeader{
		Version:          buf[4],
		Flags:            ContactHeaderFlags(buf[5]),
		KeepaliveSeconds: uint16(buf[6])<<8 | uint16(buf[7]),
	}
	if h.Version != 3 {
		return ContactHeader{}, 0, ErrUnsupportedVersion
	}
	off := fixedLen
	eidLen, n, err := hdtncore.SDNV(buf[off:])
	if err != nil {
		return ContactHeader{}, 0, ErrMalformed
	}
	off += n
	if uint64(len(buf)-off) < eidLen {
		return ContactHeader{}, 0, ErrMalformed
	}
	h.LocalEID = string(buf[off : off+int(eidLen)])
	off += int(eidLen)
	return h, off, nil
}
