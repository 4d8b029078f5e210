package bpv6

import (
	"errors"

	"github.com/hdtn/hdtn-core/hdtncore"
)

// CTEB is the decoded Custody Transfer Enhancement Block payload: a
// custody-id SDNV followed by a creator-custodian-EID string. Used by
// the custody-transfer manager to key the custody signal
// acknowledgement and to locate/rewrite the current custodian.
type CTEB struct {
	CustodyID uint64
	Custodian hdtncore.EID
}

var ErrNotCTEB = errors.New("bpv6: block is not a CTEB")

// ParseCTEB decodes a CTEB canonical block's Data field. The custodian
// EID is carried as a self-contained "ipn:N.S" string rather than a
// dictionary reference, per the CTEB extension draft's
// creator-custodian-EID-string convention.
func ParseCTEB(data []byte) (CTEB, error) {
	id, n, err := hdtncore.SDNV(data)
	if err != nil {
		return CTEB{}, errors.Join(ErrMalformed, err)
	}
	eid, err := hdtncore.ParseEID(string(data[n:]))
	if err != nil {
		return CTEB{}, errors.Join(ErrMalformed, err)
	}
	return CTEB{CustodyID: id, Custodian: eid}, nil
}

// RenderCTEB encodes c as a CTEB canonical block's Data field.
func RenderCTEB(c CTEB) []byte {
	buf := hdtncore.AppendSDNV(nil, c.CustodyID)
	buf = append(buf, c.Custodian.String()...)
	return buf
}

// FindCTEB returns the index of the first CTEB block within blocks, and
// whether one was found. Any further CTEBs in blocks are ignored; no
// caller in this module rejects a bundle that carries more than one.
func FindCTEB(blocks []CanonicalBlock) (int, bool) {
	for i, b := range blocks {
		if b.Type == BlockTypeCustodyTransferExtension {
			return i, true
		}
	}
	return -1, false
}
