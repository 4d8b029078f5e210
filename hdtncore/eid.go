// Package hdtncore holds the primitives shared by every wire-format and
// engine package in this module: endpoint identifiers, the padded
// move-only buffer used by the ingress dataplane, SDNV encoding (BPv6)
// and checksum helpers.
package hdtncore

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hdtn/hdtn-core/internal"
)

// EID is a Bundle Protocol Endpoint Identifier in the ipn scheme:
// (node_id, service_id). The zero value is the sentinel "null" EID.
type EID struct {
	NodeID    uint64
	ServiceID uint64
}

// IsZero reports whether e is the sentinel EID (ipn:0.0).
func (e EID) IsZero() bool { return internal.IsZeroed(e.NodeID, e.ServiceID) }

// String renders e in "ipn:N.S" form.
func (e EID) String() string {
	var b strings.Builder
	b.WriteString("ipn:")
	b.WriteString(strconv.FormatUint(e.NodeID, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(e.ServiceID, 10))
	return b.String()
}

var errBadEID = errors.New("hdtncore: malformed ipn EID")

// ParseEID parses the textual "ipn:N.S" form of an EID. The "dtn:none"
// form parses to the zero EID.
func ParseEID(s string) (EID, error) {
	if s == "dtn:none" {
		return EID{}, nil
	}
	const prefix = "ipn:"
	if !strings.HasPrefix(s, prefix) {
		return EID{}, errBadEID
	}
	rest := s[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return EID{}, errBadEID
	}
	node, err := strconv.ParseUint(rest[:dot], 10, 64)
	if err != nil {
		return EID{}, errBadEID
	}
	svc, err := strconv.ParseUint(rest[dot+1:], 10, 64)
	if err != nil {
		return EID{}, errBadEID
	}
	return EID{NodeID: node, ServiceID: svc}, nil
}

// Equal reports componentwise equality.
func (e EID) Equal(other EID) bool {
	return e.NodeID == other.NodeID && e.ServiceID == other.ServiceID
}

// SlogValue renders e for structured logging without forcing the
// "ipn:N.S" string allocation.
func (e EID) SlogValue() slog.Value {
	return internal.SlogEID("eid", e.NodeID, e.ServiceID).Value
}
