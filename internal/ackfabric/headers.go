// Package ackfabric implements the persistent acknowledgement fabric
// connecting ingress, egress, and storage: fixed-size typed
// message headers and the per-destination / global ordered unique-id
// ack queues that guarantee FIFO matching between a push and its ack.
package ackfabric

import "github.com/hdtn/hdtn-core/hdtncore"

// MsgType identifies which typed header a message carries: a stable
// numeric type code for inter-component headers.
type MsgType uint32

const (
	_ MsgType = iota
	MsgToEgress
	MsgToStorage
	MsgEgressAck
	MsgStorageAck
	MsgLinkUp
	MsgLinkDown
	MsgEgressAddOpportunistic
	MsgEgressRemoveOpportunistic
	MsgStorageAddOpportunistic
	MsgStorageRemoveOpportunistic
)

// ToEgressHdr is the first frame of a two-frame ingress->egress
// message, 64-bit aligned.
type ToEgressHdr struct {
	Type                    MsgType
	_                       uint32 // explicit padding for 64-bit alignment
	FinalDestEID            hdtncore.EID
	HasCustody              bool
	IsCutThroughFromIngress bool
	_                       [6]byte // pad bool pair out to 8 bytes
	CustodyID               uint64
	UniqueID                uint64
}

// NewToEgressHdr builds a ToEgressHdr with MsgToEgress already set.
func NewToEgressHdr(dest hdtncore.EID, hasCustody, cutThrough bool, custodyID, uniqueID uint64) ToEgressHdr {
	return ToEgressHdr{
		Type:                    MsgToEgress,
		FinalDestEID:            dest,
		HasCustody:              hasCustody,
		IsCutThroughFromIngress: cutThrough,
		CustodyID:               custodyID,
		UniqueID:                uniqueID,
	}
}

// ToStorageHdr is the first frame of a two-frame ingress->storage
// message.
type ToStorageHdr struct {
	Type           MsgType
	_              uint32
	IngressUniqueID uint64
}

// NewToStorageHdr builds a ToStorageHdr with MsgToStorage already set.
func NewToStorageHdr(uniqueID uint64) ToStorageHdr {
	return ToStorageHdr{Type: MsgToStorage, IngressUniqueID: uniqueID}
}

// AckHdr is emitted by egress (MsgEgressAck) or storage (MsgStorageAck)
// back to ingress, carrying the destination (egress acks are
// per-destination FIFO) and the unique/custody id being acknowledged.
type AckHdr struct {
	Type         MsgType
	_            uint32
	FinalDestEID hdtncore.EID // zero for storage acks, which are globally ordered
	ID           uint64
}
