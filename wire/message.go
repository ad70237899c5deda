// Package wire defines the versioned messages exchanged between replicas of
// a shared log and their protobuf wire encoding.
//
// Every message travels in an Envelope that names the log and the sender's
// compatibility level. Message is a closed union; decoding switches
// exhaustively on Kind and rejects unknown kinds with ErrUnknownMessage.
package wire

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	"xdao.co/peerlog/domain"
	"xdao.co/peerlog/rangeindex"
	"xdao.co/peerlog/riblt"
)

// Kind discriminates message types on the wire. Values are stable.
type Kind uint8

const (
	KindAck Kind = iota + 1
	KindAddedReplicationSegment
	KindAllReplicatingSegments
	KindStoppedReplicating
	KindRequestReplicationInfo
	KindResponseRole
	KindExchangeHeads
	KindEntryRequest
	KindEntryResponse
	KindSimpleSyncRequest
	KindSimpleSyncResponse
	KindIBLTStart
	KindIBLTMore
	KindIBLTResult
)

var kindNames = map[Kind]string{
	KindAck:                     "Ack",
	KindAddedReplicationSegment: "AddedReplicationSegment",
	KindAllReplicatingSegments:  "AllReplicatingSegments",
	KindStoppedReplicating:      "StoppedReplicating",
	KindRequestReplicationInfo:  "RequestReplicationInfo",
	KindResponseRole:            "ResponseRole",
	KindExchangeHeads:           "ExchangeHeads",
	KindEntryRequest:            "EntryRequest",
	KindEntryResponse:           "EntryResponse",
	KindSimpleSyncRequest:       "SimpleSyncRequest",
	KindSimpleSyncResponse:      "SimpleSyncResponse",
	KindIBLTStart:               "IBLTStart",
	KindIBLTMore:                "IBLTMore",
	KindIBLTResult:              "IBLTResult",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is implemented only by the types of this package.
type Message interface {
	Kind() Kind
	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

// Envelope frames a message for one log.
type Envelope struct {
	Compatibility uint32
	LogID         string
	Message       Message
}

// Ack acknowledges a message that needs no other answer.
type Ack struct{}

// AddedReplicationSegment announces new or changed segments of the sender.
type AddedReplicationSegment struct {
	Segments []rangeindex.Segment
}

// AllReplicatingSegments replaces every segment of the sender.
type AllReplicatingSegments struct {
	Segments  []rangeindex.Segment
	Timestamp int64
}

// StoppedReplicating withdraws every segment of the sender.
type StoppedReplicating struct {
	Timestamp int64
}

// RequestReplicationInfo asks a peer for its role.
type RequestReplicationInfo struct{}

// Role is the legacy replication role.
type Role uint8

const (
	RoleObserver Role = iota
	RoleReplicator
)

func (r Role) String() string {
	if r == RoleReplicator {
		return "replicator"
	}
	return "observer"
}

// ResponseRole is the legacy description of a peer's range.
type ResponseRole struct {
	Role      Role
	Offset    uint64
	Factor    float64
	Timestamp int64
}

// ExchangeHeads carries encoded head entries.
type ExchangeHeads struct {
	Heads [][]byte
}

// EntryRequest asks for encoded entries by hash.
type EntryRequest struct {
	Hashes []cid.Cid
}

// EntryResponse answers an EntryRequest. Unknown hashes are omitted.
type EntryResponse struct {
	Entries [][]byte
}

// SimpleSyncRequest lists every hash the sender holds within Spans.
type SimpleSyncRequest struct {
	Spans  []domain.Span
	Hashes []cid.Cid
}

// SimpleSyncResponse lists what each side lacks.
type SimpleSyncResponse struct {
	// RequesterLacks are held by the responder only.
	RequesterLacks []cid.Cid
	// ResponderLacks are held by the requester only.
	ResponderLacks []cid.Cid
}

// IBLTStart opens a rateless reconciliation session with the first batch of
// coded symbols of the sender's set within Spans.
type IBLTStart struct {
	Session uuid.UUID
	Spans   []domain.Span
	SetSize uint64
	Symbols []riblt.Symbol
}

// IBLTMore continues a session with the next batch of symbols.
type IBLTMore struct {
	Session uuid.UUID
	Symbols []riblt.Symbol
}

// IBLTStatus is the responder's verdict on a session.
type IBLTStatus uint8

const (
	IBLTNeedMore IBLTStatus = iota
	IBLTDecoded
	// IBLTFallback asks the initiator to reconcile with explicit hash lists.
	IBLTFallback
)

func (s IBLTStatus) String() string {
	switch s {
	case IBLTNeedMore:
		return "need-more"
	case IBLTDecoded:
		return "decoded"
	case IBLTFallback:
		return "fallback"
	default:
		return fmt.Sprintf("IBLTStatus(%d)", uint8(s))
	}
}

// IBLTResult reports progress of a session.
type IBLTResult struct {
	Session uuid.UUID
	Status  IBLTStatus
	// Wanted are keys of entries only the initiator holds.
	Wanted []uint64
	// ResponderOnly are hashes only the responder holds.
	ResponderOnly []cid.Cid
}

func (Ack) Kind() Kind                     { return KindAck }
func (AddedReplicationSegment) Kind() Kind { return KindAddedReplicationSegment }
func (AllReplicatingSegments) Kind() Kind  { return KindAllReplicatingSegments }
func (StoppedReplicating) Kind() Kind      { return KindStoppedReplicating }
func (RequestReplicationInfo) Kind() Kind  { return KindRequestReplicationInfo }
func (ResponseRole) Kind() Kind            { return KindResponseRole }
func (ExchangeHeads) Kind() Kind           { return KindExchangeHeads }
func (EntryRequest) Kind() Kind            { return KindEntryRequest }
func (EntryResponse) Kind() Kind           { return KindEntryResponse }
func (SimpleSyncRequest) Kind() Kind       { return KindSimpleSyncRequest }
func (SimpleSyncResponse) Kind() Kind      { return KindSimpleSyncResponse }
func (IBLTStart) Kind() Kind               { return KindIBLTStart }
func (IBLTMore) Kind() Kind                { return KindIBLTMore }
func (IBLTResult) Kind() Kind              { return KindIBLTResult }
