package sharedlog

import (
	"xdao.co/peerlog/transport"
)

// EventType classifies an Event.
type EventType uint8

const (
	// EventPeerJoined is emitted the first time a peer's segments are seen.
	EventPeerJoined EventType = iota + 1
	// EventPeerLeft is emitted when a peer stops replicating.
	EventPeerLeft
	// EventSynced is emitted after a reconciliation round with a peer.
	EventSynced
	// EventSyncFailed is emitted when a reconciliation round with a peer fails.
	EventSyncFailed
	// EventFactorChanged is emitted when the node announces a new factor.
	EventFactorChanged
	// EventJoined is emitted when remote entries are merged into the log.
	EventJoined
	// EventPruned is emitted when entries replicated elsewhere are pruned.
	EventPruned
)

var eventNames = map[EventType]string{
	EventPeerJoined:    "peer-joined",
	EventPeerLeft:      "peer-left",
	EventSynced:        "synced",
	EventSyncFailed:    "sync-failed",
	EventFactorChanged: "factor-changed",
	EventJoined:        "joined",
	EventPruned:        "pruned",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event reports background activity. Count is the number of entries
// involved, Factor the announced factor for EventFactorChanged.
type Event struct {
	Type     EventType
	Peer     transport.PeerID
	Protocol string
	Count    int
	Factor   float64
	Err      error
}
