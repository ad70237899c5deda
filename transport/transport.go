// Package transport defines the messaging a shared log needs from the
// network: topic publish/subscribe and point-to-point request/response.
//
// Delivery is at-most-once and unordered. Callers must tolerate duplicated,
// reordered and lost messages.
package transport

import (
	"context"
	"errors"
)

// PeerID identifies a node. Shared logs use the String form of the node's
// public key.
type PeerID string

func (p PeerID) String() string { return string(p) }

var (
	// ErrUnreachable is returned when a request cannot be delivered.
	ErrUnreachable = errors.New("transport: peer unreachable")
	// ErrClosed is returned by a transport that has left its network.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives published messages.
type Handler func(ctx context.Context, from PeerID, data []byte)

// RequestHandler answers requests on one topic.
type RequestHandler func(ctx context.Context, from PeerID, data []byte) ([]byte, error)

// Transport is the messaging layer of one node.
type Transport interface {
	Self() PeerID
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, h Handler) (func(), error)
	// Request sends data to a single peer and waits for its answer until ctx ends.
	Request(ctx context.Context, to PeerID, topic string, data []byte) ([]byte, error)
	HandleRequests(topic string, h RequestHandler) (func(), error)
	// Peers lists other nodes subscribed to topic.
	Peers(topic string) []PeerID
}
