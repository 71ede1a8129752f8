// Package transport abstracts the direct peer connection: a reliable,
// ordered, binary-capable channel established through a signaling
// exchange. The session layer consumes it as a black box.
package transport

import (
	"context"
	"errors"

	"peerdrop/internal/protocol"
)

var ErrChannelNotReady = errors.New("data channel not ready")

// Signaler carries signaling frames to the remote side during connection
// establishment.
type Signaler interface {
	SendSignal(ctx context.Context, sig protocol.Signal) error
}

// ProgressEvent reports chunk arrival for one tagged transfer: N of
// Total chunks received so far.
type ProgressEvent struct {
	TransferID string
	N          int
	Total      int
}

// Conn is one open direct connection.
//
// Send transmits an opaque payload as a single frame. SendTagged splits
// the payload into chunks tagged with transferID so the remote side can
// observe arrival progress. Recv delivers reassembled payloads; Progress
// delivers chunk-level arrival events; both channels close when the
// connection dies, and Done is closed exactly once at that point.
type Conn interface {
	PeerID() string
	Send(payload []byte) error
	SendTagged(transferID string, payload []byte) error
	Recv() <-chan []byte
	Progress() <-chan ProgressEvent
	// Ready is closed once the channel is open; connections delivered by
	// Accept are already open.
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Close() error
}

// Transport establishes direct connections to remote peers.
type Transport interface {
	// Connect initiates a connection; the returned Conn is not usable
	// until its open notification (the session layer waits on it).
	Connect(ctx context.Context, peerID string) (Conn, error)
	// Accept yields connections initiated by remote peers.
	Accept() <-chan Conn
	// HandleSignal feeds an inbound signaling frame (offer, answer or
	// ICE candidate) into the matching connection attempt.
	HandleSignal(ctx context.Context, sig protocol.Signal) error
	Close() error
}
