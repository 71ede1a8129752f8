// Package webrtc implements the direct peer transport over pion WebRTC
// data channels, with offer/answer and trickled ICE carried by the
// signaling layer.
package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

type Transport struct {
	config   webrtc.Configuration
	signaler transport.Signaler
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[string]*connection
	incoming    chan transport.Conn
	closed      bool
}

// New creates a WebRTC transport signaling through the given signaler.
// Empty stunServers selects the defaults.
func New(signaler transport.Signaler, logger *slog.Logger, stunServers []string) *Transport {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		config: webrtc.Configuration{
			ICEServers:         []webrtc.ICEServer{{URLs: stunServers}},
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler:    signaler,
		logger:      logger,
		connections: make(map[string]*connection),
		incoming:    make(chan transport.Conn, 16),
	}
}

// Connect initiates a connection to peerID: creates the peer connection
// and data channel, then sends the offer through the signaler. The
// returned Conn becomes usable once its data channel opens; callers wait
// on Ready via the session layer.
func (t *Transport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc, t.signaler, t.logger, true)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("transport closed")
	}
	if _, exists := t.connections[peerID]; exists {
		t.mu.Unlock()
		_ = pc.Close()
		return nil, fmt.Errorf("connection attempt to %s already in flight", peerID)
	}
	t.connections[peerID] = conn
	t.mu.Unlock()

	go t.reapOnDone(conn)

	if err := conn.createDataChannel(); err != nil {
		t.drop(peerID)
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.drop(peerID)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.drop(peerID)
		return nil, fmt.Errorf("set local description: %w", err)
	}

	sig, err := protocol.NewSignal(protocol.SignalOffer, peerID, protocol.SDPPayload{SDP: offer.SDP})
	if err != nil {
		t.drop(peerID)
		return nil, err
	}
	if err := t.signaler.SendSignal(ctx, sig); err != nil {
		t.drop(peerID)
		return nil, fmt.Errorf("send offer: %w", err)
	}

	return conn, nil
}

func (t *Transport) Accept() <-chan transport.Conn {
	return t.incoming
}

// HandleSignal routes an inbound OFFER, ANSWER or CANDIDATE frame to the
// matching connection, creating the responder side on a fresh offer.
func (t *Transport) HandleSignal(ctx context.Context, sig protocol.Signal) error {
	t.mu.Lock()
	conn, exists := t.connections[sig.Src]
	t.mu.Unlock()

	if !exists {
		if sig.Type != protocol.SignalOffer {
			return fmt.Errorf("%s signal for unknown peer %s", sig.Type, sig.Src)
		}
		pc, err := webrtc.NewPeerConnection(t.config)
		if err != nil {
			return fmt.Errorf("create peer connection: %w", err)
		}
		conn = newConnection(sig.Src, pc, t.signaler, t.logger, false)
		conn.onOpen = func() {
			select {
			case t.incoming <- conn:
			default:
				t.logger.Warn("incoming connection queue full, dropping", "peer", sig.Src)
				_ = conn.Close()
			}
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = pc.Close()
			return fmt.Errorf("transport closed")
		}
		t.connections[sig.Src] = conn
		t.mu.Unlock()

		go t.reapOnDone(conn)
	}

	return conn.handleSignal(ctx, sig)
}

// reapOnDone removes a dead connection from the live set.
func (t *Transport) reapOnDone(conn *connection) {
	<-conn.Done()
	t.mu.Lock()
	if current, ok := t.connections[conn.PeerID()]; ok && current == conn {
		delete(t.connections, conn.PeerID())
	}
	t.mu.Unlock()
}

func (t *Transport) drop(peerID string) {
	t.mu.Lock()
	conn, ok := t.connections[peerID]
	delete(t.connections, peerID)
	t.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.connections = make(map[string]*connection)
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	close(t.incoming)
	return nil
}
