// Package signaling implements both halves of the signaling channel:
// the server-side websocket hub that brokers peer discovery and relays
// connection negotiation, and the client used by peer sessions to reach
// it. Room registry traffic shares the channel via PEER_DROP frames.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerdrop/internal/identity"
	"peerdrop/internal/protocol"
	"peerdrop/internal/registry"
)

const writeTimeout = 10 * time.Second

// Options configures the hub.
type Options struct {
	Addr     string
	Path     string
	Registry *registry.Registry
	Clients  *ClientStore
	Logger   *slog.Logger
}

type Server struct {
	addr     string
	path     string
	logger   *slog.Logger
	registry *registry.Registry
	clients  *ClientStore
	bridge   *Bridge
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peerSocket
}

// peerSocket is one connected client. Gorilla connections do not allow
// concurrent writers, so every outbound frame goes through write.
type peerSocket struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peerSocket) write(sig protocol.Signal) error {
	data, err := sig.Encode()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(logger)
	}
	path := opts.Path
	if path == "" {
		path = "/sockets"
	}
	return &Server{
		addr:     opts.Addr,
		path:     path,
		logger:   logger,
		registry: reg,
		clients:  opts.Clients,
		bridge:   NewBridge(reg, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerSocket),
	}
}

// Handler returns the full HTTP surface: the websocket mount plus the
// session endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleSocket)
	s.registerHTTP(mux)
	return s.logRequests(mux)
}

// ListenAndServe blocks until ctx is canceled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("signaling server started", "addr", s.addr, "path", s.path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("id")
	if peerID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sock := &peerSocket{id: peerID, conn: conn}

	s.mu.Lock()
	if _, taken := s.peers[peerID]; taken {
		s.mu.Unlock()
		s.logger.Warn("peer id already connected", "peer", identity.ShortID(peerID))
		_ = sock.write(protocol.Signal{
			Type: protocol.SignalError,
			Payload: mustJSON(protocol.SignalErrorPayload{
				Code:    protocol.ErrIDTaken,
				Message: "id is already taken",
			}),
		})
		_ = conn.Close()
		return
	}
	s.peers[peerID] = sock
	s.mu.Unlock()

	if s.clients != nil {
		s.clients.CreateClient(peerID, r.RemoteAddr)
	}
	s.logger.Info("peer connected", "peer", identity.ShortID(peerID), "addr", r.RemoteAddr)

	if err := sock.write(protocol.Signal{Type: protocol.SignalOpen, Dst: peerID}); err != nil {
		s.logger.Warn("failed to ack open", "peer", identity.ShortID(peerID), "error", err)
	}

	defer s.dropPeer(sock)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sig, err := protocol.ParseSignal(data)
		if err != nil {
			s.logger.Debug("dropping malformed signal", "peer", identity.ShortID(peerID), "error", err)
			continue
		}
		s.handleSignal(sock, sig)
	}
}

func (s *Server) handleSignal(src *peerSocket, sig protocol.Signal) {
	switch sig.Type {
	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalCandidate:
		s.relay(src, sig)

	case protocol.SignalPeerDrop:
		reply, ok := s.bridge.Handle(src.id, sig.Payload)
		if !ok {
			return
		}
		payload := mustJSON(reply)
		if err := src.write(protocol.Signal{Type: protocol.SignalPeerDrop, Dst: src.id, Payload: payload}); err != nil {
			s.logger.Warn("failed to send registry reply", "peer", identity.ShortID(src.id), "error", err)
		}

	case protocol.SignalHeartbeat:
		// keepalive only

	case protocol.SignalLeave:
		_ = src.conn.Close()

	default:
		// Other traffic shares this channel; not our frame, not an error.
		s.logger.Debug("dropping unrecognized signal", "peer", identity.ShortID(src.id), "type", sig.Type)
	}
}

// relay forwards a negotiation frame to its destination, stamping the
// source so the remote knows who is calling.
func (s *Server) relay(src *peerSocket, sig protocol.Signal) {
	s.mu.Lock()
	dst, ok := s.peers[sig.Dst]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("relay target unavailable", "peer", identity.ShortID(sig.Dst))
		_ = src.write(protocol.Signal{
			Type: protocol.SignalError,
			Payload: mustJSON(protocol.SignalErrorPayload{
				Code:    protocol.ErrPeerUnavailable,
				Message: sig.Dst,
			}),
		})
		return
	}

	sig.Src = src.id
	if err := dst.write(sig); err != nil {
		s.logger.Warn("relay write failed", "from", identity.ShortID(src.id), "to", identity.ShortID(sig.Dst), "error", err)
	}
}

// dropPeer releases everything the connection owned: its hub slot, its
// client record, and every room it registered. Runs exactly once per
// connection.
func (s *Server) dropPeer(sock *peerSocket) {
	_ = sock.conn.Close()

	s.mu.Lock()
	current, ok := s.peers[sock.id]
	if ok && current == sock {
		delete(s.peers, sock.id)
	}
	s.mu.Unlock()
	if !ok || current != sock {
		return
	}

	if s.clients != nil {
		s.clients.DeleteClient(sock.id)
	}
	removed := s.registry.Delete(sock.id)
	s.logger.Info("peer disconnected", "peer", identity.ShortID(sock.id), "rooms_released", removed)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
