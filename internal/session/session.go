// Package session manages one peer's lifetime on the network: its
// signaling registration, its direct connections, and the dispatch of
// peer messages to the role's coordinator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"peerdrop/internal/activity"
	"peerdrop/internal/config"
	"peerdrop/internal/identity"
	"peerdrop/internal/protocol"
	"peerdrop/internal/signaling"
	"peerdrop/internal/transport"
	"peerdrop/internal/transport/webrtc"
)

// Role selects which peer messages the coordinator is interested in.
type Role string

const (
	RoleSender   Role = "SENDER"
	RoleReceiver Role = "RECEIVER"
)

// State tracks one connection through its life.
type State string

const (
	StateRequested State = "REQUESTED"
	StateOpen      State = "OPEN"
	StateClosed    State = "CLOSED"
	StateError     State = "ERROR"
)

var senderInterest = map[protocol.MessageType]bool{
	protocol.MsgFilesListReq:     true,
	protocol.MsgFilesTransferReq: true,
	protocol.MsgFilesTransferEnd: true,
}

var receiverInterest = map[protocol.MessageType]bool{
	protocol.MsgFilesListRes:     true,
	protocol.MsgFilesTransferRes: true,
	protocol.MsgSetPeerAlias:     true,
}

func (r Role) interested(t protocol.MessageType) bool {
	if r == RoleSender {
		return senderInterest[t]
	}
	return receiverInterest[t]
}

// Handler receives the session's dispatched events. Implemented by the
// role coordinators.
type Handler interface {
	HandleMessage(peerID string, msg protocol.Message)
	HandleProgress(peerID string, ev transport.ProgressEvent)
	HandleOpen(peerID string)
	HandleClose(peerID string)
}

// SignalClient is the session's view of the signaling connection.
type SignalClient interface {
	transport.Signaler
	Request(ctx context.Context, msg protocol.ServerMessage) (protocol.ServerMessage, error)
	Signals() <-chan protocol.Signal
	Done() <-chan struct{}
	Close() error
}

// Options configures a session. Dial and Transport default to the real
// signaling client and WebRTC transport.
type Options struct {
	Role   Role
	Config *config.Config
	Logger *slog.Logger
	Notify activity.Notifier

	Dial      func(ctx context.Context, wsURL, peerID string, logger *slog.Logger) (SignalClient, error)
	Transport func(signaler transport.Signaler, logger *slog.Logger) transport.Transport
}

type peerConn struct {
	id   string
	conn transport.Conn

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

// transition moves the connection forward; terminal states never
// change again.
func (p *peerConn) transition(to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateClosed, StateError:
		return false
	}
	p.state = to
	return true
}

func (p *peerConn) currentState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

type Session struct {
	role    Role
	peerID  string
	config  *config.Config
	logger  *slog.Logger
	log     *activity.Log
	notify  activity.Notifier
	handler Handler

	dial         func(ctx context.Context, wsURL, peerID string, logger *slog.Logger) (SignalClient, error)
	newTransport func(signaler transport.Signaler, logger *slog.Logger) transport.Transport

	mu        sync.Mutex
	client    SignalClient
	transport transport.Transport
	peers     map[string]*peerConn
	aliases   map[string]string
	closed    bool
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	s := &Session{
		role:    opts.Role,
		peerID:  identity.NewPeerID(),
		config:  cfg,
		logger:  logger,
		notify:  opts.Notify,
		peers:   make(map[string]*peerConn),
		aliases: make(map[string]string),
	}
	s.log = activity.NewLog(opts.Notify, s.aliasFor)

	s.dial = opts.Dial
	if s.dial == nil {
		s.dial = func(ctx context.Context, wsURL, peerID string, logger *slog.Logger) (SignalClient, error) {
			return signaling.Dial(ctx, wsURL, peerID, logger)
		}
	}
	s.newTransport = opts.Transport
	if s.newTransport == nil {
		s.newTransport = func(signaler transport.Signaler, logger *slog.Logger) transport.Transport {
			return webrtc.New(signaler, logger, nil)
		}
	}
	return s
}

// SetHandler installs the role coordinator. Must be called before
// Start.
func (s *Session) SetHandler(h Handler) { s.handler = h }

func (s *Session) PeerID() string { return s.peerID }

// Activity exposes the session's event log.
func (s *Session) Activity() *activity.Log { return s.log }

func (s *Session) aliasFor(peerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliases[peerID]
}

// Start registers with the signaling server and begins accepting
// signals. Returns the session's peer id once the server acks; the
// dial and ack wait are bounded by the configured connect timeout.
func (s *Session) Start(ctx context.Context) (string, error) {
	s.log.Add(activity.WithStatus(activity.CreateSession, activity.StatusRequested), "")

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	client, err := s.dial(dialCtx, s.config.WebsocketURL(), s.peerID, s.logger)
	if err != nil {
		s.log.Add(activity.WithStatus(activity.CreateSession, activity.StatusError), "")
		return "", fmt.Errorf("%w: %v", ErrSession, err)
	}

	tr := s.newTransport(client, s.logger)

	s.mu.Lock()
	s.client = client
	s.transport = tr
	s.mu.Unlock()

	go s.signalLoop(client, tr)
	go s.acceptLoop(tr)
	go s.watchDisconnect(client)

	s.log.Add(activity.WithStatus(activity.CreateSession, activity.StatusOK), "")
	s.log.Add(activity.ListenConnection, "")
	s.logger.Info("session started", "peer", identity.ShortID(s.peerID), "role", string(s.role))
	return s.peerID, nil
}

// signalLoop feeds relayed negotiation frames into the transport.
func (s *Session) signalLoop(client SignalClient, tr transport.Transport) {
	for sig := range client.Signals() {
		if sig.Type == protocol.SignalError {
			var payload protocol.SignalErrorPayload
			if err := sig.DecodePayload(&payload); err == nil {
				s.logger.Warn("signaling error", "code", payload.Code, "message", payload.Message)
			}
			continue
		}
		if err := tr.HandleSignal(context.Background(), sig); err != nil {
			s.logger.Debug("signal not handled", "type", sig.Type, "error", err)
		}
	}
}

// acceptLoop registers connections initiated by remote peers.
func (s *Session) acceptLoop(tr transport.Transport) {
	for conn := range tr.Accept() {
		s.registerConn(conn)
	}
}

func (s *Session) watchDisconnect(client SignalClient) {
	<-client.Done()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.log.Add(activity.DisconnectedFromServer, "")
	if s.notify != nil {
		s.notify(activity.DisconnectedFromServer)
	}
	s.logger.Warn("lost signaling connection")
}

// registerConn adopts an open connection, replacing any REQUESTED
// placeholder for the peer. Sender sessions push a generated alias to
// the new peer before any other traffic.
func (s *Session) registerConn(conn transport.Conn) {
	pc := &peerConn{id: conn.PeerID(), conn: conn, state: StateOpen}

	s.mu.Lock()
	if existing, exists := s.peers[pc.id]; exists && existing.conn != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.peers[pc.id] = pc
	var alias string
	if s.role == RoleSender {
		alias = identity.NewAlias()
		s.aliases[pc.id] = alias
	}
	s.mu.Unlock()

	s.log.Add(activity.WithStatus(activity.NewConnection, activity.StatusOK), pc.id)

	if alias != "" {
		msg, err := protocol.NewMessage(protocol.MsgSetPeerAlias, protocol.PeerAlias{Alias: alias})
		if err == nil {
			if err := s.sendMessage(pc, msg); err != nil {
				s.logger.Warn("failed to push alias", "peer", identity.ShortID(pc.id), "error", err)
			}
		}
	}

	go s.readLoop(pc)
	go s.progressLoop(pc)
	go s.watchConn(pc)

	if s.handler != nil {
		s.handler.HandleOpen(pc.id)
	}
}

// Connect dials a remote peer and blocks until the channel opens. A
// REQUESTED placeholder holds the peer's map slot for the duration of
// the attempt, so a concurrent second Connect fails fast.
func (s *Session) Connect(ctx context.Context, remoteID string) error {
	if s.networkDown() {
		return ErrNetworkDisconnected
	}

	s.mu.Lock()
	if _, exists := s.peers[remoteID]; exists {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	attempt := &peerConn{id: remoteID, state: StateRequested}
	s.peers[remoteID] = attempt
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		s.dropAttempt(remoteID, attempt)
		return ErrSession
	}

	s.log.Add(activity.WithStatus(activity.NewConnection, activity.StatusRequested), remoteID)

	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	conn, err := tr.Connect(ctx, remoteID)
	if err != nil {
		s.dropAttempt(remoteID, attempt)
		s.log.Add(activity.WithStatus(activity.NewConnection, activity.StatusError), remoteID)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	select {
	case <-conn.Ready():
	case <-conn.Done():
		s.dropAttempt(remoteID, attempt)
		s.log.Add(activity.WithStatus(activity.NewConnection, activity.StatusError), remoteID)
		return ErrConnectionFailed
	case <-ctx.Done():
		_ = conn.Close()
		s.dropAttempt(remoteID, attempt)
		s.log.Add(activity.WithStatus(activity.NewConnection, activity.StatusError), remoteID)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
	}

	s.registerConn(conn)
	return nil
}

// dropAttempt clears a failed dial's placeholder so the peer can be
// retried.
func (s *Session) dropAttempt(remoteID string, attempt *peerConn) {
	attempt.transition(StateError)
	s.mu.Lock()
	if current, ok := s.peers[remoteID]; ok && current == attempt {
		delete(s.peers, remoteID)
	}
	s.mu.Unlock()
}

// networkDown reports whether the signaling socket has been lost.
func (s *Session) networkDown() bool {
	client := s.signalClient()
	if client == nil {
		return false
	}
	select {
	case <-client.Done():
		return true
	default:
		return false
	}
}

func (s *Session) lookup(remoteID string) (*peerConn, error) {
	s.mu.Lock()
	pc, ok := s.peers[remoteID]
	s.mu.Unlock()
	if !ok || pc.currentState() != StateOpen {
		return nil, ErrNotConnected
	}
	return pc, nil
}

func (s *Session) sendMessage(pc *peerConn, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := pc.conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	s.log.AddMessage(msg.Type, pc.id)
	return nil
}

// Send delivers one message to a connected peer, at most once.
func (s *Session) Send(ctx context.Context, remoteID string, msg protocol.Message) error {
	pc, err := s.lookup(remoteID)
	if err != nil {
		return err
	}
	return s.sendMessage(pc, msg)
}

// SendFile delivers a payload-bearing message as a tagged chunk stream
// so the remote side observes arrival progress keyed by transferID.
func (s *Session) SendFile(remoteID, transferID string, msg protocol.Message) error {
	pc, err := s.lookup(remoteID)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := pc.conn.SendTagged(transferID, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	s.log.AddMessage(msg.Type, remoteID)
	return nil
}

// Broadcast sends a message to every open connection.
func (s *Session) Broadcast(msg protocol.Message) {
	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		if pc.currentState() != StateOpen {
			continue
		}
		if err := s.sendMessage(pc, msg); err != nil {
			s.logger.Warn("broadcast failed", "peer", identity.ShortID(pc.id), "error", err)
		}
	}
}

// Peers lists the ids of currently open connections.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id, pc := range s.peers {
		if pc.currentState() == StateOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) readLoop(pc *peerConn) {
	for data := range pc.conn.Recv() {
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.logger.Debug("dropping malformed message", "peer", identity.ShortID(pc.id), "error", err)
			continue
		}
		s.log.AddMessage(msg.Type, pc.id)

		if msg.Type == protocol.MsgSetPeerAlias {
			var payload protocol.PeerAlias
			if err := msg.DecodePayload(&payload); err == nil {
				s.mu.Lock()
				s.aliases[pc.id] = payload.Alias
				s.mu.Unlock()
			}
		}

		if !s.role.interested(msg.Type) {
			s.logger.Debug("message outside role interest", "type", msg.Type, "role", string(s.role))
			continue
		}
		if s.handler != nil {
			s.handler.HandleMessage(pc.id, msg)
		}
	}
}

func (s *Session) progressLoop(pc *peerConn) {
	for ev := range pc.conn.Progress() {
		if s.handler != nil {
			s.handler.HandleProgress(pc.id, ev)
		}
	}
}

func (s *Session) watchConn(pc *peerConn) {
	<-pc.conn.Done()
	s.closePeer(pc, StateClosed)
}

// closePeer runs the terminal transition exactly once, however many
// close signals arrive.
func (s *Session) closePeer(pc *peerConn, to State) {
	pc.closeOnce.Do(func() {
		pc.transition(to)
		if pc.conn != nil {
			_ = pc.conn.Close()
		}

		s.mu.Lock()
		if current, ok := s.peers[pc.id]; ok && current == pc {
			delete(s.peers, pc.id)
		}
		s.mu.Unlock()

		s.log.Add(activity.ConnectionClose, pc.id)
		s.logger.Info("peer connection closed", "peer", identity.ShortID(pc.id))
		if s.handler != nil {
			s.handler.HandleClose(pc.id)
		}
	})
}

// Disconnect closes the connection to one peer.
func (s *Session) Disconnect(remoteID string) {
	s.mu.Lock()
	pc, ok := s.peers[remoteID]
	s.mu.Unlock()
	if ok {
		s.closePeer(pc, StateClosed)
	}
}

// CreateRoom asks the registry for a room owned by this session. The
// wait for the reply is bounded by the configured connect timeout.
func (s *Session) CreateRoom(ctx context.Context) (protocol.Room, error) {
	s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusRequested), "")

	client := s.signalClient()
	if client == nil {
		s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusError), "")
		return protocol.Room{}, ErrSession
	}
	if s.networkDown() {
		s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusError), "")
		return protocol.Room{}, ErrNetworkDisconnected
	}
	req, err := protocol.NewServerMessage(protocol.ServerCreateRoom, protocol.CreateRoomRequest{UserID: s.peerID})
	if err != nil {
		return protocol.Room{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	reply, err := client.Request(ctx, req)
	if err != nil {
		s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusError), "")
		return protocol.Room{}, err
	}
	var room protocol.Room
	if err := reply.DecodePayload(&room); err != nil {
		s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusError), "")
		return protocol.Room{}, err
	}
	s.log.Add(activity.WithStatus(activity.CreateRoom, activity.StatusOK), "")
	return room, nil
}

// GetRoom resolves a room id to its shared view. The wait for the
// reply is bounded by the configured connect timeout.
func (s *Session) GetRoom(ctx context.Context, roomID string) (protocol.RoomView, error) {
	s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusRequested), "")

	client := s.signalClient()
	if client == nil {
		s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusError), "")
		return protocol.RoomView{}, ErrSession
	}
	if s.networkDown() {
		s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusError), "")
		return protocol.RoomView{}, ErrNetworkDisconnected
	}
	req, err := protocol.NewServerMessage(protocol.ServerGetRoom, protocol.GetRoomRequest{RoomID: roomID})
	if err != nil {
		return protocol.RoomView{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	reply, err := client.Request(ctx, req)
	if err != nil {
		s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusError), "")
		return protocol.RoomView{}, err
	}
	var view protocol.RoomView
	if err := reply.DecodePayload(&view); err != nil {
		s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusError), "")
		return protocol.RoomView{}, err
	}
	s.log.Add(activity.WithStatus(activity.GetRoom, activity.StatusOK), "")
	return view, nil
}

func (s *Session) signalClient() SignalClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Close tears down all connections and the signaling registration.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	tr := s.transport
	peers := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.mu.Unlock()

	for _, pc := range peers {
		s.closePeer(pc, StateClosed)
	}
	if tr != nil {
		_ = tr.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	return nil
}
