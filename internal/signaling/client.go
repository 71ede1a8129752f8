package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerdrop/internal/protocol"
)

const heartbeatInterval = 20 * time.Second

var (
	ErrClientClosed = errors.New("signaling connection closed")
	ErrIDTaken      = errors.New("peer id already taken")
)

// Client is one peer's connection to the signaling hub. It implements
// the transport's Signaler, exposes inbound negotiation frames through
// Signals, and runs registry request/response pairs over PEER_DROP.
type Client struct {
	peerID string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[protocol.ServerMessageType]chan protocol.ServerMessage

	signals   chan protocol.Signal
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub and waits for the registration ack. A
// rejected id fails the dial rather than surfacing later.
func Dial(ctx context.Context, wsURL, peerID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("id", peerID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	c := &Client{
		peerID:  peerID,
		conn:    conn,
		logger:  logger,
		pending: make(map[protocol.ServerMessageType]chan protocol.ServerMessage),
		signals: make(chan protocol.Signal, 16),
		done:    make(chan struct{}),
	}

	if err := c.awaitOpen(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.heartbeatLoop()
	return c, nil
}

// awaitOpen reads the first frame, which must be the OPEN ack or an
// ERROR rejecting the registration.
func (c *Client) awaitOpen(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	sig, err := protocol.ParseSignal(data)
	if err != nil {
		return err
	}
	switch sig.Type {
	case protocol.SignalOpen:
		c.logger.Debug("registered with signaling server", "peer", c.peerID)
		return nil
	case protocol.SignalError:
		var payload protocol.SignalErrorPayload
		if err := sig.DecodePayload(&payload); err == nil && payload.Code == protocol.ErrIDTaken {
			return ErrIDTaken
		}
		return fmt.Errorf("registration rejected: %s", sig.Payload)
	default:
		return fmt.Errorf("unexpected frame before ack: %s", sig.Type)
	}
}

func (c *Client) PeerID() string { return c.peerID }

// Signals delivers inbound negotiation frames. The channel closes when
// the connection dies.
func (c *Client) Signals() <-chan protocol.Signal { return c.signals }

// Done is closed when the connection to the server is lost.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendSignal writes one frame to the hub.
func (c *Client) SendSignal(ctx context.Context, sig protocol.Signal) error {
	select {
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := sig.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

// Request runs one registry request/response pair over the signaling
// channel. Replies are matched by message type; one request per type
// may be in flight.
func (c *Client) Request(ctx context.Context, msg protocol.ServerMessage) (protocol.ServerMessage, error) {
	ch := make(chan protocol.ServerMessage, 1)
	c.mu.Lock()
	if _, busy := c.pending[msg.Type]; busy {
		c.mu.Unlock()
		return protocol.ServerMessage{}, fmt.Errorf("%s request already in flight", msg.Type)
	}
	c.pending[msg.Type] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Type)
		c.mu.Unlock()
	}()

	payload, err := msg.Encode()
	if err != nil {
		return protocol.ServerMessage{}, err
	}
	sig := protocol.Signal{Type: protocol.SignalPeerDrop, Payload: payload}
	if err := c.SendSignal(ctx, sig); err != nil {
		return protocol.ServerMessage{}, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, fmt.Errorf("server rejected %s: %s", msg.Type, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.ServerMessage{}, ctx.Err()
	case <-c.done:
		return protocol.ServerMessage{}, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("signaling read failed", "error", err)
			return
		}
		sig, err := protocol.ParseSignal(data)
		if err != nil {
			c.logger.Debug("dropping malformed signal", "error", err)
			continue
		}
		c.dispatch(sig)
	}
}

func (c *Client) dispatch(sig protocol.Signal) {
	switch sig.Type {
	case protocol.SignalPeerDrop:
		reply, err := protocol.ParseServerMessage(sig.Payload)
		if err != nil {
			c.logger.Debug("dropping malformed server reply", "error", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.Type]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping unsolicited server reply", "type", reply.Type)
			return
		}
		ch <- reply

	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalCandidate, protocol.SignalError:
		select {
		case c.signals <- sig:
		default:
			c.logger.Warn("signal buffer full, dropping frame", "type", sig.Type)
		}

	default:
		c.logger.Debug("dropping unrecognized signal", "type", sig.Type)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.SendSignal(context.Background(), protocol.Signal{Type: protocol.SignalHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.signals)
		_ = c.conn.Close()
	})
}

// Close tears down the connection. The server releases this peer's
// rooms and client record on disconnect.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}
