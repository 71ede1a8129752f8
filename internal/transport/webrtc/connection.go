package webrtc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	signaler    transport.Signaler
	logger      *slog.Logger
	isInitiator bool

	assembler *transport.Assembler
	recvCh    chan []byte
	progress  chan transport.ProgressEvent
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	onOpen     func()
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, logger *slog.Logger, isInitiator bool) *connection {
	c := &connection{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		logger:      logger,
		isInitiator: isInitiator,
		assembler:   transport.NewAssembler(),
		recvCh:      make(chan []byte, 256),
		progress:    make(chan transport.ProgressEvent, 256),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "peer", peerID, "state", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			c.shutdown()
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		sig, err := protocol.NewSignal(protocol.SignalCandidate, peerID, protocol.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			c.logger.Warn("failed to build candidate signal", "error", err)
			return
		}
		if err := c.signaler.SendSignal(context.Background(), sig); err != nil {
			c.logger.Warn("failed to trickle candidate", "peer", peerID, "error", err)
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.setupDataChannel(dc)
		})
	}

	return c
}

func (c *connection) createDataChannel() error {
	ordered := true
	proto := "peerdrop"
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered:  &ordered,
		Protocol: &proto,
	})
	if err != nil {
		return err
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Debug("data channel open", "peer", c.peerID, "label", dc.Label())
		c.readyOnce.Do(func() { close(c.ready) })
		c.mu.Lock()
		onOpen := c.onOpen
		c.mu.Unlock()
		if onOpen != nil {
			onOpen()
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleFrame(msg.Data)
	})

	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", "peer", c.peerID, "error", err)
	})

	dc.OnClose(func() {
		c.shutdown()
	})
}

func (c *connection) handleFrame(data []byte) {
	payload, done, ev, err := c.assembler.Feed(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "peer", c.peerID, "error", err)
		return
	}
	if ev != nil {
		select {
		case c.progress <- *ev:
		default:
		}
	}
	if done {
		select {
		case c.recvCh <- payload:
		case <-c.done:
		}
	}
}

// handleSignal applies a remote description or a trickled candidate to
// this connection attempt. Candidates arriving before the remote
// description are buffered.
func (c *connection) handleSignal(ctx context.Context, sig protocol.Signal) error {
	switch sig.Type {
	case protocol.SignalOffer:
		var sdp protocol.SDPPayload
		if err := sig.DecodePayload(&sdp); err != nil {
			return err
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sdp.SDP,
		}); err != nil {
			return err
		}
		if err := c.flushCandidates(); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		reply, err := protocol.NewSignal(protocol.SignalAnswer, c.peerID, protocol.SDPPayload{SDP: answer.SDP})
		if err != nil {
			return err
		}
		return c.signaler.SendSignal(ctx, reply)

	case protocol.SignalAnswer:
		var sdp protocol.SDPPayload
		if err := sig.DecodePayload(&sdp); err != nil {
			return err
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sdp.SDP,
		}); err != nil {
			return err
		}
		return c.flushCandidates()

	case protocol.SignalCandidate:
		var cand protocol.CandidatePayload
		if err := sig.DecodePayload(&cand); err != nil {
			return err
		}
		init := webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pc.RemoteDescription() == nil {
			c.candidates = append(c.candidates, init)
			return nil
		}
		return c.pc.AddICECandidate(init)
	}
	return nil
}

func (c *connection) flushCandidates() error {
	c.mu.Lock()
	pending := c.candidates
	c.candidates = nil
	c.mu.Unlock()

	for _, init := range pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) shutdown() {
	c.doneOnce.Do(func() {
		c.assembler.Discard()
		close(c.done)
		close(c.recvCh)
		close(c.progress)
	})
}

func (c *connection) PeerID() string { return c.peerID }

func (c *connection) Send(payload []byte) error {
	return c.sendFrames(transport.MsgFrames(payload))
}

func (c *connection) SendTagged(transferID string, payload []byte) error {
	return c.sendFrames(transport.SplitFrames(transferID, payload))
}

func (c *connection) sendFrames(frames [][]byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return transport.ErrChannelNotReady
	}
	for _, f := range frames {
		if err := dc.Send(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) Recv() <-chan []byte { return c.recvCh }

func (c *connection) Progress() <-chan transport.ProgressEvent { return c.progress }

func (c *connection) Done() <-chan struct{} { return c.done }

// Ready is closed once the data channel opens.
func (c *connection) Ready() <-chan struct{} { return c.ready }

func (c *connection) Close() error {
	c.shutdown()
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}
