package protocol

import (
	"encoding/json"
	"fmt"
)

// Signal is one frame on the client-server signaling socket. Src is
// stamped by the server when relaying; Dst addresses the remote peer for
// OFFER, ANSWER and CANDIDATE frames.
type Signal struct {
	Type    SignalType      `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalErrorPayload is the payload of an ERROR frame.
type SignalErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SDPPayload carries a session description for OFFER and ANSWER frames.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// NewSignal builds a frame around the given payload.
func NewSignal(t SignalType, dst string, payload any) (Signal, error) {
	sig := Signal{Type: t, Dst: dst}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Signal{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		sig.Payload = data
	}
	return sig, nil
}

// Encode serializes the frame for the socket.
func (s Signal) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// ParseSignal decodes one signaling frame. Unknown types are not an error
// here; the hub logs and drops them so unrelated traffic can share the
// channel.
func ParseSignal(data []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: malformed signal: %v", ErrProtocol, err)
	}
	if sig.Type == "" {
		return Signal{}, fmt.Errorf("%w: signal without type", ErrProtocol)
	}
	return sig, nil
}

// DecodePayload unmarshals the frame payload into v.
func (s Signal) DecodePayload(v any) error {
	if len(s.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrProtocol, s.Type)
	}
	if err := json.Unmarshal(s.Payload, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrProtocol, s.Type, err)
	}
	return nil
}
