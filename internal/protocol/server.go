package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerMessage is the request/response envelope between a client and the
// room registry, carried over the signaling channel inside a PEER_DROP
// frame. Error is set instead of Data on failed lookups.
type ServerMessage struct {
	Type  ServerMessageType `json:"type"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Error string            `json:"error,omitempty"`
}

// CreateRoomRequest asks the registry for a new room owned by UserID.
type CreateRoomRequest struct {
	UserID string `json:"userId"`
}

// GetRoomRequest resolves a room id to its shared view.
type GetRoomRequest struct {
	RoomID string `json:"roomId"`
}

// Room is the full registry record, returned only to its creator.
type Room struct {
	ID                 string    `json:"id"`
	OwnerID            string    `json:"ownerId"`
	CreatedAt          time.Time `json:"date"`
	ExpiresAt          time.Time `json:"expires"`
	RemainingDownloads int       `json:"pendingDownloads"`
	Receipt            string    `json:"receipt"`
}

// RoomView is the external view of a room: the receipt and remaining
// quota are stripped so callers other than the owner never learn them.
type RoomView struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"date"`
	ExpiresAt time.Time `json:"expires"`
}

// NewServerMessage builds a ServerMessage around the given payload.
func NewServerMessage(t ServerMessageType, payload any) (ServerMessage, error) {
	msg := ServerMessage{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ServerMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Encode serializes the envelope for transmission.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewServerError builds a reply that echoes the request type and carries
// only an error string.
func NewServerError(t ServerMessageType, errText string) ServerMessage {
	return ServerMessage{Type: t, Error: errText}
}

// ParseServerMessage decodes and validates a registry envelope.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: malformed server message: %v", ErrProtocol, err)
	}
	if !msg.Type.Valid() {
		return ServerMessage{}, fmt.Errorf("%w: unknown server message type %q", ErrProtocol, msg.Type)
	}
	return msg, nil
}

// DecodePayload unmarshals the message data into v.
func (m ServerMessage) DecodePayload(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrProtocol, m.Type, err)
	}
	return nil
}
