// Package protocol defines the JSON wire contract: peer messages on the
// direct data channel, server messages on the signaling channel, and the
// signaling frames themselves. Payloads are validated on decode; a
// malformed or unrecognized message yields ErrProtocol, never a panic.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks any malformed or unrecognized wire input.
var ErrProtocol = errors.New("protocol error")

// Message is the envelope for all peer-to-peer application traffic.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FileListItem describes one offered file, without its content. Selected
// is receiver-side UI state and is never meaningful on the wire from the
// sender.
type FileListItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Selected bool   `json:"selected,omitempty"`
}

// FileList is the catalog payload of FILES_LIST_RES.
type FileList struct {
	Items []FileListItem `json:"items"`
}

// TransferRequest is the payload of FILES_TRANSFER_REQ: ids of the files
// the receiver wants.
type TransferRequest struct {
	Files []string `json:"files"`
}

// FileTransfer is the payload of FILES_TRANSFER_RES: one complete file.
type FileTransfer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Blob []byte `json:"blob"`
}

// TransferProgress is the informational FILES_TRANSFER_PROGRESS payload.
type TransferProgress struct {
	ID       string `json:"id"`
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
}

// PeerAlias is the SET_PEER_ALIAS payload.
type PeerAlias struct {
	Alias string `json:"alias"`
}

// NewMessage builds an envelope around the given payload. A nil payload
// produces a bare envelope (FILES_LIST_REQ, FILES_TRANSFER_END).
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes and validates an envelope. The payload is checked
// against the shape its type demands, so downstream handlers can decode
// without re-validating.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: malformed envelope: %v", ErrProtocol, err)
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
	}
	if err := msg.validatePayload(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validatePayload() error {
	switch m.Type {
	case MsgFilesListReq, MsgFilesTransferEnd:
		return nil
	case MsgFilesListRes:
		var p FileList
		return m.decodeInto(&p)
	case MsgFilesTransferReq:
		var p TransferRequest
		if err := m.decodeInto(&p); err != nil {
			return err
		}
		if p.Files == nil {
			return fmt.Errorf("%w: %s without file ids", ErrProtocol, m.Type)
		}
		return nil
	case MsgFilesTransferRes:
		var p FileTransfer
		if err := m.decodeInto(&p); err != nil {
			return err
		}
		if p.ID == "" {
			return fmt.Errorf("%w: %s without file id", ErrProtocol, m.Type)
		}
		return nil
	case MsgFilesTransferProgress:
		var p TransferProgress
		return m.decodeInto(&p)
	case MsgSetPeerAlias:
		var p PeerAlias
		if err := m.decodeInto(&p); err != nil {
			return err
		}
		if p.Alias == "" {
			return fmt.Errorf("%w: empty alias", ErrProtocol)
		}
		return nil
	case MsgPeerDrop:
		var p ServerMessage
		return m.decodeInto(&p)
	}
	return nil
}

func (m Message) decodeInto(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrProtocol, m.Type, err)
	}
	return nil
}

// DecodePayload unmarshals a validated envelope's payload into v.
func (m Message) DecodePayload(v any) error {
	return m.decodeInto(v)
}
