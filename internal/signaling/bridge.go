package signaling

import (
	"encoding/json"
	"log/slog"

	"peerdrop/internal/protocol"
	"peerdrop/internal/registry"
)

// Bridge carries ServerMessage request/response pairs between a
// connected client and the room registry, multiplexed over the
// signaling channel inside PEER_DROP frames.
type Bridge struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewBridge(reg *registry.Registry, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{registry: reg, logger: logger}
}

// Handle processes one wrapped envelope from peer src. The second
// return is false when the inner type is unrecognized; the caller drops
// the frame without replying.
func (b *Bridge) Handle(src string, payload json.RawMessage) (protocol.ServerMessage, bool) {
	msg, err := protocol.ParseServerMessage(payload)
	if err != nil {
		b.logger.Debug("dropping unrecognized server message", "peer", src, "error", err)
		return protocol.ServerMessage{}, false
	}

	switch msg.Type {
	case protocol.ServerCreateRoom:
		var req protocol.CreateRoomRequest
		if err := msg.DecodePayload(&req); err != nil {
			b.logger.Debug("malformed create room request", "peer", src, "error", err)
			return protocol.NewServerError(protocol.ServerCreateRoom, "BAD_REQUEST"), true
		}
		ownerID := req.UserID
		if ownerID == "" {
			ownerID = src
		}
		room := b.registry.Add(ownerID, 1)
		reply, err := protocol.NewServerMessage(protocol.ServerCreateRoom, room)
		if err != nil {
			return protocol.NewServerError(protocol.ServerCreateRoom, "INTERNAL"), true
		}
		return reply, true

	case protocol.ServerGetRoom:
		var req protocol.GetRoomRequest
		if err := msg.DecodePayload(&req); err != nil {
			b.logger.Debug("malformed get room request", "peer", src, "error", err)
			return protocol.NewServerError(protocol.ServerGetRoom, "BAD_REQUEST"), true
		}
		view, err := b.registry.Get(req.RoomID)
		if err != nil {
			return protocol.NewServerError(protocol.ServerGetRoom, "NOT_FOUND"), true
		}
		reply, err := protocol.NewServerMessage(protocol.ServerGetRoom, view)
		if err != nil {
			return protocol.NewServerError(protocol.ServerGetRoom, "INTERNAL"), true
		}
		return reply, true
	}

	b.logger.Debug("dropping unhandled server message type", "peer", src, "type", msg.Type)
	return protocol.ServerMessage{}, false
}
