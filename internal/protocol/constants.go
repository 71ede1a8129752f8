package protocol

// MessageType tags every application message exchanged between two
// directly-connected peers.
type MessageType string

const (
	MsgFilesListReq          MessageType = "FILES_LIST_REQ"
	MsgFilesListRes          MessageType = "FILES_LIST_RES"
	MsgFilesTransferReq      MessageType = "FILES_TRANSFER_REQ"
	MsgFilesTransferRes      MessageType = "FILES_TRANSFER_RES"
	MsgFilesTransferProgress MessageType = "FILES_TRANSFER_PROGRESS"
	MsgFilesTransferEnd      MessageType = "FILES_TRANSFER_END"
	MsgSetPeerAlias          MessageType = "SET_PEER_ALIAS"
	MsgPeerDrop              MessageType = "PEER_DROP"
)

func (t MessageType) Valid() bool {
	switch t {
	case MsgFilesListReq, MsgFilesListRes, MsgFilesTransferReq,
		MsgFilesTransferRes, MsgFilesTransferProgress, MsgFilesTransferEnd,
		MsgSetPeerAlias, MsgPeerDrop:
		return true
	}
	return false
}

// ServerMessageType tags registry request/response envelopes carried over
// the signaling channel.
type ServerMessageType string

const (
	ServerCreateRoom ServerMessageType = "CREATE_ROOM"
	ServerGetRoom    ServerMessageType = "GET_ROOM"
)

func (t ServerMessageType) Valid() bool {
	return t == ServerCreateRoom || t == ServerGetRoom
}

// SignalType tags frames on the client-server signaling socket.
type SignalType string

const (
	SignalOpen      SignalType = "OPEN"
	SignalError     SignalType = "ERROR"
	SignalOffer     SignalType = "OFFER"
	SignalAnswer    SignalType = "ANSWER"
	SignalCandidate SignalType = "CANDIDATE"
	SignalPeerDrop  SignalType = "PEER_DROP"
	SignalHeartbeat SignalType = "HEARTBEAT"
	SignalLeave     SignalType = "LEAVE"
)

// Error payloads carried by SignalError frames.
const (
	ErrIDTaken         = "ID_TAKEN"
	ErrPeerUnavailable = "PEER_UNAVAILABLE"
)
