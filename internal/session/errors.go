package session

import "errors"

var (
	ErrSession             = errors.New("session could not be established")
	ErrAlreadyConnected    = errors.New("already connected to peer")
	ErrNotConnected        = errors.New("not connected to peer")
	ErrConnectionFailed    = errors.New("connection to peer failed")
	ErrSend                = errors.New("failed to send message")
	ErrNetworkDisconnected = errors.New("disconnected from signaling server")
)
