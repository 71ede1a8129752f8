// Package activity keeps the append-only, time-ordered record of
// protocol events. It is the single place allowed to bridge into the
// presentation layer, via an injected notifier.
package activity

import (
	"strings"
	"sync"
	"time"

	"peerdrop/internal/protocol"
)

// Type names one loggable event. Peer message types are used verbatim;
// lifecycle events compose a base with a _REQUESTED/_OK/_ERROR suffix.
type Type string

const (
	CreateSession    Type = "CREATE_SESSION"
	ListenConnection Type = "LISTEN_CONNECTION"
	NewConnection    Type = "NEW_CONNECTION"
	CreateRoom       Type = "CREATE_ROOM"
	GetRoom          Type = "GET_ROOM"

	ConnectionClose        Type = "CONNECTION_CLOSE"
	DisconnectedFromServer Type = "DISCONNECTED_FROM_SERVER"
)

const (
	StatusRequested = "REQUESTED"
	StatusOK        = "OK"
	StatusError     = "ERROR"
)

// WithStatus composes "CREATE_ROOM" + "OK" into "CREATE_ROOM_OK". Types
// already carrying a status suffix pass through unchanged.
func WithStatus(t Type, status string) Type {
	s := string(t)
	for _, suffix := range []string{StatusRequested, StatusOK, StatusError} {
		if strings.HasSuffix(s, "_"+suffix) {
			return t
		}
	}
	return Type(s + "_" + status)
}

// IsError reports whether the type denotes an error condition.
func (t Type) IsError() bool {
	return strings.HasSuffix(string(t), StatusError)
}

// Entry is one record in the log.
type Entry struct {
	ID     string
	Date   time.Time
	Type   Type
	PeerID string
	Alias  string
}

// Notifier receives the type of every error entry, exactly once per
// underlying event. Injected so the log has no presentation dependency.
type Notifier func(t Type)

// AliasResolver maps a peer id to its display alias when one is known.
type AliasResolver func(peerID string) string

// Log is an insertion-ordered, most-recent-first event record with
// dedupe by derived id.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
	notify  Notifier
	resolve AliasResolver
	now     func() time.Time
}

func NewLog(notify Notifier, resolve AliasResolver) *Log {
	return &Log{
		seen:    make(map[string]bool),
		notify:  notify,
		resolve: resolve,
		now:     time.Now,
	}
}

// Add appends an entry. Progress ticks are dropped entirely to keep the
// log usable; duplicate logical events (same derived id) are dropped; an
// error entry additionally fires the notifier.
func (l *Log) Add(t Type, peerID string) {
	if t == Type(protocol.MsgFilesTransferProgress) {
		return
	}

	var notify Notifier
	l.mu.Lock()
	date := l.now()
	id := date.Format(time.RFC3339Nano) + string(t)
	if l.seen[id] {
		l.mu.Unlock()
		return
	}
	l.seen[id] = true

	alias := ""
	if peerID != "" {
		if l.resolve != nil {
			alias = l.resolve(peerID)
		}
		if alias == "" {
			alias = "Owner"
		}
	} else {
		alias = "Server"
	}

	l.entries = append([]Entry{{
		ID:     id,
		Date:   date,
		Type:   t,
		PeerID: peerID,
		Alias:  alias,
	}}, l.entries...)
	if t.IsError() {
		notify = l.notify
	}
	l.mu.Unlock()

	if notify != nil {
		notify(t)
	}
}

// AddMessage records an inbound or outbound peer message.
func (l *Log) AddMessage(msgType protocol.MessageType, peerID string) {
	l.Add(Type(msgType), peerID)
}

// Entries returns a snapshot, most recent first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
