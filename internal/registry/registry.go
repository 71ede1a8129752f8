// Package registry is the server-side authority for room existence and
// the owner-scoped download budget. Rooms live in process memory only;
// expiry is passive, enforced on lookup.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"peerdrop/internal/identity"
	"peerdrop/internal/protocol"
)

// ErrNotFound covers a missing room, an expired room and a receipt
// mismatch alike, so callers cannot distinguish existence from bad
// credentials.
var ErrNotFound = errors.New("not found")

const (
	// Rooms expire a day after creation.
	roomTTL = 24 * time.Hour

	// DefaultQuota is the download budget used by the HTTP surface when
	// the creator does not ask for one.
	DefaultQuota = 3
)

type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*protocol.Room
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*protocol.Room),
		logger: logger,
		now:    time.Now,
	}
}

// Add creates a room owned by ownerID with the given download quota and
// returns the full record, receipt included. Only the creator ever sees
// this shape.
func (r *Registry) Add(ownerID string, quota int) protocol.Room {
	if quota < 1 {
		quota = 1
	}

	now := r.now()
	room := protocol.Room{
		ID:                 identity.NewRoomID(),
		OwnerID:            ownerID,
		CreatedAt:          now,
		ExpiresAt:          now.Add(roomTTL),
		RemainingDownloads: quota,
		Receipt:            identity.NewReceipt(),
	}

	r.mu.Lock()
	r.rooms[room.ID] = &room
	r.mu.Unlock()

	r.logger.Info("room created", "room", room.ID, "owner", identity.ShortID(ownerID), "quota", quota)
	return room
}

// Get resolves a room id to its shared view. Expired rooms are dropped
// and reported as ErrNotFound.
func (r *Registry) Get(roomID string) (protocol.RoomView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.liveRoom(roomID)
	if err != nil {
		return protocol.RoomView{}, err
	}
	return protocol.RoomView{
		ID:        room.ID,
		OwnerID:   room.OwnerID,
		CreatedAt: room.CreatedAt,
		ExpiresAt: room.ExpiresAt,
	}, nil
}

// Downloaded consumes one download grant. The receipt must match; a
// mismatch reports the same ErrNotFound as a missing room. The room is
// deleted once its quota reaches zero.
func (r *Registry) Downloaded(roomID, receipt string) (protocol.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.liveRoom(roomID)
	if err != nil {
		return protocol.Room{}, err
	}
	if room.Receipt != receipt {
		r.logger.Debug("receipt mismatch", "room", roomID)
		return protocol.Room{}, ErrNotFound
	}

	room.RemainingDownloads--
	if room.RemainingDownloads <= 0 {
		delete(r.rooms, roomID)
		r.logger.Info("room quota exhausted, deleted", "room", roomID)
	}
	return *room, nil
}

// Delete removes every room owned by ownerID and returns how many were
// dropped. Called on signaling disconnect so abandoned rooms do not leak.
func (r *Registry) Delete(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, room := range r.rooms {
		if room.OwnerID == ownerID {
			delete(r.rooms, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("rooms released", "owner", identity.ShortID(ownerID), "count", removed)
	}
	return removed
}

// liveRoom looks a room up and lazily expires it. Callers hold the lock.
func (r *Registry) liveRoom(roomID string) (*protocol.Room, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.now().After(room.ExpiresAt) {
		delete(r.rooms, roomID)
		return nil, ErrNotFound
	}
	return room, nil
}
