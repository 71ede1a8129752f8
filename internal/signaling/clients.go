package signaling

import (
	"time"

	"gorm.io/gorm"

	"peerdrop/internal/signaling/db"
)

// ClientStore records which peers are currently connected to the hub,
// for the diagnostics surface.
type ClientStore struct {
	DB *gorm.DB
}

func NewClientStore(gdb *gorm.DB) *ClientStore {
	return &ClientStore{DB: gdb}
}

func (cs *ClientStore) CreateClient(peerID, remoteAddr string) {
	client := db.Client{
		PeerID:      peerID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().Unix(),
	}
	cs.DB.Create(&client)
}

func (cs *ClientStore) GetClients() []db.Client {
	clients := []db.Client{}
	cs.DB.Find(&clients)
	return clients
}

func (cs *ClientStore) DeleteClient(peerID string) {
	cs.DB.Where("peer_id = ?", peerID).Delete(&db.Client{})
}
