// Package sender implements the offering side of a transfer: it serves
// the file catalog, streams requested files, and settles the room's
// download quota when a receiver finishes.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"peerdrop/internal/identity"
	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

// Peer is the slice of the session the coordinator needs.
type Peer interface {
	Send(ctx context.Context, remoteID string, msg protocol.Message) error
	SendFile(remoteID, transferID string, msg protocol.Message) error
	Broadcast(msg protocol.Message)
}

type offeredFile struct {
	id   string
	path string
	name string
	size int64
	mime string
}

// Sender coordinates transfers for one shared room. Safe for concurrent
// peers; the offered set and catalog responses share one lock so a
// response always reflects the set at service time.
type Sender struct {
	peer    Peer
	logger  *slog.Logger
	httpURL string
	client  *http.Client

	mu       sync.Mutex
	files    map[string]*offeredFile
	order    []string
	room     protocol.Room
	consumed map[string]bool
}

// New builds a coordinator. httpBaseURL points at the signaling
// server's HTTP surface, used to settle download grants.
func New(peer Peer, httpBaseURL string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		peer:     peer,
		logger:   logger,
		httpURL:  httpBaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
		files:    make(map[string]*offeredFile),
		consumed: make(map[string]bool),
	}
}

// SetRoom records the room this sender is serving. The receipt is
// needed to consume download grants.
func (s *Sender) SetRoom(room protocol.Room) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// AddFile offers one file. The id stays stable for the room's lifetime.
// Connected peers get a fresh catalog.
func (s *Sender) AddFile(path string) (protocol.FileListItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.FileListItem{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return protocol.FileListItem{}, fmt.Errorf("%s is a directory", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	f := &offeredFile{
		id:   identity.NewFileID(),
		path: path,
		name: filepath.Base(path),
		size: info.Size(),
		mime: mimeType,
	}

	s.mu.Lock()
	s.files[f.id] = f
	s.order = append(s.order, f.id)
	item := f.listItem()
	catalog := s.catalogLocked()
	s.mu.Unlock()

	s.broadcastCatalog(catalog)
	s.logger.Info("file offered", "name", f.name, "size", f.size)
	return item, nil
}

// RemoveFile withdraws an offer and pushes a fresh catalog.
func (s *Sender) RemoveFile(id string) bool {
	s.mu.Lock()
	if _, ok := s.files[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.files, id)
	for i, fid := range s.order {
		if fid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	catalog := s.catalogLocked()
	s.mu.Unlock()

	s.broadcastCatalog(catalog)
	return true
}

// Files lists the current offers.
func (s *Sender) Files() []protocol.FileListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogLocked().Items
}

func (f *offeredFile) listItem() protocol.FileListItem {
	return protocol.FileListItem{
		ID:   f.id,
		Name: f.name,
		Size: f.size,
		Type: f.mime,
	}
}

func (s *Sender) catalogLocked() protocol.FileList {
	items := make([]protocol.FileListItem, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.files[id].listItem())
	}
	return protocol.FileList{Items: items}
}

func (s *Sender) broadcastCatalog(catalog protocol.FileList) {
	msg, err := protocol.NewMessage(protocol.MsgFilesListRes, catalog)
	if err != nil {
		s.logger.Warn("failed to build catalog", "error", err)
		return
	}
	s.peer.Broadcast(msg)
}

// HandleMessage dispatches one inbound peer message.
func (s *Sender) HandleMessage(peerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgFilesListReq:
		s.serveCatalog(peerID)
	case protocol.MsgFilesTransferReq:
		s.serveTransfer(peerID, msg)
	case protocol.MsgFilesTransferEnd:
		s.settleDownload(peerID)
	}
}

// HandleProgress is a receiver-side concern.
func (s *Sender) HandleProgress(peerID string, ev transport.ProgressEvent) {}

func (s *Sender) HandleOpen(peerID string) {}

// HandleClose forgets the peer's settled grant so a reconnecting peer
// starts a fresh transfer session.
func (s *Sender) HandleClose(peerID string) {
	s.mu.Lock()
	delete(s.consumed, peerID)
	s.mu.Unlock()
}

func (s *Sender) serveCatalog(peerID string) {
	s.mu.Lock()
	catalog := s.catalogLocked()
	s.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MsgFilesListRes, catalog)
	if err != nil {
		s.logger.Warn("failed to build catalog", "error", err)
		return
	}
	if err := s.peer.Send(context.Background(), peerID, msg); err != nil {
		s.logger.Warn("failed to serve catalog", "peer", identity.ShortID(peerID), "error", err)
	}
}

// serveTransfer streams every requested file the sender still offers.
// Ids not in the offered set are skipped without failing the rest.
func (s *Sender) serveTransfer(peerID string, msg protocol.Message) {
	var req protocol.TransferRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Debug("malformed transfer request", "peer", identity.ShortID(peerID), "error", err)
		return
	}

	for _, id := range req.Files {
		s.mu.Lock()
		f, ok := s.files[id]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("skipping unknown file id", "id", id)
			continue
		}
		if err := s.sendFile(peerID, f); err != nil {
			s.logger.Warn("transfer failed", "peer", identity.ShortID(peerID), "file", f.name, "error", err)
			return
		}
	}
}

func (s *Sender) sendFile(peerID string, f *offeredFile) error {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	msg, err := protocol.NewMessage(protocol.MsgFilesTransferRes, protocol.FileTransfer{
		ID:   f.id,
		Name: f.name,
		Type: f.mime,
		Size: int64(len(blob)),
		Blob: blob,
	})
	if err != nil {
		return err
	}
	return s.peer.SendFile(peerID, f.id, msg)
}

// settleDownload consumes one download grant for the room, at most once
// per peer session.
func (s *Sender) settleDownload(peerID string) {
	s.mu.Lock()
	if s.consumed[peerID] {
		s.mu.Unlock()
		return
	}
	s.consumed[peerID] = true
	room := s.room
	s.mu.Unlock()

	if room.ID == "" {
		return
	}

	body, err := json.Marshal(map[string]string{"receipt": room.Receipt})
	if err != nil {
		return
	}
	url := fmt.Sprintf("%s/files/sessions/%s/downloads", s.httpURL, room.ID)
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("failed to settle download grant", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("download grant rejected", "status", resp.StatusCode)
		return
	}

	var updated protocol.Room
	if err := json.NewDecoder(resp.Body).Decode(&updated); err == nil {
		s.mu.Lock()
		s.room.RemainingDownloads = updated.RemainingDownloads
		s.mu.Unlock()
		s.logger.Info("download grant consumed", "remaining", updated.RemainingDownloads)
	}
}

// RemainingDownloads reports the grants left on the room as of the last
// settlement.
func (s *Sender) RemainingDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.RemainingDownloads
}
