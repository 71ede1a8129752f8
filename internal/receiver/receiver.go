// Package receiver implements the downloading side of a transfer:
// room resolution, catalog browsing and selection, the download request
// and the completion barrier.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"peerdrop/internal/identity"
	"peerdrop/internal/progress"
	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

var (
	ErrNoRoom      = errors.New("no room joined")
	ErrNoSelection = errors.New("no files selected")
	ErrNoCatalog   = errors.New("catalog not received")
)

// Peer is the slice of the session the coordinator needs.
type Peer interface {
	Connect(ctx context.Context, remoteID string) error
	Send(ctx context.Context, remoteID string, msg protocol.Message) error
	GetRoom(ctx context.Context, roomID string) (protocol.RoomView, error)
}

// ProgressFunc surfaces one coalesced progress update for a file.
type ProgressFunc func(fileID string, percent int)

// Receiver coordinates one download from one room owner.
type Receiver struct {
	peer        Peer
	logger      *slog.Logger
	downloadDir string
	onProgress  ProgressFunc
	onComplete  func()

	mu       sync.Mutex
	ownerID  string
	alias    string
	catalog  []protocol.FileListItem
	haveList bool
	listCh   chan struct{}
	started  bool
	tracker  *progress.Tracker
	saved    map[string]string
}

// Options wires the presentation callbacks.
type Options struct {
	DownloadDir string
	OnProgress  ProgressFunc
	OnComplete  func()
	Logger      *slog.Logger
}

func New(peer Peer, opts Options) *Receiver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dir := opts.DownloadDir
	if dir == "" {
		dir = "downloads"
	}
	return &Receiver{
		peer:        peer,
		logger:      logger,
		downloadDir: dir,
		onProgress:  opts.OnProgress,
		onComplete:  opts.OnComplete,
		listCh:      make(chan struct{}),
		saved:       make(map[string]string),
	}
}

// ParseRoomRef accepts a bare room id or a share URL and returns the
// room id.
func ParseRoomRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty room reference")
	}
	if !strings.Contains(ref, "/") {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("malformed share url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	id := parts[len(parts)-1]
	if id == "" {
		return "", errors.New("share url carries no room id")
	}
	return id, nil
}

// Join resolves the room, connects to its owner and requests the
// catalog.
func (r *Receiver) Join(ctx context.Context, roomRef string) error {
	roomID, err := ParseRoomRef(roomRef)
	if err != nil {
		return err
	}

	view, err := r.peer.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve room %s: %w", roomID, err)
	}

	if err := r.peer.Connect(ctx, view.OwnerID); err != nil {
		return err
	}

	r.mu.Lock()
	r.ownerID = view.OwnerID
	r.mu.Unlock()

	return r.requestCatalog(ctx)
}

func (r *Receiver) requestCatalog(ctx context.Context) error {
	r.mu.Lock()
	owner := r.ownerID
	r.mu.Unlock()
	if owner == "" {
		return ErrNoRoom
	}
	msg, err := protocol.NewMessage(protocol.MsgFilesListReq, nil)
	if err != nil {
		return err
	}
	return r.peer.Send(ctx, owner, msg)
}

// AwaitCatalog blocks until the owner's catalog arrives.
func (r *Receiver) AwaitCatalog(ctx context.Context) ([]protocol.FileListItem, error) {
	r.mu.Lock()
	have := r.haveList
	ch := r.listCh
	r.mu.Unlock()

	if !have {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoCatalog, ctx.Err())
		}
	}
	return r.Catalog(), nil
}

// Catalog returns the current listing snapshot.
func (r *Receiver) Catalog() []protocol.FileListItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.FileListItem, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Toggle flips one file's selection. Purely local.
func (r *Receiver) Toggle(fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.catalog {
		if r.catalog[i].ID == fileID {
			r.catalog[i].Selected = !r.catalog[i].Selected
			return true
		}
	}
	return false
}

// SelectAll marks every listed file. Purely local.
func (r *Receiver) SelectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.catalog {
		r.catalog[i].Selected = true
	}
}

// Selected lists the ids currently marked for download.
func (r *Receiver) Selected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedLocked()
}

func (r *Receiver) selectedLocked() []string {
	var ids []string
	for _, item := range r.catalog {
		if item.Selected {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Download requests every selected file. From here on, late catalogs
// are ignored so they cannot disturb the active selection.
func (r *Receiver) Download(ctx context.Context) error {
	r.mu.Lock()
	if r.ownerID == "" {
		r.mu.Unlock()
		return ErrNoRoom
	}
	ids := r.selectedLocked()
	if len(ids) == 0 {
		r.mu.Unlock()
		return ErrNoSelection
	}
	r.started = true
	r.tracker = progress.NewTracker(len(ids), r.finish)
	owner := r.ownerID
	r.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MsgFilesTransferReq, protocol.TransferRequest{Files: ids})
	if err != nil {
		return err
	}
	return r.peer.Send(ctx, owner, msg)
}

// HandleMessage dispatches one inbound peer message.
func (r *Receiver) HandleMessage(peerID string, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgFilesListRes:
		r.acceptCatalog(msg)
	case protocol.MsgFilesTransferRes:
		r.acceptFile(msg)
	case protocol.MsgSetPeerAlias:
		var payload protocol.PeerAlias
		if err := msg.DecodePayload(&payload); err == nil {
			r.mu.Lock()
			r.alias = payload.Alias
			r.mu.Unlock()
		}
	}
}

func (r *Receiver) acceptCatalog(msg protocol.Message) {
	var list protocol.FileList
	if err := msg.DecodePayload(&list); err != nil {
		r.logger.Debug("malformed catalog", "error", err)
		return
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Debug("ignoring catalog after download start")
		return
	}
	r.catalog = list.Items
	first := !r.haveList
	r.haveList = true
	ch := r.listCh
	r.mu.Unlock()

	if first {
		close(ch)
	}
}

// acceptFile writes a completed transfer to disk and forces its
// progress to 100 so sub-chunk files complete too.
func (r *Receiver) acceptFile(msg protocol.Message) {
	var ft protocol.FileTransfer
	if err := msg.DecodePayload(&ft); err != nil {
		r.logger.Debug("malformed file transfer", "error", err)
		return
	}

	path, err := r.save(ft)
	if err != nil {
		r.logger.Error("failed to save file", "name", ft.Name, "error", err)
		return
	}

	r.mu.Lock()
	r.saved[ft.ID] = path
	tracker := r.tracker
	r.mu.Unlock()
	r.logger.Info("file saved", "name", ft.Name, "path", path)

	if tracker != nil {
		if percent, emit := tracker.Update(ft.ID, 1, 1); emit && r.onProgress != nil {
			r.onProgress(ft.ID, percent)
		}
	}
}

// HandleProgress surfaces chunk arrival, coalesced to ~5% steps.
func (r *Receiver) HandleProgress(peerID string, ev transport.ProgressEvent) {
	r.mu.Lock()
	tracker := r.tracker
	r.mu.Unlock()
	if tracker == nil {
		return
	}
	// The final chunk is followed by the reassembled payload; let the
	// save path report 100 so completion implies the file is on disk.
	if ev.N >= ev.Total {
		return
	}
	if percent, emit := tracker.Update(ev.TransferID, ev.N, ev.Total); emit && r.onProgress != nil {
		r.onProgress(ev.TransferID, percent)
	}
}

func (r *Receiver) HandleOpen(peerID string) {}

// HandleClose discards progress; a half-finished download can never
// fire the barrier.
func (r *Receiver) HandleClose(peerID string) {
	r.mu.Lock()
	if r.tracker != nil && !r.tracker.Done() {
		r.tracker.Reset(0)
		r.tracker = nil
		r.logger.Warn("peer disconnected mid-transfer, progress discarded")
	}
	r.mu.Unlock()
}

// finish runs when every selected file reached 100%: tell the owner and
// surface success, exactly once.
func (r *Receiver) finish() {
	r.mu.Lock()
	owner := r.ownerID
	r.mu.Unlock()

	msg, err := protocol.NewMessage(protocol.MsgFilesTransferEnd, nil)
	if err == nil {
		if err := r.peer.Send(context.Background(), owner, msg); err != nil {
			r.logger.Warn("failed to signal transfer end", "error", err)
		}
	}
	if r.onComplete != nil {
		r.onComplete()
	}
}

// SavedPath reports where a completed file landed.
func (r *Receiver) SavedPath(fileID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.saved[fileID]
	return path, ok
}

// Alias returns the name the owner assigned to this peer.
func (r *Receiver) Alias() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alias
}

// save writes the blob under a sanitized, collision-suffixed name.
func (r *Receiver) save(ft protocol.FileTransfer) (string, error) {
	if err := os.MkdirAll(r.downloadDir, 0o755); err != nil {
		return "", err
	}
	name := sanitizeName(ft.Name)
	path := filepath.Join(r.downloadDir, name)

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(r.downloadDir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}

	if err := os.WriteFile(path, ft.Blob, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// sanitizeName strips directory components and anything else that
// could escape the download directory.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		name = "file-" + identity.RandomToken(6)
	}
	return name
}
