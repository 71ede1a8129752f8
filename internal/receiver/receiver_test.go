package receiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"peerdrop/internal/protocol"
	"peerdrop/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePeer struct {
	mu        sync.Mutex
	room      protocol.RoomView
	roomErr   error
	connected []string
	sent      []protocol.Message
}

func (p *fakePeer) Connect(ctx context.Context, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, remoteID)
	return nil
}

func (p *fakePeer) Send(ctx context.Context, remoteID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) GetRoom(ctx context.Context, roomID string) (protocol.RoomView, error) {
	if p.roomErr != nil {
		return protocol.RoomView{}, p.roomErr
	}
	return p.room, nil
}

func (p *fakePeer) sentTypes() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]protocol.MessageType, len(p.sent))
	for i, m := range p.sent {
		types[i] = m.Type
	}
	return types
}

func newTestReceiver(t *testing.T, peer *fakePeer) *Receiver {
	t.Helper()
	return New(peer, Options{
		DownloadDir: t.TempDir(),
		Logger:      testLogger(),
	})
}

func catalogMsg(t *testing.T, items ...protocol.FileListItem) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.MsgFilesListRes, protocol.FileList{Items: items})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestParseRoomRef(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"abc123", "abc123", false},
		{"  abc123  ", "abc123", false},
		{"https://drop.example.com/abc123", "abc123", false},
		{"https://drop.example.com/abc123/", "abc123", false},
		{"http://127.0.0.1:9000/roomid", "roomid", false},
		{"", "", true},
		{"https://drop.example.com/", "", true},
	}
	for _, c := range cases {
		got, err := ParseRoomRef(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseRoomRef(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRoomRef(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseRoomRef(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJoinConnectsToOwnerAndRequestsCatalog(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{ID: "room-1", OwnerID: "owner-1"}}
	r := newTestReceiver(t, peer)

	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	if len(peer.connected) != 1 || peer.connected[0] != "owner-1" {
		t.Fatalf("expected connect to owner-1, got %v", peer.connected)
	}
	if types := peer.sentTypes(); len(types) != 1 || types[0] != protocol.MsgFilesListReq {
		t.Fatalf("expected FILES_LIST_REQ, got %v", types)
	}
}

func TestJoinSurfacesUnknownRoom(t *testing.T) {
	peer := &fakePeer{roomErr: errors.New("NOT_FOUND")}
	r := newTestReceiver(t, peer)

	if err := r.Join(context.Background(), "missing"); err == nil {
		t.Fatal("expected join failure")
	}
	if len(peer.connected) != 0 {
		t.Fatal("must not connect when the room cannot be resolved")
	}
}

func TestCatalogSelection(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	r := newTestReceiver(t, peer)
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}

	r.HandleMessage("owner-1", catalogMsg(t,
		protocol.FileListItem{ID: "f1", Name: "a.txt"},
		protocol.FileListItem{ID: "f2", Name: "b.txt"},
	))

	items, err := r.AwaitCatalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, item := range items {
		if item.Selected {
			t.Fatalf("%s arrived preselected", item.ID)
		}
	}

	if !r.Toggle("f1") {
		t.Fatal("toggle f1 failed")
	}
	if r.Toggle("unknown") {
		t.Fatal("toggling unknown id should report false")
	}
	if got := r.Selected(); len(got) != 1 || got[0] != "f1" {
		t.Fatalf("unexpected selection %v", got)
	}

	r.SelectAll()
	if got := r.Selected(); len(got) != 2 {
		t.Fatalf("select all left %d selected", len(got))
	}
}

func TestDownloadRequiresSelection(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	r := newTestReceiver(t, peer)
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	r.HandleMessage("owner-1", catalogMsg(t, protocol.FileListItem{ID: "f1", Name: "a.txt"}))

	if err := r.Download(context.Background()); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}
}

func TestLateCatalogIgnoredAfterDownload(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	r := newTestReceiver(t, peer)
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	r.HandleMessage("owner-1", catalogMsg(t, protocol.FileListItem{ID: "f1", Name: "a.txt"}))
	r.Toggle("f1")

	if err := r.Download(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.HandleMessage("owner-1", catalogMsg(t, protocol.FileListItem{ID: "f9", Name: "late.txt"}))

	if got := r.Selected(); len(got) != 1 || got[0] != "f1" {
		t.Fatalf("late catalog disturbed selection: %v", got)
	}
}

func TestDownloadCompletionBarrier(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	dir := t.TempDir()
	var completions int
	var mu sync.Mutex
	r := New(peer, Options{
		DownloadDir: dir,
		Logger:      testLogger(),
		OnComplete: func() {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	})
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	r.HandleMessage("owner-1", catalogMsg(t,
		protocol.FileListItem{ID: "f1", Name: "a.txt"},
		protocol.FileListItem{ID: "f2", Name: "b.txt"},
	))
	r.SelectAll()
	if err := r.Download(context.Background()); err != nil {
		t.Fatal(err)
	}

	deliver := func(id, name, content string) {
		msg, err := protocol.NewMessage(protocol.MsgFilesTransferRes, protocol.FileTransfer{
			ID: id, Name: name, Size: int64(len(content)), Blob: []byte(content),
		})
		if err != nil {
			t.Fatal(err)
		}
		r.HandleMessage("owner-1", msg)
	}

	deliver("f1", "a.txt", "content-a")
	mu.Lock()
	if completions != 0 {
		mu.Unlock()
		t.Fatal("barrier fired before all files arrived")
	}
	mu.Unlock()

	deliver("f2", "b.txt", "content-b")
	deliver("f2", "b.txt", "content-b") // duplicate must not re-fire

	mu.Lock()
	if completions != 1 {
		mu.Unlock()
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	mu.Unlock()

	types := peer.sentTypes()
	if types[len(types)-1] != protocol.MsgFilesTransferEnd {
		t.Fatalf("expected FILES_TRANSFER_END last, got %v", types)
	}

	path, ok := r.SavedPath("f1")
	if !ok {
		t.Fatal("f1 not recorded as saved")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content-a" {
		t.Fatalf("saved content corrupted: %q", data)
	}
}

func TestProgressCoalescing(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	var updates []int
	var mu sync.Mutex
	r := New(peer, Options{
		DownloadDir: t.TempDir(),
		Logger:      testLogger(),
		OnProgress: func(fileID string, percent int) {
			mu.Lock()
			updates = append(updates, percent)
			mu.Unlock()
		},
	})
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	r.HandleMessage("owner-1", catalogMsg(t, protocol.FileListItem{ID: "f1", Name: "big.bin"}))
	r.SelectAll()
	if err := r.Download(context.Background()); err != nil {
		t.Fatal(err)
	}

	total := 200
	for n := 1; n < total; n++ {
		r.HandleProgress("owner-1", transport.ProgressEvent{TransferID: "f1", N: n, Total: total})
	}

	mu.Lock()
	count := len(updates)
	mu.Unlock()
	if count < 15 || count > 25 {
		t.Fatalf("expected roughly 20 coalesced updates, got %d", count)
	}

	msg, _ := protocol.NewMessage(protocol.MsgFilesTransferRes, protocol.FileTransfer{
		ID: "f1", Name: "big.bin", Blob: []byte("x"),
	})
	r.HandleMessage("owner-1", msg)

	mu.Lock()
	last := updates[len(updates)-1]
	mu.Unlock()
	if last != 100 {
		t.Fatalf("final update is %d, want 100", last)
	}
}

func TestDisconnectDiscardsProgress(t *testing.T) {
	peer := &fakePeer{room: protocol.RoomView{OwnerID: "owner-1"}}
	var completions int
	var mu sync.Mutex
	r := New(peer, Options{
		DownloadDir: t.TempDir(),
		Logger:      testLogger(),
		OnComplete: func() {
			mu.Lock()
			completions++
			mu.Unlock()
		},
	})
	if err := r.Join(context.Background(), "room-1"); err != nil {
		t.Fatal(err)
	}
	r.HandleMessage("owner-1", catalogMsg(t, protocol.FileListItem{ID: "f1", Name: "a.txt"}))
	r.SelectAll()
	if err := r.Download(context.Background()); err != nil {
		t.Fatal(err)
	}

	r.HandleProgress("owner-1", transport.ProgressEvent{TransferID: "f1", N: 1, Total: 4})
	r.HandleClose("owner-1")

	msg, _ := protocol.NewMessage(protocol.MsgFilesTransferRes, protocol.FileTransfer{
		ID: "f1", Name: "a.txt", Blob: []byte("late"),
	})
	r.HandleMessage("owner-1", msg)

	mu.Lock()
	defer mu.Unlock()
	if completions != 0 {
		t.Fatal("barrier fired after disconnect")
	}
}

func TestSaveCollisionSuffix(t *testing.T) {
	peer := &fakePeer{}
	dir := t.TempDir()
	r := New(peer, Options{DownloadDir: dir, Logger: testLogger()})

	first, err := r.save(protocol.FileTransfer{Name: "doc.txt", Blob: []byte("one")})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.save(protocol.FileTransfer{Name: "doc.txt", Blob: []byte("two")})
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("collision not suffixed")
	}
	if filepath.Base(second) != "doc (1).txt" {
		t.Fatalf("unexpected suffix %q", filepath.Base(second))
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"plain.txt":          "plain.txt",
		"../../etc/passwd":   "passwd",
		"..\\..\\evil.exe":   "evil.exe",
		"dir/inner/name.bin": "name.bin",
		"colons:are:bad.tar": "colons_are_bad.tar",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := sanitizeName(".."); !strings.HasPrefix(got, "file-") {
		t.Errorf("dot-dot not replaced: %q", got)
	}
}
