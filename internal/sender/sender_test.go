package sender

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"peerdrop/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentFile struct {
	peerID     string
	transferID string
	msg        protocol.Message
}

type fakePeer struct {
	mu        sync.Mutex
	sent      []protocol.Message
	sentFiles []sentFile
	broadcast []protocol.Message
}

func (p *fakePeer) Send(ctx context.Context, remoteID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) SendFile(remoteID, transferID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentFiles = append(p.sentFiles, sentFile{remoteID, transferID, msg})
	return nil
}

func (p *fakePeer) Broadcast(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, msg)
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddFileBuildsCatalog(t *testing.T) {
	peer := &fakePeer{}
	s := New(peer, "http://unused", testLogger())

	path := writeTempFile(t, "notes.txt", "hello world")
	item, err := s.AddFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if item.ID == "" {
		t.Fatal("no id assigned")
	}
	if item.Name != "notes.txt" {
		t.Fatalf("expected notes.txt, got %q", item.Name)
	}
	if item.Size != int64(len("hello world")) {
		t.Fatalf("wrong size %d", item.Size)
	}
	if item.Type != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected mime %q", item.Type)
	}

	if len(peer.broadcast) != 1 {
		t.Fatalf("expected 1 catalog broadcast, got %d", len(peer.broadcast))
	}
	if peer.broadcast[0].Type != protocol.MsgFilesListRes {
		t.Fatalf("expected FILES_LIST_RES, got %s", peer.broadcast[0].Type)
	}
}

func TestAddFileRejectsMissingAndDirs(t *testing.T) {
	s := New(&fakePeer{}, "http://unused", testLogger())

	if _, err := s.AddFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := s.AddFile(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestRemoveFileBroadcastsFreshCatalog(t *testing.T) {
	peer := &fakePeer{}
	s := New(peer, "http://unused", testLogger())

	item, err := s.AddFile(writeTempFile(t, "a.txt", "a"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.RemoveFile(item.ID) {
		t.Fatal("remove failed")
	}
	if s.RemoveFile("unknown") {
		t.Fatal("removing unknown id should report false")
	}

	last := peer.broadcast[len(peer.broadcast)-1]
	var catalog protocol.FileList
	if err := last.DecodePayload(&catalog); err != nil {
		t.Fatal(err)
	}
	if len(catalog.Items) != 0 {
		t.Fatalf("expected empty catalog, got %d items", len(catalog.Items))
	}
}

func TestCatalogServedOnRequest(t *testing.T) {
	peer := &fakePeer{}
	s := New(peer, "http://unused", testLogger())
	if _, err := s.AddFile(writeTempFile(t, "a.txt", "aaa")); err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.NewMessage(protocol.MsgFilesListReq, nil)
	s.HandleMessage("receiver-1", req)

	if len(peer.sent) != 1 {
		t.Fatalf("expected 1 response, got %d", len(peer.sent))
	}
	var catalog protocol.FileList
	if err := peer.sent[0].DecodePayload(&catalog); err != nil {
		t.Fatal(err)
	}
	if len(catalog.Items) != 1 || catalog.Items[0].Name != "a.txt" {
		t.Fatalf("unexpected catalog %+v", catalog.Items)
	}
}

func TestTransferStreamsRequestedFiles(t *testing.T) {
	peer := &fakePeer{}
	s := New(peer, "http://unused", testLogger())

	a, _ := s.AddFile(writeTempFile(t, "a.txt", "content-a"))
	b, _ := s.AddFile(writeTempFile(t, "b.txt", "content-b"))

	req, _ := protocol.NewMessage(protocol.MsgFilesTransferReq, protocol.TransferRequest{
		Files: []string{a.ID, "unknown-id", b.ID},
	})
	s.HandleMessage("receiver-1", req)

	if len(peer.sentFiles) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(peer.sentFiles))
	}
	first := peer.sentFiles[0]
	if first.transferID != a.ID {
		t.Fatalf("transfer tagged with %q, want %q", first.transferID, a.ID)
	}
	var ft protocol.FileTransfer
	if err := first.msg.DecodePayload(&ft); err != nil {
		t.Fatal(err)
	}
	if string(ft.Blob) != "content-a" {
		t.Fatalf("blob corrupted: %q", ft.Blob)
	}
	if ft.ID != a.ID || ft.Name != "a.txt" {
		t.Fatalf("unexpected transfer payload %+v", ft)
	}
}

func TestSettleDownloadOncePerPeer(t *testing.T) {
	var hits int
	var gotReceipt string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		var body struct {
			Receipt string `json:"receipt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		gotReceipt = body.Receipt
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"room-1","pendingDownloads":2}`))
	}))
	defer ts.Close()

	peer := &fakePeer{}
	s := New(peer, ts.URL, testLogger())
	s.SetRoom(protocol.Room{ID: "room-1", Receipt: "secret", RemainingDownloads: 3})

	end, _ := protocol.NewMessage(protocol.MsgFilesTransferEnd, nil)
	s.HandleMessage("receiver-1", end)
	s.HandleMessage("receiver-1", end)

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("expected 1 settlement, got %d", hits)
	}
	if gotReceipt != "secret" {
		t.Fatalf("wrong receipt %q", gotReceipt)
	}
	if s.RemainingDownloads() != 2 {
		t.Fatalf("remaining not updated: %d", s.RemainingDownloads())
	}
}

func TestPeerCloseResetsSettlement(t *testing.T) {
	var hits int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"room-1","pendingDownloads":1}`))
	}))
	defer ts.Close()

	s := New(&fakePeer{}, ts.URL, testLogger())
	s.SetRoom(protocol.Room{ID: "room-1", Receipt: "secret"})

	end, _ := protocol.NewMessage(protocol.MsgFilesTransferEnd, nil)
	s.HandleMessage("receiver-1", end)
	s.HandleClose("receiver-1")
	s.HandleMessage("receiver-1", end)

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Fatalf("expected 2 settlements across sessions, got %d", hits)
	}
}
