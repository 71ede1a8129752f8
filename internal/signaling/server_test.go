package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerdrop/internal/protocol"
	"peerdrop/internal/registry"
	"peerdrop/internal/signaling/db"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gdb, err := db.NewDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s := NewServer(Options{
		Path:    "/sockets",
		Logger:  testLogger(),
		Clients: NewClientStore(gdb),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/sockets"
}

func dialPeer(t *testing.T, ts *httptest.Server, id string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(ts), id, testLogger())
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegistrationRejectsDuplicateID(t *testing.T) {
	_, ts := newTestServer(t)

	dialPeer(t, ts, "peer-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, wsURL(ts), "peer-a", testLogger())
	if err != ErrIDTaken {
		t.Fatalf("expected ErrIDTaken, got %v", err)
	}
}

func TestRelayStampsSource(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialPeer(t, ts, "peer-a")
	b := dialPeer(t, ts, "peer-b")

	sig, err := protocol.NewSignal(protocol.SignalOffer, "peer-b", protocol.SDPPayload{SDP: "v=0 offer"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SendSignal(context.Background(), sig); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	select {
	case got := <-b.Signals():
		if got.Type != protocol.SignalOffer {
			t.Fatalf("expected OFFER, got %s", got.Type)
		}
		if got.Src != "peer-a" {
			t.Fatalf("expected src peer-a, got %q", got.Src)
		}
		var payload protocol.SDPPayload
		if err := got.DecodePayload(&payload); err != nil {
			t.Fatal(err)
		}
		if payload.SDP != "v=0 offer" {
			t.Fatalf("payload corrupted: %q", payload.SDP)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("offer never relayed")
	}
}

func TestRelayToUnknownPeerReturnsError(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialPeer(t, ts, "peer-a")

	sig, _ := protocol.NewSignal(protocol.SignalOffer, "nobody", protocol.SDPPayload{SDP: "v=0"})
	if err := a.SendSignal(context.Background(), sig); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-a.Signals():
		if got.Type != protocol.SignalError {
			t.Fatalf("expected ERROR, got %s", got.Type)
		}
		var payload protocol.SignalErrorPayload
		if err := got.DecodePayload(&payload); err != nil {
			t.Fatal(err)
		}
		if payload.Code != protocol.ErrPeerUnavailable {
			t.Fatalf("expected PEER_UNAVAILABLE, got %q", payload.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error never delivered")
	}
}

func TestRoomRoundTripOverSignaling(t *testing.T) {
	_, ts := newTestServer(t)

	owner := dialPeer(t, ts, "owner")
	visitor := dialPeer(t, ts, "visitor")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := protocol.NewServerMessage(protocol.ServerCreateRoom, protocol.CreateRoomRequest{UserID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := owner.Request(ctx, req)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	var room protocol.Room
	if err := reply.DecodePayload(&room); err != nil {
		t.Fatal(err)
	}
	if room.ID == "" || room.Receipt == "" {
		t.Fatalf("incomplete room record: %+v", room)
	}
	if room.OwnerID != "owner" {
		t.Fatalf("expected owner, got %q", room.OwnerID)
	}

	lookup, err := protocol.NewServerMessage(protocol.ServerGetRoom, protocol.GetRoomRequest{RoomID: room.ID})
	if err != nil {
		t.Fatal(err)
	}
	reply, err = visitor.Request(ctx, lookup)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	var view protocol.RoomView
	if err := reply.DecodePayload(&view); err != nil {
		t.Fatal(err)
	}
	if view.ID != room.ID {
		t.Fatalf("expected %q, got %q", room.ID, view.ID)
	}
	if strings.Contains(string(reply.Data), room.Receipt) {
		t.Fatal("receipt leaked through shared room view")
	}
}

func TestGetUnknownRoomOverSignaling(t *testing.T) {
	_, ts := newTestServer(t)

	c := dialPeer(t, ts, "peer-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lookup, _ := protocol.NewServerMessage(protocol.ServerGetRoom, protocol.GetRoomRequest{RoomID: "nonexistent"})
	reply, err := c.Request(ctx, lookup)
	if err == nil {
		t.Fatal("expected lookup failure")
	}
	if reply.Error != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %q", reply.Error)
	}
}

func TestDisconnectReleasesRooms(t *testing.T) {
	s, ts := newTestServer(t)

	owner := dialPeer(t, ts, "owner")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := protocol.NewServerMessage(protocol.ServerCreateRoom, protocol.CreateRoomRequest{UserID: "owner"})
	reply, err := owner.Request(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	var room protocol.Room
	if err := reply.DecodePayload(&room); err != nil {
		t.Fatal(err)
	}

	owner.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.registry.Get(room.ID); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room survived owner disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if clients := s.clients.GetClients(); len(clients) != 0 {
		t.Fatalf("expected no client records, got %d", len(clients))
	}
}

func TestBridgeDropsUnknownTypes(t *testing.T) {
	b := NewBridge(registry.New(testLogger()), testLogger())

	if _, ok := b.Handle("peer-a", json.RawMessage(`{"type":"WHATEVER"}`)); ok {
		t.Fatal("unknown type should be dropped without reply")
	}
	if _, ok := b.Handle("peer-a", json.RawMessage(`not json`)); ok {
		t.Fatal("malformed envelope should be dropped without reply")
	}
}

func TestBridgeOwnerFallsBackToSource(t *testing.T) {
	b := NewBridge(registry.New(testLogger()), testLogger())

	reply, ok := b.Handle("peer-a", json.RawMessage(`{"type":"CREATE_ROOM","data":{}}`))
	if !ok {
		t.Fatal("expected a reply")
	}
	var room protocol.Room
	if err := reply.DecodePayload(&room); err != nil {
		t.Fatal(err)
	}
	if room.OwnerID != "peer-a" {
		t.Fatalf("expected owner peer-a, got %q", room.OwnerID)
	}
}

func TestHTTPSessionLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	body := bytes.NewBufferString(`{"userId":"owner-1"}`)
	resp, err := http.Post(ts.URL+"/files/sessions", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", resp.StatusCode)
	}
	var room protocol.Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatal(err)
	}
	if room.RemainingDownloads != registry.DefaultQuota {
		t.Fatalf("expected default quota %d, got %d", registry.DefaultQuota, room.RemainingDownloads)
	}

	resp, err = http.Get(ts.URL + "/files/sessions/" + room.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(data), room.Receipt) {
		t.Fatal("receipt leaked through shared view")
	}

	dl := bytes.NewBufferString(`{"receipt":"` + room.Receipt + `"}`)
	resp, err = http.Post(ts.URL+"/files/sessions/"+room.ID+"/downloads", "application/json", dl)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", resp.StatusCode)
	}
	var updated protocol.Room
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.RemainingDownloads != room.RemainingDownloads-1 {
		t.Fatalf("quota not decremented: %d", updated.RemainingDownloads)
	}
}

func TestHTTPRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/files/sessions", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/files/sessions/nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	dl := bytes.NewBufferString(`{"receipt":"wrong"}`)
	resp, err = http.Post(ts.URL+"/files/sessions/nonexistent/downloads", "application/json", dl)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session download, got %d", resp.StatusCode)
	}
}

func TestClientsEndpointListsConnectedPeers(t *testing.T) {
	_, ts := newTestServer(t)

	dialPeer(t, ts, "peer-a")
	dialPeer(t, ts, "peer-b")

	resp, err := http.Get(ts.URL + "/clients")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var clients []db.Client
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		t.Fatal(err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
}
