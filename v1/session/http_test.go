package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
)

func readSSEState(t *testing.T, r *bufio.Reader) stateJSON {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var st stateJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		return st
	}
}

func TestSSEHandlerStream(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewInMemoryStore()
	alice := newCoordinator(t, store, "alice")
	bob := newCoordinator(t, store, "bob")

	srv := httptest.NewServer(SSEHandler(bob))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=envelope&id=e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSEState(t, reader)
	if first.Status != "unlocked" || !first.CanEdit {
		t.Fatalf("initial state: %+v", first)
	}

	if _, err := alice.Acquire(ctx, "envelope", "e1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := readSSEState(t, reader)
		if st.Status == "foreign-active" {
			if st.LockedBy != "alice" || st.CanEdit {
				t.Fatalf("foreign state: %+v", st)
			}
			return
		}
	}
	t.Fatal("stream never reported the foreign lock")
}

func TestSSEHandlerMissingParams(t *testing.T) {
	coord := newCoordinator(t, lockstore.NewInMemoryStore(), "alice")
	srv := httptest.NewServer(SSEHandler(coord))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=envelope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerAcquireParam(t *testing.T) {
	store := lockstore.NewInMemoryStore()
	alice := newCoordinator(t, store, "alice")

	srv := httptest.NewServer(SSEHandler(alice))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=envelope&id=e1&acquire=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := readSSEState(t, reader)
		if st.Status == "own-active" {
			if !st.CanEdit || st.LockedBy != "alice" {
				t.Fatalf("own state: %+v", st)
			}
			return
		}
	}
	t.Fatal("stream never reported the acquired lock")
}

func TestWebSocketHandlerStream(t *testing.T) {
	ctx := context.Background()
	store := lockstore.NewInMemoryStore()
	alice := newCoordinator(t, store, "alice")
	bob := newCoordinator(t, store, "bob")

	srv := httptest.NewServer(WebSocketHandler(bob))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?type=envelope&id=e1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readState := func() stateJSON {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var st stateJSON
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		return st
	}

	first := readState()
	if first.Status != "unlocked" || !first.CanEdit {
		t.Fatalf("initial state: %+v", first)
	}

	if _, err := alice.Acquire(ctx, "envelope", "e1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := readState()
		if st.Status == "foreign-active" {
			if st.LockedBy != "alice" {
				t.Fatalf("foreign state: %+v", st)
			}
			return
		}
	}
	t.Fatal("socket never reported the foreign lock")
}

func TestWebSocketHandlerMissingParams(t *testing.T) {
	coord := newCoordinator(t, lockstore.NewInMemoryStore(), "alice")
	srv := httptest.NewServer(WebSocketHandler(coord))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
