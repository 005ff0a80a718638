// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/messaging"
	"github.com/bureau-foundation/wiremesh/signaling"
)

const testRoom = "!signal:example.org"

// homeserver is an in-memory stand-in for the handful of client-server
// endpoints the backend uses. The batch token is the timeline index.
type homeserver struct {
	mu     sync.Mutex
	events []messaging.Event
	notify chan struct{}
}

func newHomeserver() *homeserver {
	return &homeserver{notify: make(chan struct{})}
}

func (h *homeserver) append(event messaging.Event) {
	h.mu.Lock()
	event.EventID = fmt.Sprintf("$%d", len(h.events))
	h.events = append(h.events, event)
	close(h.notify)
	h.notify = make(chan struct{})
	h.mu.Unlock()
}

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/_matrix/client/v3/account/whoami":
		w.Write([]byte(`{"user_id":"@agent:example.org"}`))
	case strings.HasPrefix(path, "/_matrix/client/v3/join/"):
		w.Write([]byte(`{"room_id":"` + testRoom + `"}`))
	case strings.HasPrefix(path, "/_matrix/client/v3/rooms/") && r.Method == http.MethodPut:
		parts := strings.Split(path, "/")
		var content json.RawMessage
		body, _ := io.ReadAll(r.Body)
		content = body
		h.append(messaging.Event{Type: parts[len(parts)-2], Sender: "@agent:example.org", Content: content})
		w.Write([]byte(`{"event_id":"$sent"}`))
	case path == "/_matrix/client/v3/sync":
		h.sync(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`))
	}
}

func (h *homeserver) sync(w http.ResponseWriter, r *http.Request) {
	since := 0
	if value := r.URL.Query().Get("since"); value != "" {
		since, _ = strconv.Atoi(value)
	}
	h.mu.Lock()
	if since == len(h.events) && r.URL.Query().Get("timeout") != "" {
		notify := h.notify
		h.mu.Unlock()
		select {
		case <-notify:
		case <-time.After(100 * time.Millisecond):
		case <-r.Context().Done():
		}
		h.mu.Lock()
	}
	events := append([]messaging.Event(nil), h.events[since:]...)
	next := len(h.events)
	h.mu.Unlock()

	response := messaging.SyncResponse{NextBatch: strconv.Itoa(next)}
	response.Rooms.Join = map[string]messaging.JoinedRoom{
		testRoom: {Timeline: messaging.TimelineSection{Events: events}},
	}
	json.NewEncoder(w).Encode(response)
}

func openBackend(t *testing.T, url string) *Backend {
	t.Helper()
	backend, err := Open(context.Background(), Options{
		Homeserver:  url,
		AccessToken: "token",
		Room:        "#signal:example.org",
		SyncTimeout: time.Second,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestMatrixBackendDeliversNewEvents(t *testing.T) {
	server := newHomeserver()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()

	// An envelope already in the room's history must not be delivered.
	stale, _ := signaling.Seal(bob.Public, alice, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})
	staleData, _ := signaling.MarshalEnvelope(stale)
	staleContent, _ := json.Marshal(Content{Recipient: bob.Public.String(), Envelope: staleData})
	server.append(messaging.Event{Type: DefaultEventType, Content: staleContent})

	sender := openBackend(t, httpServer.URL)
	receiver := openBackend(t, httpServer.URL)
	if receiver.RoomID() != testRoom {
		t.Fatalf("RoomID = %q", receiver.RoomID())
	}

	inbox := make(chan *signaling.Envelope, 4)
	receiver.Subscribe(bob.Public, func(envelope *signaling.Envelope) { inbox <- envelope })

	fresh, _ := signaling.Seal(bob.Public, alice, &signaling.Message{Generation: 2, CandidatesDone: &signaling.CandidatesDone{}})
	if err := sender.Publish(context.Background(), bob.Public, fresh); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := testutil.RequireReceive(t, inbox, 5*time.Second, "envelope through matrix")
	_, message, err := signaling.Open(got, bob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if message.Generation != 2 {
		t.Fatalf("generation = %d, want 2 (history replayed)", message.Generation)
	}
	testutil.RequireNoReceive(t, inbox, 200*time.Millisecond, "duplicate or stale envelope")
}

func TestMatrixBackendIgnoresOtherRecipients(t *testing.T) {
	server := newHomeserver()
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()
	carol, _ := crypto.GenerateKeyPair()

	backend := openBackend(t, httpServer.URL)
	inbox := make(chan *signaling.Envelope, 4)
	backend.Subscribe(bob.Public, func(envelope *signaling.Envelope) { inbox <- envelope })

	toCarol, _ := signaling.Seal(carol.Public, alice, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})
	backend.Publish(context.Background(), carol.Public, toCarol)
	server.append(messaging.Event{Type: DefaultEventType, Content: json.RawMessage(`{"recipient":"not base64!","envelope":""}`)})
	testutil.RequireNoReceive(t, inbox, 300*time.Millisecond, "envelope for another recipient")
}

func TestOpenRequiresRoom(t *testing.T) {
	if _, err := Open(context.Background(), Options{Homeserver: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("Open accepted options without a room")
	}
}

func TestOpenReportsUnjoinableRoom(t *testing.T) {
	server := newHomeserver()
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/join/") {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not invited"}`))
			return
		}
		server.ServeHTTP(w, r)
	}))
	defer httpServer.Close()

	_, err := Open(context.Background(), Options{
		Homeserver:  httpServer.URL,
		AccessToken: "token",
		Room:        "#private:example.org",
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusForbidden {
		t.Fatalf("Open error = %v, want a 403 *MatrixError", err)
	}
	if !strings.Contains(err.Error(), "#private:example.org") {
		t.Errorf("error %q does not name the room", err)
	}
}
