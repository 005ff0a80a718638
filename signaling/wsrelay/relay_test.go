// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsrelay

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/backoff"
	"github.com/bureau-foundation/wiremesh/lib/codec"
	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	server := NewServer(ServerOptions{Logger: quietLogger()})
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func dialRelay(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, Options{
		URL:       url,
		Logger:    quietLogger(),
		Reconnect: backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sealed(t *testing.T, to crypto.Key, from crypto.KeyPair, generation uint64) *signaling.Envelope {
	t.Helper()
	envelope, err := signaling.Seal(to, from, &signaling.Message{
		Generation:     generation,
		CandidatesDone: &signaling.CandidatesDone{},
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return envelope
}

func TestRelayForwardsToSubscribers(t *testing.T) {
	server, url := startRelay(t)
	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()

	sender := dialRelay(t, url)
	receiver := dialRelay(t, url)

	inbox := make(chan *signaling.Envelope, 4)
	if _, err := receiver.Subscribe(bob.Public, func(envelope *signaling.Envelope) { inbox <- envelope }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Subscribed(bob.Public) })

	if err := sender.Publish(context.Background(), bob.Public, sealed(t, bob.Public, alice, 9)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := testutil.RequireReceive(t, inbox, 5*time.Second, "relayed envelope")
	_, message, err := signaling.Open(got, bob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if message.Generation != 9 {
		t.Fatalf("generation = %d, want 9", message.Generation)
	}
}

func TestRelayDropsEnvelopesWithoutSubscriber(t *testing.T) {
	_, url := startRelay(t)
	alice, _ := crypto.GenerateKeyPair()
	bob, _ := crypto.GenerateKeyPair()

	sender := dialRelay(t, url)
	if err := sender.Publish(context.Background(), bob.Public, sealed(t, bob.Public, alice, 1)); err != nil {
		t.Fatalf("Publish to absent recipient: %v", err)
	}

	// A subscription made afterwards sees nothing: the relay keeps no
	// history.
	receiver := dialRelay(t, url)
	inbox := make(chan *signaling.Envelope, 4)
	receiver.Subscribe(bob.Public, func(envelope *signaling.Envelope) { inbox <- envelope })
	testutil.RequireNoReceive(t, inbox, 200*time.Millisecond, "stored envelope")
}

func TestRelayUnsubscribe(t *testing.T) {
	server, url := startRelay(t)
	bob, _ := crypto.GenerateKeyPair()

	client := dialRelay(t, url)
	subscription, err := client.Subscribe(bob.Public, func(*signaling.Envelope) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Subscribed(bob.Public) })
	if err := client.Unsubscribe(subscription); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool { return !server.Subscribed(bob.Public) })
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	server, url := startRelay(t)
	bob, _ := crypto.GenerateKeyPair()
	client := dialRelay(t, url)
	client.Subscribe(bob.Public, func(*signaling.Envelope) {})
	testutil.Eventually(t, 5*time.Second, func() bool { return server.Subscribed(bob.Public) })

	// Drop every connection; the client must come back and announce
	// its subscription again on a new one.
	server.mu.Lock()
	dropped := make(map[*relayConnection]bool)
	for connection := range server.connections {
		dropped[connection] = true
		connection.close()
	}
	server.mu.Unlock()

	testutil.Eventually(t, 5*time.Second, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		for connection := range server.subscribers[bob.Public] {
			if !dropped[connection] {
				return true
			}
		}
		return false
	}, "subscription announced on a new connection")
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame frame
	}{
		{"unknown type", frame{Type: "hello"}},
		{"short key", frame{Type: frameSubscribe, Key: []byte{1, 2, 3}}},
		{"empty envelope", frame{Type: frameEnvelope}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := codec.Marshal(test.frame)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if _, err := decodeFrame(data); err == nil {
				t.Fatal("decodeFrame accepted malformed frame")
			}
		})
	}
}
