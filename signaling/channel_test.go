// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/wiremesh/lib/crypto"
	"github.com/bureau-foundation/wiremesh/lib/testutil"
	"github.com/bureau-foundation/wiremesh/signaling"
	"github.com/bureau-foundation/wiremesh/signaling/inprocess"
)

type received struct {
	sender  crypto.Key
	message *signaling.Message
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func mustKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return pair
}

func TestChannelDeliversAuthenticatedMessages(t *testing.T) {
	hub := inprocess.NewHub()
	alice, bob := mustKeyPair(t), mustKeyPair(t)
	aliceChannel := signaling.NewChannel(hub.Connect(), alice, time.Second, discardLogger())
	bobChannel := signaling.NewChannel(hub.Connect(), bob, time.Second, discardLogger())

	inbox := make(chan received, 4)
	if _, err := bobChannel.Subscribe(func(sender crypto.Key, message *signaling.Message) {
		inbox <- received{sender, message}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	message := &signaling.Message{Generation: 3, CandidatesDone: &signaling.CandidatesDone{}}
	if err := aliceChannel.Send(context.Background(), bob.Public, message); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := testutil.RequireReceive(t, inbox, 5*time.Second, "message at bob")
	if got.sender != alice.Public || got.message.Generation != 3 || got.message.CandidatesDone == nil {
		t.Fatalf("received %+v from %s", got.message, got.sender)
	}
}

func TestChannelDropsForgedEnvelopes(t *testing.T) {
	hub := inprocess.NewHub()
	alice, bob, mallory := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)
	bobChannel := signaling.NewChannel(hub.Connect(), bob, time.Second, discardLogger())

	inbox := make(chan received, 4)
	if _, err := bobChannel.Subscribe(func(sender crypto.Key, message *signaling.Message) {
		inbox <- received{sender, message}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Mallory seals to bob but claims to be alice.
	envelope, err := signaling.Seal(bob.Public, mallory, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	envelope.Sender = alice.Public[:]
	if err := hub.Connect().Publish(context.Background(), bob.Public, envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-inbox:
		t.Fatalf("forged envelope delivered: %+v", got)
	default:
	}
	authentication, decode := bobChannel.Stats()
	if authentication != 1 || decode != 0 {
		t.Fatalf("Stats = %d, %d; want 1, 0", authentication, decode)
	}
}

type blockingBackend struct {
	signaling.Backend
}

func (blockingBackend) Publish(ctx context.Context, _ crypto.Key, _ *signaling.Envelope) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestChannelSendTimesOut(t *testing.T) {
	alice, bob := mustKeyPair(t), mustKeyPair(t)
	channel := signaling.NewChannel(blockingBackend{}, alice, 20*time.Millisecond, discardLogger())
	err := channel.Send(context.Background(), bob.Public, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})
	if !errors.Is(err, signaling.ErrPublishTimeout) {
		t.Fatalf("Send error = %v, want ErrPublishTimeout", err)
	}
}

func TestDispatcherConcurrentDispatchAndRemove(t *testing.T) {
	var dispatcher signaling.Dispatcher
	alice, bob := mustKeyPair(t), mustKeyPair(t)
	envelope, _ := signaling.Seal(bob.Public, alice, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})

	var mu sync.Mutex
	removed := false
	calledAfterRemove := false
	subscription, first := dispatcher.Add(bob.Public, func(*signaling.Envelope) {
		mu.Lock()
		if removed {
			calledAfterRemove = true
		}
		mu.Unlock()
	})
	if !first {
		t.Fatal("first Add did not report first subscription")
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				dispatcher.Dispatch(envelope)
			}
		}()
	}
	dispatcher.Remove(subscription)
	mu.Lock()
	removed = true
	mu.Unlock()
	wg.Wait()

	if calledAfterRemove {
		t.Fatal("handler invoked after Remove returned")
	}
	if again, last := dispatcher.Remove(subscription); again || last {
		t.Fatalf("second Remove = %v, %v; want false, false", again, last)
	}
	if dispatcher.Subscribed(bob.Public) {
		t.Fatal("key still subscribed")
	}
}

type failingBackend struct {
	signaling.Backend
}

func (failingBackend) Kind() signaling.Kind { return "failing" }

func (failingBackend) Publish(context.Context, crypto.Key, *signaling.Envelope) error {
	return errors.New("unreachable")
}

func TestMultiPublishSucceedsIfAnyBackendDoes(t *testing.T) {
	hub := inprocess.NewHub()
	alice, bob := mustKeyPair(t), mustKeyPair(t)

	multi := signaling.NewMulti(failingBackend{}, hub.Connect())
	bobChannel := signaling.NewChannel(hub.Connect(), bob, time.Second, discardLogger())
	inbox := make(chan received, 4)
	if _, err := bobChannel.Subscribe(func(sender crypto.Key, message *signaling.Message) {
		inbox <- received{sender, message}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	aliceChannel := signaling.NewChannel(multi, alice, time.Second, discardLogger())
	if err := aliceChannel.Send(context.Background(), bob.Public, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	testutil.RequireReceive(t, inbox, 5*time.Second, "message through multi")

	allFailing := signaling.NewChannel(signaling.NewMulti(failingBackend{}, failingBackend{}), alice, time.Second, discardLogger())
	if err := allFailing.Send(context.Background(), bob.Public, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}}); err == nil {
		t.Fatal("Send succeeded with every backend failing")
	}
}

func TestMultiSubscribeReceivesFromEveryBackend(t *testing.T) {
	first, second := inprocess.NewHub(), inprocess.NewHub()
	alice, bob := mustKeyPair(t), mustKeyPair(t)

	multi := signaling.NewMulti(first.Connect(), second.Connect())
	count := 0
	subscription, err := multi.Subscribe(bob.Public, func(*signaling.Envelope) { count++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	envelope, _ := signaling.Seal(bob.Public, alice, &signaling.Message{Generation: 1, CandidatesDone: &signaling.CandidatesDone{}})
	first.Connect().Publish(context.Background(), bob.Public, envelope)
	second.Connect().Publish(context.Background(), bob.Public, envelope)
	if count != 2 {
		t.Fatalf("handler ran %d times, want 2", count)
	}

	if err := multi.Unsubscribe(subscription); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	first.Connect().Publish(context.Background(), bob.Public, envelope)
	if count != 2 {
		t.Fatalf("handler ran after Unsubscribe")
	}
}
