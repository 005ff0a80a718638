// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendEventUsesTransactionPath(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		paths = append(paths, r.URL.EscapedPath())
		var content map[string]string
		json.NewDecoder(r.Body).Decode(&content)
		if content["hello"] != "world" {
			t.Errorf("content = %v", content)
		}
		w.Write([]byte(`{"event_id":"$event"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session := client.Session("token")
	for range 2 {
		eventID, err := session.SendEvent(context.Background(), "!room:example.org", "m.custom", map[string]string{"hello": "world"})
		if err != nil {
			t.Fatalf("SendEvent: %v", err)
		}
		if eventID != "$event" {
			t.Fatalf("event ID = %q", eventID)
		}
	}

	if len(paths) != 2 || paths[0] == paths[1] {
		t.Fatalf("transaction paths not unique: %v", paths)
	}
	if !strings.HasPrefix(paths[0], "/_matrix/client/v3/rooms/%21room:example.org/send/m.custom/wiremesh-") {
		t.Fatalf("unexpected path %q", paths[0])
	}
}

func TestSyncQueryAndDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("since") != "s1" || query.Get("timeout") != "30000" {
			t.Errorf("query = %v", query)
		}
		w.Write([]byte(`{
			"next_batch": "s2",
			"rooms": {"join": {"!room:example.org": {"timeline": {"events": [
				{"event_id": "$1", "type": "m.custom", "sender": "@a:example.org", "content": {"x": 1}}
			]}}}}
		}`))
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})
	response, err := client.Session("token").Sync(context.Background(), SyncOptions{Since: "s1", Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if response.NextBatch != "s2" {
		t.Fatalf("NextBatch = %q", response.NextBatch)
	}
	events := response.Rooms.Join["!room:example.org"].Timeline.Events
	if len(events) != 1 || events[0].Type != "m.custom" || string(events[0].Content) != `{"x": 1}` {
		t.Fatalf("events = %+v", events)
	}
}

func TestMatrixErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`))
	}))
	defer server.Close()

	client, _ := NewClient(ClientConfig{HomeserverURL: server.URL})
	_, err := client.Session("stale").WhoAmI(context.Background())
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Fatalf("error = %v, want M_UNKNOWN_TOKEN", err)
	}
}

func TestNewClientRequiresHomeserver(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("NewClient accepted an empty homeserver URL")
	}
}
