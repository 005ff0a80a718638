// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bureau-foundation/wiremesh/signaling/wsrelay"
)

func TestHandlerRoutes(t *testing.T) {
	relay := wsrelay.NewServer(wsrelay.ServerOptions{})
	defer relay.Close()
	server := httptest.NewServer(newHandler(relay, "/signal"))
	defer server.Close()

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "health", path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok 0\n"},
		{name: "relay without upgrade", path: "/signal", wantStatus: http.StatusBadRequest},
		{name: "elsewhere", path: "/other", wantStatus: http.StatusNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response, err := server.Client().Get(server.URL + test.path)
			if err != nil {
				t.Fatalf("GET %s: %v", test.path, err)
			}
			defer response.Body.Close()
			if response.StatusCode != test.wantStatus {
				t.Errorf("status = %d, want %d", response.StatusCode, test.wantStatus)
			}
			if test.wantBody == "" {
				return
			}
			body, err := io.ReadAll(response.Body)
			if err != nil {
				t.Fatal(err)
			}
			if string(body) != test.wantBody {
				t.Errorf("body = %q, want %q", body, test.wantBody)
			}
		})
	}
}
