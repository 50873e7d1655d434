// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

func testBridgeConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Matrix: MatrixConfig{
			Homeserver: "https://matrix.example.org",
			UserID:     "@bridge:example.org",
			Password:   "hunter2",
			DeviceName: "matrix-webhook",
			SSLVerify:  true,
			StorePath:  t.TempDir(),
			AdminRoom:  "!admin:example.org",
		},
		Webhook: WebhookConfig{
			Port:           0,
			KnownTokens:    "grafana,!alerts:example.org,Grafana",
			MessageFormat:  "raw",
			AllowUnicode:   true,
			DisplayAppName: true,
		},
	}
}

func TestNewRejectsMalformedRoutes(t *testing.T) {
	t.Parallel()
	cfg := testBridgeConfig(t)
	cfg.Webhook.KnownTokens = "token-without-room"

	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected a route parse error")
	}
}

func TestNewSharesOneFormatter(t *testing.T) {
	t.Parallel()
	cfg := testBridgeConfig(t)
	cfg.Webhook.MessageFormat = "yaml"
	cfg.Webhook.UseMarkdown = true

	b, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.session.formatter != b.listener.formatter {
		t.Error("session and listener must share the formatter instance")
	}
	if b.listener.formatter.Mode != "yaml" || !b.listener.formatter.Markdown || !b.listener.formatter.ShowSender {
		t.Errorf("formatter config: got %+v", b.listener.formatter)
	}
	if got := b.session.rooms; len(got) != 2 || got[0] != "!admin:example.org" || got[1] != "!alerts:example.org" {
		t.Errorf("session room set: got %v", got)
	}
}

func TestBridgeRelaysWebhookToRoom(t *testing.T) {
	t.Parallel()
	mock := newMockMatrix()
	mock.loginResp = &mautrix.RespLogin{UserID: "@bridge:example.org", DeviceID: "DEV", AccessToken: "tok"}

	b, err := New(testBridgeConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.session.newClient = func(string, *Credentials) (matrixClient, error) {
		return mock, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()

	select {
	case <-b.listener.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not start")
	}
	select {
	case <-mock.drained:
		// The session is in its long poll now, so it is ready.
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach the sync loop")
	}

	port := b.listener.Addr().(*net.TCPAddr).Port
	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/post/grafana", port),
		"text/plain",
		strings.NewReader("disk full on db1"),
	)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent events: got %d", len(sent))
	}
	if sent[0].Room != "!alerts:example.org" {
		t.Errorf("room: got %q", sent[0].Room)
	}
	if want := "**Grafana** says:  \ndisk full on db1"; sent[0].Content.Body != want {
		t.Errorf("body:\ngot  %q\nwant %q", sent[0].Content.Body, want)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func TestBridgeSessionFaultStopsListener(t *testing.T) {
	t.Parallel()
	mock := newMockMatrix()
	mock.loginResp = &mautrix.RespLogin{UserID: "@bridge:example.org", DeviceID: "DEV", AccessToken: "tok"}
	mock.syncErr = errors.New("homeserver gone")

	b, err := New(testBridgeConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.session.newClient = func(string, *Credentials) (matrixClient, error) {
		return mock, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "sync failed") {
			t.Fatalf("error: got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("a dead sync loop must stop the whole bridge")
	}
}

func TestBridgeCancellationIsClean(t *testing.T) {
	t.Parallel()
	mock := newMockMatrix()
	mock.loginResp = &mautrix.RespLogin{UserID: "@bridge:example.org", DeviceID: "DEV", AccessToken: "tok"}

	b, err := New(testBridgeConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.session.newClient = func(string, *Credentials) (matrixClient, error) {
		return mock, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()

	select {
	case <-mock.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not reach the sync loop")
	}
	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("cancellation must shut down cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}
