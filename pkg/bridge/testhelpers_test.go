// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-webhook/pkg/bridge/payloadfmt"
)

// sentEvent records one SendMessageEvent call for test assertions.
type sentEvent struct {
	Room    id.RoomID
	Type    event.Type
	Content *event.MessageEventContent
}

// mockMatrix implements matrixClient in memory. It records calls and serves
// canned sync responses; once those run out it blocks until the context is
// cancelled, like a homeserver long poll with no new events.
type mockMatrix struct {
	mu    sync.Mutex
	calls []string

	loginResp *mautrix.RespLogin
	loginErr  error
	joinErr   error
	sendErr   error
	syncErr   error
	syncResps []*mautrix.RespSync

	loginReqs []*mautrix.ReqLogin
	joined    []id.RoomID
	sent      []sentEvent
	syncReqs  []mautrix.ReqSync

	// drained is closed the first time a sync request finds no canned
	// response left. Tests use it to cancel the session context.
	drained   chan struct{}
	drainOnce sync.Once
}

func newMockMatrix() *mockMatrix {
	return &mockMatrix{drained: make(chan struct{})}
}

func (m *mockMatrix) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockMatrix) Called(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (m *mockMatrix) Sent() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentEvent, len(m.sent))
	copy(cp, m.sent)
	return cp
}

func (m *mockMatrix) SyncRequests() []mautrix.ReqSync {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]mautrix.ReqSync, len(m.syncReqs))
	copy(cp, m.syncReqs)
	return cp
}

func (m *mockMatrix) Login(_ context.Context, req *mautrix.ReqLogin) (*mautrix.RespLogin, error) {
	m.record("login")
	m.mu.Lock()
	m.loginReqs = append(m.loginReqs, req)
	m.mu.Unlock()
	if m.loginErr != nil {
		return nil, m.loginErr
	}
	return m.loginResp, nil
}

func (m *mockMatrix) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	m.record("join")
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	m.mu.Lock()
	m.joined = append(m.joined, roomID)
	m.mu.Unlock()
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (m *mockMatrix) JoinedRooms(_ context.Context) (*mautrix.RespJoinedRooms, error) {
	m.record("joined_rooms")
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]id.RoomID, len(m.joined))
	copy(cp, m.joined)
	return &mautrix.RespJoinedRooms{JoinedRooms: cp}, nil
}

func (m *mockMatrix) SendMessageEvent(_ context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	m.record("send")
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	content, _ := contentJSON.(*event.MessageEventContent)
	m.mu.Lock()
	m.sent = append(m.sent, sentEvent{Room: roomID, Type: eventType, Content: content})
	m.mu.Unlock()
	return &mautrix.RespSendEvent{EventID: id.EventID("$mock")}, nil
}

func (m *mockMatrix) FullSyncRequest(ctx context.Context, req mautrix.ReqSync) (*mautrix.RespSync, error) {
	m.record("sync")
	m.mu.Lock()
	m.syncReqs = append(m.syncReqs, req)
	if len(m.syncResps) > 0 {
		resp := m.syncResps[0]
		m.syncResps = m.syncResps[1:]
		m.mu.Unlock()
		return resp, nil
	}
	err := m.syncErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.drainOnce.Do(func() { close(m.drained) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// mockCryptoMatrix is a mockMatrix that also reports device key state, for
// testing the optional key upload on startup.
type mockCryptoMatrix struct {
	*mockMatrix
	needsKeys bool
	uploadErr error
}

func (m *mockCryptoMatrix) ShouldUploadKeys(_ context.Context) bool {
	return m.needsKeys
}

func (m *mockCryptoMatrix) UploadKeys(_ context.Context) error {
	m.record("upload_keys")
	return m.uploadErr
}

// mockSend records one delivery request handed to a mockSender.
type mockSend struct {
	Room    id.RoomID
	Sender  string
	Text    string
	PreSync bool
}

// mockSender stands in for a ChatSession behind the webhook listener.
type mockSender struct {
	mu    sync.Mutex
	ready bool
	err   error
	sends []mockSend
}

func (m *mockSender) Ready() bool {
	return m.ready
}

func (m *mockSender) Send(_ context.Context, room id.RoomID, sender, text string, preSync bool) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, mockSend{Room: room, Sender: sender, Text: text, PreSync: preSync})
	return nil
}

func (m *mockSender) Sends() []mockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]mockSend, len(m.sends))
	copy(cp, m.sends)
	return cp
}

// testMatrixConfig returns a valid MatrixConfig pointing at a fake homeserver.
func testMatrixConfig() MatrixConfig {
	return MatrixConfig{
		Homeserver: "https://matrix.example.org",
		UserID:     "@bridge:example.org",
		Password:   "hunter2",
		DeviceName: "matrix-webhook",
		SSLVerify:  true,
		StorePath:  "unused",
		AdminRoom:  "!admin:example.org",
	}
}

// newTestSession builds a ChatSession whose client factory returns the given
// mock instead of dialing a homeserver. Credentials land in a temp dir.
func newTestSession(t *testing.T, cli matrixClient, cfg MatrixConfig, rooms []id.RoomID) *ChatSession {
	t.Helper()
	formatter := &payloadfmt.Formatter{
		Mode:       payloadfmt.ModeRaw,
		ShowSender: true,
		Log:        zerolog.Nop(),
	}
	s := NewChatSession(cfg, formatter, NewCredentialStore(t.TempDir()), rooms, zerolog.Nop())
	s.newClient = func(string, *Credentials) (matrixClient, error) {
		return cli, nil
	}
	return s
}
