// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-webhook/pkg/bridge/payloadfmt"
)

const (
	// syncTimeout is the long-poll window passed to /sync.
	syncTimeout = 5 * time.Minute
	// preSyncTimeout bounds the catch-up sync done before an urgent send.
	preSyncTimeout = 3 * time.Second
	// syncSlack is added on top of the long-poll window for the HTTP deadline.
	syncSlack = 30 * time.Second

	greetingSender = "Webhook server"
)

// matrixClient is the subset of the mautrix client the session uses. This
// allows tests to inject a mock instead of requiring a live homeserver.
type matrixClient interface {
	Login(ctx context.Context, req *mautrix.ReqLogin) (*mautrix.RespLogin, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	JoinedRooms(ctx context.Context) (*mautrix.RespJoinedRooms, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	FullSyncRequest(ctx context.Context, req mautrix.ReqSync) (*mautrix.RespSync, error)
}

var _ matrixClient = (*mautrix.Client)(nil)

// ChatSession owns the Matrix side of the bridge: one logged-in client,
// its sync loop, and message delivery into routed rooms.
type ChatSession struct {
	cfg       MatrixConfig
	formatter *payloadfmt.Formatter
	store     *CredentialStore
	rooms     []id.RoomID
	log       zerolog.Logger

	conn   matrixClient
	syncer *mautrix.DefaultSyncer

	ready        atomic.Bool
	greetingOnce sync.Once

	// newClient builds the underlying client. Tests replace it with a
	// factory returning a mock.
	newClient func(homeserver string, creds *Credentials) (matrixClient, error)
}

// NewChatSession assembles a session from already-validated configuration.
// The rooms slice is the full set of rooms the session must be a member of,
// including the admin room when one is configured.
func NewChatSession(cfg MatrixConfig, formatter *payloadfmt.Formatter, store *CredentialStore, rooms []id.RoomID, log zerolog.Logger) *ChatSession {
	s := &ChatSession{
		cfg:       cfg,
		formatter: formatter,
		store:     store,
		rooms:     rooms,
		log:       log.With().Str("component", "matrix").Logger(),
	}
	s.newClient = s.dialClient
	return s
}

func (s *ChatSession) dialClient(homeserver string, creds *Credentials) (matrixClient, error) {
	var userID id.UserID
	var token string
	if creds != nil {
		userID = creds.UserID
		token = creds.AccessToken
	}
	cli, err := mautrix.NewClient(homeserver, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if creds != nil {
		cli.DeviceID = creds.DeviceID
	}
	cli.Log = s.log
	// The default client enforces a global request timeout that is shorter
	// than the sync long-poll window. Deadlines come from the per-request
	// context instead.
	httpClient := &http.Client{}
	if !s.cfg.SSLVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		s.log.Warn().Msg("TLS certificate verification is disabled")
	}
	cli.Client = httpClient
	return cli, nil
}

// Login establishes an authenticated client, either by restoring stored
// credentials or by performing a fresh password login. It is idempotent.
func (s *ChatSession) Login(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	creds, err := s.store.Load()
	switch {
	case errors.Is(err, ErrNoCredentials):
		return s.loginWithPassword(ctx)
	case err != nil:
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	conn, err := s.newClient(creds.Homeserver, creds)
	if err != nil {
		return err
	}
	s.conn = conn
	s.log.Info().
		Str("user_id", string(creds.UserID)).
		Str("device_id", string(creds.DeviceID)).
		Msg("Restored session from stored credentials")
	return nil
}

func (s *ChatSession) loginWithPassword(ctx context.Context) error {
	if s.cfg.Password == "" {
		return errors.New("no stored credentials and no password configured")
	}

	conn, err := s.newClient(s.cfg.Homeserver, nil)
	if err != nil {
		return err
	}
	resp, err := conn.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: string(s.cfg.UserID),
		},
		Password:                 s.cfg.Password,
		InitialDeviceDisplayName: s.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("password login rejected, check the configured user id and password: %w", err)
	} else if err != nil {
		return fmt.Errorf("password login failed: %w", err)
	}

	creds := &Credentials{
		Homeserver:  s.cfg.Homeserver,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}
	if err := s.store.Save(creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	s.conn = conn
	s.log.Info().
		Str("user_id", string(resp.UserID)).
		Str("device_id", string(resp.DeviceID)).
		Str("path", s.store.Path()).
		Msg("Logged in, credentials stored")
	return nil
}

// Run logs in, joins the configured rooms and syncs until ctx is cancelled.
// It only returns early on a login, join or sync failure.
func (s *ChatSession) Run(ctx context.Context) error {
	if err := s.Login(ctx); err != nil {
		return err
	}

	s.syncer = mautrix.NewDefaultSyncer()
	s.syncer.OnEventType(event.EventMessage, s.handleMessage)
	s.syncer.OnSync(s.handleSyncDone)

	if uploader, ok := s.conn.(keyUploader); ok && uploader.ShouldUploadKeys(ctx) {
		if err := uploader.UploadKeys(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to upload device keys")
		}
	}

	for _, room := range s.rooms {
		if _, err := s.conn.JoinRoomByID(ctx, room); err != nil {
			return fmt.Errorf("failed to join room %s: %w", room, err)
		}
	}
	joined, err := s.conn.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	s.log.Info().
		Int("joined_rooms", len(joined.JoinedRooms)).
		Msg("The Matrix client is waiting for events")

	s.ready.Store(true)
	defer s.ready.Store(false)
	return s.syncLoop(ctx)
}

// keyUploader is implemented by clients that manage end-to-end encryption
// device keys.
type keyUploader interface {
	ShouldUploadKeys(ctx context.Context) bool
	UploadKeys(ctx context.Context) error
}

func (s *ChatSession) syncLoop(ctx context.Context) error {
	var since string
	for {
		resp, err := s.fullSync(ctx, since, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sync failed: %w", err)
		}
		if err := s.syncer.ProcessResponse(ctx, resp, since); err != nil {
			s.log.Warn().Err(err).Msg("Failed to process sync response")
		}
		since = resp.NextBatch
	}
}

func (s *ChatSession) fullSync(ctx context.Context, since string, timeout time.Duration) (*mautrix.RespSync, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout+syncSlack)
	defer cancel()
	return s.conn.FullSyncRequest(reqCtx, mautrix.ReqSync{
		Timeout:   int(timeout.Milliseconds()),
		Since:     since,
		FullState: true,
	})
}

func (s *ChatSession) handleMessage(_ context.Context, evt *event.Event) {
	msg := evt.Content.AsMessage()
	s.log.Info().
		Str("sender", string(evt.Sender)).
		Str("room_id", string(evt.RoomID)).
		Str("body", msg.Body).
		Msg("Message received")
}

func (s *ChatSession) handleSyncDone(ctx context.Context, resp *mautrix.RespSync, _ string) bool {
	s.log.Debug().Str("next_batch", resp.NextBatch).Msg("Sync completed")
	if s.cfg.AdminRoom != "" {
		s.greetingOnce.Do(func() {
			greeting := fmt.Sprintf("Hi, I'm up and running from **%s**, waiting for webhooks!", s.cfg.DeviceName)
			if err := s.Send(ctx, s.cfg.AdminRoom, greetingSender, greeting, true); err != nil {
				s.log.Error().Err(err).Msg("Failed to send greeting to admin room")
			}
		})
	}
	return true
}

// Ready reports whether the session has joined its rooms and entered the
// sync loop.
func (s *ChatSession) Ready() bool {
	return s.ready.Load()
}

// Send delivers a text message to a room. When preSync is set, a short
// catch-up sync runs first so the message lands after any pending state.
func (s *ChatSession) Send(ctx context.Context, room id.RoomID, sender, text string, preSync bool) error {
	if s.conn == nil {
		return errors.New("not logged in")
	}
	if preSync {
		if _, err := s.fullSync(ctx, "", preSyncTimeout); err != nil {
			s.log.Warn().Err(err).Msg("Pre-send sync failed")
		}
	}

	body := s.formatter.Prefix(sender, text)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if format, html := s.formatter.RenderRich(body); format != "" {
		content.Format = format
		content.FormattedBody = html
	}

	if _, err := s.conn.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", room, err)
	}
	return nil
}
