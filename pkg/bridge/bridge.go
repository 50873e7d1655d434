// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/matrix-webhook/pkg/bridge/payloadfmt"
)

// Bridge is the composition root: it owns the chat session and the webhook
// listener and runs them as one unit.
type Bridge struct {
	log      zerolog.Logger
	session  *ChatSession
	listener *WebhookListener
}

// New builds the full relay from validated configuration.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	router, err := ParseRoutes(cfg.Webhook.KnownTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook routes: %w", err)
	}

	formatter := &payloadfmt.Formatter{
		Mode:         cfg.Webhook.MessageFormat,
		AllowUnicode: cfg.Webhook.AllowUnicode,
		ShowSender:   cfg.Webhook.DisplayAppName,
		Markdown:     cfg.Webhook.UseMarkdown,
		Log:          log.With().Str("component", "formatter").Logger(),
	}

	store := NewCredentialStore(cfg.Matrix.StorePath)
	session := NewChatSession(cfg.Matrix, formatter, store, router.Rooms(cfg.Matrix.AdminRoom), log)
	listener := NewWebhookListener(cfg.Webhook.Port, router, formatter, session, log)

	// Route count only. Tokens are credentials and stay out of the logs.
	log.Info().
		Int("routes", router.Len()).
		Str("message_format", cfg.Webhook.MessageFormat).
		Msg("Relay configured")

	return &Bridge{
		log:      log.With().Str("component", "bridge").Logger(),
		session:  session,
		listener: listener,
	}, nil
}

// Run starts the chat-sync loop and the web server and blocks until ctx is
// cancelled or either of them fails. The first failure stops both; plain
// context cancellation is a clean shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.session.Run(gCtx); err != nil {
			return err
		}
		if gCtx.Err() == nil {
			return errors.New("chat session stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		if err := b.listener.Run(gCtx); err != nil {
			return err
		}
		if gCtx.Err() == nil {
			return errors.New("web server stopped unexpectedly")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	b.log.Info().Msg("Bridge stopped")
	return nil
}
