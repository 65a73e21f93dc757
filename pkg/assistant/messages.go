// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-assistant/pkg/assistant/msgfmt"
)

// Messenger sends bot messages and manages typing indicators.
type Messenger struct {
	client        *mautrix.Client
	exec          *Executor
	log           zerolog.Logger
	typingTimeout time.Duration
}

func NewMessenger(cfg *Config, client *mautrix.Client, exec *Executor, log zerolog.Logger) *Messenger {
	return &Messenger{
		client:        client,
		exec:          exec,
		log:           log.With().Str("component", "messenger").Logger(),
		typingTimeout: time.Duration(cfg.Sync.TypingTimeoutMS) * time.Millisecond,
	}
}

// SendMarkdown sends a markdown-rendered m.text message.
func (m *Messenger) SendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := msgfmt.Render(markdown)
	return m.send(ctx, roomID, &content)
}

// SendNotice sends a markdown-rendered m.notice message.
func (m *Messenger) SendNotice(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := msgfmt.RenderNotice(markdown)
	return m.send(ctx, roomID, &content)
}

func (m *Messenger) send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	err := m.exec.Do(ctx, "send-message", func(ctx context.Context) error {
		_, err := m.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("sending message to %s: %w", roomID, err)
	}
	return nil
}

// StartTyping shows the typing indicator. Errors are logged, not returned:
// a failed indicator must never block the reply itself.
func (m *Messenger) StartTyping(ctx context.Context, roomID id.RoomID) {
	_, err := m.client.UserTyping(ctx, roomID, true, m.typingTimeout)
	if err != nil {
		m.log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Failed to send typing indicator")
	}
}

// StopTyping clears the typing indicator.
func (m *Messenger) StopTyping(ctx context.Context, roomID id.RoomID) {
	_, err := m.client.UserTyping(ctx, roomID, false, 0)
	if err != nil {
		m.log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Failed to clear typing indicator")
	}
}
