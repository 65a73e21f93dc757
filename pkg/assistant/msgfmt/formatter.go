// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package msgfmt renders outgoing messages to Matrix content and inspects
// incoming content for mentions of the bot.
package msgfmt

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Render converts markdown to a Matrix m.text message with an HTML
// formatted body. Plain markdown only; raw HTML in the input is escaped.
func Render(markdown string) event.MessageEventContent {
	return format.RenderMarkdown(markdown, true, false)
}

// RenderNotice is Render with the m.notice msgtype, for bot status output
// that should not trigger client notifications.
func RenderNotice(markdown string) event.MessageEventContent {
	content := format.RenderMarkdown(markdown, true, false)
	content.MsgType = event.MsgNotice
	return content
}

// WithMentions attaches an m.mentions block for the given users.
func WithMentions(content event.MessageEventContent, users ...id.UserID) event.MessageEventContent {
	content.Mentions = &event.Mentions{UserIDs: users}
	return content
}

// MentionsUser reports whether the message mentions the given user. The
// m.mentions block is authoritative when present; otherwise the plain body
// is scanned for the user ID, which older clients still produce.
func MentionsUser(content *event.MessageEventContent, user id.UserID) bool {
	if content == nil {
		return false
	}
	if content.Mentions != nil {
		for _, mentioned := range content.Mentions.UserIDs {
			if mentioned == user {
				return true
			}
		}
		return false
	}
	return strings.Contains(content.Body, user.String())
}
