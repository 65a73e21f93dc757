// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package msgfmt

import (
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const bot = id.UserID("@assistant:example.com")

func TestRenderMarkdown(t *testing.T) {
	t.Parallel()
	content := Render("**bold** and `code`")
	if content.MsgType != event.MsgText {
		t.Errorf("msgtype: got %s, want m.text", content.MsgType)
	}
	if !strings.Contains(content.Body, "bold") {
		t.Errorf("body: got %q", content.Body)
	}
	if !strings.Contains(content.FormattedBody, "<strong>bold</strong>") {
		t.Errorf("formatted body: got %q", content.FormattedBody)
	}
	if content.Format != event.FormatHTML {
		t.Errorf("format: got %s, want org.matrix.custom.html", content.Format)
	}
}

func TestRenderPlainTextStaysUnformatted(t *testing.T) {
	t.Parallel()
	content := Render("just words")
	if content.FormattedBody != "" {
		t.Errorf("plain text grew a formatted body: %q", content.FormattedBody)
	}
}

func TestRenderNotice(t *testing.T) {
	t.Parallel()
	content := RenderNotice("status line")
	if content.MsgType != event.MsgNotice {
		t.Errorf("msgtype: got %s, want m.notice", content.MsgType)
	}
}

func TestWithMentions(t *testing.T) {
	t.Parallel()
	content := WithMentions(Render("hello"), bot)
	if content.Mentions == nil || len(content.Mentions.UserIDs) != 1 || content.Mentions.UserIDs[0] != bot {
		t.Errorf("mentions: got %+v", content.Mentions)
	}
}

func TestMentionsUserBlockAuthoritative(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:     "no user IDs in the body",
		Mentions: &event.Mentions{UserIDs: []id.UserID{bot}},
	}
	if !MentionsUser(content, bot) {
		t.Error("mention block entry was not detected")
	}

	// An empty block means explicitly no mentions, even if the body
	// contains the user ID.
	content = &event.MessageEventContent{
		Body:     "ping " + bot.String(),
		Mentions: &event.Mentions{},
	}
	if MentionsUser(content, bot) {
		t.Error("empty mention block should suppress the body fallback")
	}
}

func TestMentionsUserBodyFallback(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{Body: "hey " + bot.String() + ", got a minute?"}
	if !MentionsUser(content, bot) {
		t.Error("body fallback did not match")
	}
	content = &event.MessageEventContent{Body: "nothing relevant"}
	if MentionsUser(content, bot) {
		t.Error("unrelated body matched")
	}
	if MentionsUser(nil, bot) {
		t.Error("nil content matched")
	}
}
