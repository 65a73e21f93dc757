// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-assistant/pkg/assistant/msgfmt"
)

// startSkewMargin absorbs clock drift between the bot host and the
// homeserver when filtering out events from before process start.
const startSkewMargin = 5000 * time.Millisecond

// The built-in responder only knows how to greet; anything smarter
// needs the model bridge.
const (
	greetingKeyword = "hello"
	greetingReply   = "Hello! How can I help you?"
	errorReply      = "Désolé, une erreur s'est produite. Veuillez réessayer."
)

// SyncStatus is a point-in-time snapshot of the sync loop, exposed to
// the get_sync_status tool.
type SyncStatus struct {
	Running             bool
	Polls               int64
	MessagesHandled     int64
	InvitesAccepted     int64
	ConsecutiveFailures int
	LastPoll            time.Time
}

// SyncLoop long-polls /sync and answers messages addressed to the bot.
// The since cursor is kept in memory only: a restart re-reads recent
// history, and the start-time filter keeps old events from being
// answered twice.
type SyncLoop struct {
	cfg         *Config
	client      *mautrix.Client
	memberships *MembershipCache
	messenger   *Messenger
	bridge      *AIBridge
	log         zerolog.Logger

	startTS time.Time
	since   string

	mu     sync.Mutex
	status SyncStatus
}

func NewSyncLoop(cfg *Config, client *mautrix.Client, memberships *MembershipCache, messenger *Messenger, bridge *AIBridge, log zerolog.Logger) *SyncLoop {
	return &SyncLoop{
		cfg:         cfg,
		client:      client,
		memberships: memberships,
		messenger:   messenger,
		bridge:      bridge,
		log:         log.With().Str("component", "sync").Logger(),
		startTS:     time.Now(),
	}
}

// SetBridge attaches the model bridge. Must be called before Run.
func (sl *SyncLoop) SetBridge(bridge *AIBridge) {
	sl.bridge = bridge
}

// Status returns a snapshot of the loop's counters.
func (sl *SyncLoop) Status() SyncStatus {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.status
}

func (sl *SyncLoop) recordPoll() {
	sl.mu.Lock()
	sl.status.Polls++
	sl.status.LastPoll = time.Now()
	sl.status.ConsecutiveFailures = 0
	sl.mu.Unlock()
}

func (sl *SyncLoop) recordFailure() int {
	sl.mu.Lock()
	sl.status.ConsecutiveFailures++
	n := sl.status.ConsecutiveFailures
	sl.mu.Unlock()
	return n
}

// Run polls until the context is cancelled. The first request uses a
// zero timeout so startup is not blocked waiting for new events; it
// establishes the cursor and drains pending invitations.
func (sl *SyncLoop) Run(ctx context.Context) error {
	sl.mu.Lock()
	sl.status.Running = true
	sl.mu.Unlock()
	defer func() {
		sl.mu.Lock()
		sl.status.Running = false
		sl.mu.Unlock()
	}()

	pollDelay := time.Duration(sl.cfg.Sync.PollIntervalMS) * time.Millisecond
	sl.log.Info().Dur("poll_delay", pollDelay).Msg("Starting sync loop")

	if err := sl.pollOnce(ctx, 0); err != nil {
		sl.log.Err(err).Msg("Initial sync failed")
	}

	for {
		if err := sleep(ctx, pollDelay); err != nil {
			return err
		}
		if err := sl.pollOnce(ctx, sl.cfg.Sync.RequestTimeoutMS); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures := sl.recordFailure()
			sl.log.Err(err).Int("consecutive_failures", failures).Msg("Sync request failed")
			// Back off a little extra when the homeserver keeps erroring.
			extra := time.Duration(failures) * time.Second
			if extra > 30*time.Second {
				extra = 30 * time.Second
			}
			if err := sleep(ctx, extra); err != nil {
				return err
			}
		}
	}
}

func (sl *SyncLoop) pollOnce(ctx context.Context, timeoutMS int) error {
	resp, err := sl.client.SyncRequest(ctx, timeoutMS, sl.since, "", false, event.PresenceOnline)
	if err != nil {
		return err
	}
	// Advance the cursor before processing so a handler panic or error
	// cannot replay the same batch forever.
	sl.since = resp.NextBatch
	sl.recordPoll()

	for roomID := range resp.Rooms.Invite {
		sl.acceptInvite(ctx, roomID)
	}
	for roomID := range resp.Rooms.Leave {
		sl.memberships.Forget(roomID)
	}
	for roomID, room := range resp.Rooms.Join {
		for _, evt := range room.Timeline.Events {
			sl.handleEvent(ctx, roomID, evt)
		}
	}
	return nil
}

func (sl *SyncLoop) acceptInvite(ctx context.Context, roomID id.RoomID) {
	sl.log.Info().Stringer("room_id", roomID).Msg("Accepting room invitation")
	if _, err := sl.client.JoinRoomByID(ctx, roomID); err != nil {
		sl.log.Err(err).Stringer("room_id", roomID).Msg("Failed to accept invitation")
		return
	}
	sl.memberships.Set(roomID, sl.client.UserID, event.MembershipJoin)
	sl.mu.Lock()
	sl.status.InvitesAccepted++
	sl.mu.Unlock()
}

func (sl *SyncLoop) handleEvent(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	switch evt.Type {
	case event.StateMember:
		if err := evt.Content.ParseRaw(evt.Type); err == nil {
			if member := evt.Content.AsMember(); member != nil {
				sl.memberships.Set(roomID, id.UserID(evt.GetStateKey()), member.Membership)
			}
		}
	case event.EventMessage:
		sl.handleMessage(ctx, roomID, evt)
	}
}

func (sl *SyncLoop) handleMessage(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	if evt.Sender == sl.client.UserID {
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(sl.startTS.Add(-startSkewMargin)) {
		return
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		sl.log.Debug().Err(err).Stringer("event_id", evt.ID).Msg("Ignoring unparseable message")
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	addressed, err := sl.isAddressedToBot(ctx, roomID, content)
	if err != nil {
		sl.log.Err(err).Stringer("room_id", roomID).Msg("Failed to classify room, skipping message")
		return
	}
	if !addressed {
		return
	}

	log := sl.log.With().
		Stringer("room_id", roomID).
		Stringer("sender", evt.Sender).
		Stringer("event_id", evt.ID).
		Logger()
	log.Debug().Msg("Handling inbound message")

	if !sl.bridge.Enabled() {
		// Built-in responder: greetings only.
		if !strings.Contains(strings.ToLower(content.Body), greetingKeyword) {
			return
		}
		if err := sl.messenger.SendMarkdown(ctx, roomID, greetingReply); err != nil {
			log.Err(err).Msg("Failed to send greeting")
			return
		}
		sl.mu.Lock()
		sl.status.MessagesHandled++
		sl.mu.Unlock()
		return
	}

	sl.messenger.StartTyping(ctx, roomID)
	defer sl.messenger.StopTyping(ctx, roomID)

	reply, err := sl.bridge.Respond(ctx, roomID, evt.Sender, content.Body)
	if err != nil {
		log.Err(err).Msg("Model response failed, sending error reply")
		reply = errorReply
	} else if reply == "" {
		return
	}
	if err := sl.messenger.SendMarkdown(ctx, roomID, reply); err != nil {
		log.Err(err).Msg("Failed to send reply")
		return
	}
	sl.mu.Lock()
	sl.status.MessagesHandled++
	sl.mu.Unlock()
}

// isAddressedToBot decides whether the bot should answer: always in a
// direct chat (exactly two joined members including the bot), otherwise
// only when the message mentions the bot.
func (sl *SyncLoop) isAddressedToBot(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (bool, error) {
	joined, err := sl.memberships.JoinedMembers(ctx, roomID)
	if err != nil {
		return false, err
	}
	if len(joined) == 2 && containsUser(joined, sl.client.UserID) {
		return true, nil
	}
	return msgfmt.MentionsUser(content, sl.client.UserID), nil
}
