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
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// preloadPacing is the pause between per-room state fetches during preload.
const preloadPacing = 100 * time.Millisecond

// MembershipCache is the in-process view of room memberships. A cached room
// is considered authoritative: a user absent from it is reported as having
// no membership without a remote call. Invitations are written through
// optimistically so repeated initialization runs stay quiet.
type MembershipCache struct {
	client *mautrix.Client
	exec   *Executor
	log    zerolog.Logger

	rooms *exsync.Map[id.RoomID, *exsync.Map[id.UserID, event.Membership]]
}

func NewMembershipCache(client *mautrix.Client, exec *Executor, log zerolog.Logger) *MembershipCache {
	return &MembershipCache{
		client: client,
		exec:   exec,
		log:    log.With().Str("component", "memberships").Logger(),
		rooms:  exsync.NewMap[id.RoomID, *exsync.Map[id.UserID, event.Membership]](),
	}
}

// Membership returns the user's membership in a room. For cached rooms the
// answer comes straight from the cache, including the "not a member" case.
// An uncached room is fetched once and populated.
func (mc *MembershipCache) Membership(ctx context.Context, roomID id.RoomID, userID id.UserID) (event.Membership, error) {
	if members, ok := mc.rooms.Get(roomID); ok {
		membership, _ := members.Get(userID)
		return membership, nil
	}
	if err := mc.loadRoom(ctx, roomID); err != nil {
		return "", err
	}
	members, _ := mc.rooms.Get(roomID)
	membership, _ := members.Get(userID)
	return membership, nil
}

// IsMember reports whether the user is joined or invited.
func (mc *MembershipCache) IsMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	membership, err := mc.Membership(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	return membership == event.MembershipJoin || membership == event.MembershipInvite, nil
}

// JoinedMembers returns the joined users of a room, fetching on cache miss.
func (mc *MembershipCache) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	members, ok := mc.rooms.Get(roomID)
	if !ok {
		if err := mc.loadRoom(ctx, roomID); err != nil {
			return nil, err
		}
		members, _ = mc.rooms.Get(roomID)
	}
	var joined []id.UserID
	for userID, membership := range members.CopyData() {
		if membership == event.MembershipJoin {
			joined = append(joined, userID)
		}
	}
	return joined, nil
}

// Set records a membership without a remote call. The sync loop uses this
// to keep the cache current from member events.
func (mc *MembershipCache) Set(roomID id.RoomID, userID id.UserID, membership event.Membership) {
	members, _ := mc.rooms.GetOrSet(roomID, exsync.NewMap[id.UserID, event.Membership]())
	members.Set(userID, membership)
}

// Forget drops a room from the cache, e.g. after the bot leaves it.
func (mc *MembershipCache) Forget(roomID id.RoomID) {
	mc.rooms.Delete(roomID)
}

// loadRoom fetches the room's member state and replaces the cache entry.
func (mc *MembershipCache) loadRoom(ctx context.Context, roomID id.RoomID) error {
	var state mautrix.RoomStateMap
	err := mc.exec.Do(ctx, "room-members", func(ctx context.Context) error {
		var err error
		state, err = mc.client.State(ctx, roomID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching members of %s: %w", roomID, err)
	}
	members := exsync.NewMap[id.UserID, event.Membership]()
	for stateKey, evt := range state[event.StateMember] {
		members.Set(id.UserID(stateKey), membershipFromEvent(evt))
	}
	mc.rooms.Set(roomID, members)
	return nil
}

// Preload fills the cache for the given rooms, pacing the state fetches.
// It returns how many rooms loaded and how many failed.
func (mc *MembershipCache) Preload(ctx context.Context, rooms []RoomRef) (loaded, errored int) {
	for _, ref := range rooms {
		if err := mc.loadRoom(ctx, ref.ID); err != nil {
			mc.log.Warn().Err(err).Str("room", ref.Name).Msg("Failed to preload room memberships")
			errored++
		} else {
			loaded++
		}
		if err := sleep(ctx, preloadPacing); err != nil {
			return loaded, errored
		}
	}
	mc.log.Info().Int("loaded", loaded).Int("errors", errored).Msg("Preloaded room memberships")
	return loaded, errored
}

// Invite invites a user to a room. A cached join or invite short-circuits
// without any remote call; a 403 from the server is treated as
// already-a-member. Successful invites are written through as "invite".
// The returned bool reports whether a remote invitation was actually sent.
func (mc *MembershipCache) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) (bool, error) {
	if members, ok := mc.rooms.Get(roomID); ok {
		if membership, ok := members.Get(userID); ok {
			if membership == event.MembershipJoin || membership == event.MembershipInvite {
				return false, nil
			}
		}
	}
	err := mc.exec.Do(ctx, "invite", func(ctx context.Context) error {
		_, err := mc.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
		return err
	})
	if err != nil {
		if isForbidden(err) {
			// The server refuses invites for users who are already in
			// the room. Record what we learned.
			mc.Set(roomID, userID, event.MembershipJoin)
			return false, nil
		}
		return false, fmt.Errorf("inviting %s to %s: %w", userID, roomID, err)
	}
	mc.Set(roomID, userID, event.MembershipInvite)
	return true, nil
}

// JoinAsBot joins the bot to a room, skipping the call when the cache
// already shows it joined.
func (mc *MembershipCache) JoinAsBot(ctx context.Context, roomID id.RoomID) error {
	if members, ok := mc.rooms.Get(roomID); ok {
		if membership, _ := members.Get(mc.client.UserID); membership == event.MembershipJoin {
			return nil
		}
	}
	err := mc.exec.Do(ctx, "join", func(ctx context.Context) error {
		_, err := mc.client.JoinRoomByID(ctx, roomID)
		return err
	})
	if err != nil {
		switch {
		case isForbidden(err):
			mc.log.Warn().Str("room_id", roomID.String()).Msg("Bot is not allowed to join room")
		case isNotFound(err):
			mc.log.Warn().Str("room_id", roomID.String()).Msg("Room to join does not exist")
		}
		return fmt.Errorf("joining %s: %w", roomID, err)
	}
	mc.Set(roomID, mc.client.UserID, event.MembershipJoin)
	return nil
}

// PendingInvitations counts cached invite-state memberships for the given
// users across the given rooms.
func (mc *MembershipCache) PendingInvitations(users []id.UserID, rooms []RoomRef) int {
	pending := 0
	for _, ref := range rooms {
		members, ok := mc.rooms.Get(ref.ID)
		if !ok {
			continue
		}
		for _, userID := range users {
			if membership, _ := members.Get(userID); membership == event.MembershipInvite {
				pending++
			}
		}
	}
	return pending
}

// DumpStatus logs per-room joined and invited counts.
func (mc *MembershipCache) DumpStatus(rooms []RoomRef) {
	for _, ref := range rooms {
		members, ok := mc.rooms.Get(ref.ID)
		if !ok {
			mc.log.Info().Str("room", ref.Name).Msg("Room memberships not cached")
			continue
		}
		var joined, invited int
		for _, membership := range members.CopyData() {
			switch membership {
			case event.MembershipJoin:
				joined++
			case event.MembershipInvite:
				invited++
			}
		}
		mc.log.Info().Str("room", ref.Name).Int("joined", joined).Int("invited", invited).
			Msg("Room membership status")
	}
}

func membershipFromEvent(evt *event.Event) event.Membership {
	if evt.Content.Parsed == nil {
		_ = evt.Content.ParseRaw(event.StateMember)
	}
	return evt.Content.AsMember().Membership
}
