// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomRef is one room of the community space, as discovered from its state.
type RoomRef struct {
	ID    id.RoomID
	Name  string
	Topic string
}

// RoomDirectory maintains the name-to-room mapping of the space. Room names
// are unique within a space by community convention; lookups are
// case-sensitive with a case-insensitive fallback.
type RoomDirectory struct {
	cfg    *Config
	client *mautrix.Client
	exec   *Executor
	log    zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]RoomRef
}

func NewRoomDirectory(cfg *Config, client *mautrix.Client, exec *Executor, log zerolog.Logger) *RoomDirectory {
	return &RoomDirectory{
		cfg:    cfg,
		client: client,
		exec:   exec,
		log:    log.With().Str("component", "rooms").Logger(),
		rooms:  make(map[string]RoomRef),
	}
}

// CheckSpaceExists asks the space-hierarchy endpoint whether the configured
// space is visible to the bot. A 404 means no; other failures are returned.
func (rd *RoomDirectory) CheckSpaceExists(ctx context.Context) (bool, error) {
	var hierErr error
	err := rd.exec.Do(ctx, "space-hierarchy", func(ctx context.Context) error {
		_, hierErr = rd.client.Hierarchy(ctx, rd.cfg.Space.RoomID, &mautrix.ReqHierarchy{Limit: 1})
		if isNotFound(hierErr) {
			return nil
		}
		return hierErr
	})
	if err != nil {
		return false, fmt.Errorf("checking space %s: %w", rd.cfg.Space.RoomID, err)
	}
	if isNotFound(hierErr) {
		return false, nil
	}
	return true, nil
}

// Load walks the bot's joined rooms and indexes every room that declares
// the configured space as its m.space.parent.
func (rd *RoomDirectory) Load(ctx context.Context) error {
	var joined *mautrix.RespJoinedRooms
	err := rd.exec.Do(ctx, "joined-rooms", func(ctx context.Context) error {
		var err error
		joined, err = rd.client.JoinedRooms(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing joined rooms: %w", err)
	}

	rooms := make(map[string]RoomRef)
	for _, roomID := range joined.JoinedRooms {
		if roomID == rd.cfg.Space.RoomID {
			continue
		}
		var state mautrix.RoomStateMap
		err = rd.exec.Do(ctx, "room-state", func(ctx context.Context) error {
			var err error
			state, err = rd.client.State(ctx, roomID)
			return err
		})
		if err != nil {
			rd.log.Warn().Err(err).Str("room_id", roomID.String()).
				Msg("Failed to fetch room state, skipping room")
			continue
		}
		ref, ok := rd.refFromState(roomID, state)
		if !ok {
			continue
		}
		rooms[ref.Name] = ref
	}

	rd.mu.Lock()
	rd.rooms = rooms
	rd.mu.Unlock()
	rd.log.Info().Int("rooms", len(rooms)).Msg("Loaded room directory")
	return nil
}

// refFromState returns the RoomRef for a room that is parented to the
// configured space, or ok=false when it is not part of the space.
func (rd *RoomDirectory) refFromState(roomID id.RoomID, state mautrix.RoomStateMap) (RoomRef, bool) {
	parents, ok := state[event.StateSpaceParent]
	if !ok {
		return RoomRef{}, false
	}
	if _, ok = parents[rd.cfg.Space.RoomID.String()]; !ok {
		return RoomRef{}, false
	}
	ref := RoomRef{ID: roomID}
	if names, ok := state[event.StateRoomName]; ok {
		if evt, ok := names[""]; ok {
			if name := evt.Content.AsRoomName(); name != nil {
				ref.Name = name.Name
			}
		}
	}
	if ref.Name == "" {
		return RoomRef{}, false
	}
	if topics, ok := state[event.StateTopic]; ok {
		if evt, ok := topics[""]; ok {
			if topic := evt.Content.AsTopic(); topic != nil {
				ref.Topic = topic.Topic
			}
		}
	}
	return ref, true
}

// Rooms returns a snapshot of the directory.
func (rd *RoomDirectory) Rooms() []RoomRef {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	out := make([]RoomRef, 0, len(rd.rooms))
	for _, ref := range rd.rooms {
		out = append(out, ref)
	}
	return out
}

// RoomByName looks a room up by name, case-sensitively first, then with a
// case-insensitive scan.
func (rd *RoomDirectory) RoomByName(name string) (RoomRef, bool) {
	rd.mu.RLock()
	defer rd.mu.RUnlock()
	if ref, ok := rd.rooms[name]; ok {
		return ref, true
	}
	for k, ref := range rd.rooms {
		if strings.EqualFold(k, name) {
			return ref, true
		}
	}
	return RoomRef{}, false
}

func (rd *RoomDirectory) add(ref RoomRef) {
	rd.mu.Lock()
	rd.rooms[ref.Name] = ref
	rd.mu.Unlock()
}

// CreateRoomInSpace creates a restricted room parented to the space. The
// avatar, when set, must already be an mxc URI. A 403 means the bot lacks
// space-admin rights and is logged distinctly.
func (rd *RoomDirectory) CreateRoomInSpace(ctx context.Context, name, topic string, avatar id.ContentURI, allowGuests bool) (id.RoomID, error) {
	guestAccess := event.GuestAccessForbidden
	if allowGuests {
		guestAccess = event.GuestAccessCanJoin
	}
	initialState := []*event.Event{
		{
			Type:     event.StateSpaceParent,
			StateKey: ptr.Ptr(rd.cfg.Space.RoomID.String()),
			Content: event.Content{Parsed: &event.SpaceParentEventContent{
				Via:       []string{rd.cfg.Homeserver.Domain},
				Canonical: true,
			}},
		},
		{
			Type:     event.StateJoinRules,
			StateKey: ptr.Ptr(""),
			Content: event.Content{Parsed: &event.JoinRulesEventContent{
				JoinRule: event.JoinRuleRestricted,
				Allow: []event.JoinRuleAllow{{
					RoomID: rd.cfg.Space.RoomID,
					Type:   event.JoinRuleAllowRoomMembership,
				}},
			}},
		},
		{
			Type:     event.StateGuestAccess,
			StateKey: ptr.Ptr(""),
			Content: event.Content{Parsed: &event.GuestAccessEventContent{
				GuestAccess: guestAccess,
			}},
		},
	}
	if !avatar.IsEmpty() {
		initialState = append(initialState, &event.Event{
			Type:     event.StateRoomAvatar,
			StateKey: ptr.Ptr(""),
			Content: event.Content{Parsed: &event.RoomAvatarEventContent{
				URL: avatar.CUString(),
			}},
		})
	}

	var resp *mautrix.RespCreateRoom
	err := rd.exec.Do(ctx, "create-room", func(ctx context.Context) error {
		var err error
		resp, err = rd.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Name:         name,
			Topic:        topic,
			Visibility:   "private",
			Preset:       "private_chat",
			InitialState: initialState,
		})
		return err
	})
	if err != nil {
		if isForbidden(err) {
			rd.log.Error().Str("room", name).
				Msg("Room creation forbidden: the bot lacks admin rights on the space")
		}
		return "", fmt.Errorf("creating room %s: %w", name, err)
	}

	// Register the room as a child of the space. Failure here is not
	// fatal: the canonical parent event is already in place.
	err = rd.exec.Do(ctx, "space-child", func(ctx context.Context) error {
		_, err := rd.client.SendStateEvent(ctx, rd.cfg.Space.RoomID, event.StateSpaceChild, resp.RoomID.String(),
			&event.SpaceChildEventContent{Via: []string{rd.cfg.Homeserver.Domain}})
		return err
	})
	if err != nil {
		rd.log.Warn().Err(err).Str("room", name).
			Msg("Failed to add space-child event for new room")
	}

	ref := RoomRef{ID: resp.RoomID, Name: name, Topic: topic}
	rd.add(ref)
	rd.log.Info().Str("room", name).Str("room_id", resp.RoomID.String()).Msg("Created room in space")
	return resp.RoomID, nil
}

// FindOrCreateDM returns a direct-message room with the given user,
// creating a trusted private chat when none exists.
func (rd *RoomDirectory) FindOrCreateDM(ctx context.Context, memberships *MembershipCache, user id.UserID) (id.RoomID, error) {
	var joined *mautrix.RespJoinedRooms
	err := rd.exec.Do(ctx, "joined-rooms", func(ctx context.Context) error {
		var err error
		joined, err = rd.client.JoinedRooms(ctx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("listing joined rooms: %w", err)
	}
	for _, roomID := range joined.JoinedRooms {
		members, err := memberships.JoinedMembers(ctx, roomID)
		if err != nil {
			continue
		}
		if len(members) == 2 && containsUser(members, user) && containsUser(members, rd.client.UserID) {
			return roomID, nil
		}
	}

	var resp *mautrix.RespCreateRoom
	err = rd.exec.Do(ctx, "create-dm", func(ctx context.Context) error {
		var err error
		resp, err = rd.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Preset:      "trusted_private_chat",
			Visibility:  "private",
			IsDirect:    true,
			RoomVersion: "10",
			Invite:      []id.UserID{user},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating DM with %s: %w", user, err)
	}
	rd.log.Info().Str("user_id", user.String()).Str("room_id", resp.RoomID.String()).Msg("Created DM room")
	return resp.RoomID, nil
}

func containsUser(users []id.UserID, target id.UserID) bool {
	for _, u := range users {
		if u == target {
			return true
		}
	}
	return false
}
