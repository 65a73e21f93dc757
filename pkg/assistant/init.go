// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	roomCreatePacing = 500 * time.Millisecond
	invitePacing     = 200 * time.Millisecond
)

// InitializationStats counts what initialization did, for the summary
// message and the logs.
type InitializationStats struct {
	RoomsCreated  int
	RoomsExisting int
	RoomErrors    int

	UsersCreated int
	UsersUpdated int
	UserErrors   int

	SpaceInvitations int
	RoomInvitations  int

	PendingInvitations int

	AvatarsUpdated int
	AvatarsSkipped int
	AvatarsFailed  int
}

// Initializer provisions the space contents and synchronizes the portal
// roster on startup. All stages run through the rate-limit executor.
type Initializer struct {
	cfg         *Config
	client      *mautrix.Client
	rooms       *RoomDirectory
	memberships *MembershipCache
	users       *UserSynchronizer
	media       *MediaService
	messenger   *Messenger
	log         zerolog.Logger
}

func NewInitializer(cfg *Config, client *mautrix.Client, rooms *RoomDirectory, memberships *MembershipCache, users *UserSynchronizer, media *MediaService, messenger *Messenger, log zerolog.Logger) *Initializer {
	return &Initializer{
		cfg:         cfg,
		client:      client,
		rooms:       rooms,
		memberships: memberships,
		users:       users,
		media:       media,
		messenger:   messenger,
		log:         log.With().Str("component", "init").Logger(),
	}
}

// Run executes all initialization stages in order. A missing space is
// fatal; everything downstream degrades per item and keeps going.
func (in *Initializer) Run(ctx context.Context) (*InitializationStats, error) {
	stats := &InitializationStats{}
	start := time.Now()

	exists, err := in.rooms.CheckSpaceExists(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to check space: %w", err)
	}
	if !exists {
		return stats, fmt.Errorf("%w: %s", ErrSpaceNotFound, in.cfg.Space.RoomID)
	}

	if err := in.rooms.Load(ctx); err != nil {
		return stats, fmt.Errorf("failed to load room directory: %w", err)
	}
	loaded, errored := in.memberships.Preload(ctx, in.rooms.Rooms())
	in.log.Info().Int("loaded", loaded).Int("errored", errored).Msg("Preloaded room memberships")

	in.createConfiguredRooms(ctx, stats)
	in.synchronizeUsers(ctx, stats)
	in.countPendingInvitations(stats)
	in.updateBotProfile(ctx, stats)
	in.sendSummary(ctx, stats, time.Since(start))
	in.reloadAndDumpStatus(ctx)

	in.log.Info().
		Int("rooms_created", stats.RoomsCreated).
		Int("rooms_existing", stats.RoomsExisting).
		Int("users_created", stats.UsersCreated).
		Int("users_updated", stats.UsersUpdated).
		Int("pending_invitations", stats.PendingInvitations).
		Dur("elapsed", time.Since(start)).
		Msg("Initialization complete")
	return stats, nil
}

func (in *Initializer) createConfiguredRooms(ctx context.Context, stats *InitializationStats) {
	for i, rc := range in.cfg.Space.Rooms {
		if i > 0 {
			if err := sleep(ctx, roomCreatePacing); err != nil {
				return
			}
		}
		log := in.log.With().Str("room", rc.Name).Logger()
		if existing, ok := in.rooms.RoomByName(rc.Name); ok {
			stats.RoomsExisting++
			log.Debug().Stringer("room_id", existing.ID).Msg("Room already exists")
			if rc.Image != "" {
				switch in.media.EnsureRoomAvatar(ctx, existing.ID, rc.Image) {
				case AvatarUpdated:
					stats.AvatarsUpdated++
				case AvatarSkipped:
					stats.AvatarsSkipped++
				case AvatarFailed:
					stats.AvatarsFailed++
				}
			}
			continue
		}
		avatar := id.ContentURI{}
		if rc.Image != "" {
			resolved, err := in.media.ResolveImage(ctx, rc.Image)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to resolve room image, creating without avatar")
				stats.AvatarsFailed++
			} else {
				avatar = resolved
			}
		}
		roomID, err := in.rooms.CreateRoomInSpace(ctx, rc.Name, rc.Topic, avatar, false)
		if err != nil {
			stats.RoomErrors++
			log.Err(err).Msg("Failed to create room")
			continue
		}
		stats.RoomsCreated++
		in.memberships.Set(roomID, in.client.UserID, event.MembershipJoin)
		log.Info().Stringer("room_id", roomID).Msg("Created room")
	}
}

func (in *Initializer) synchronizeUsers(ctx context.Context, stats *InitializationStats) {
	for _, pu := range in.cfg.Users {
		if err := in.synchronizeUser(ctx, pu, stats); err != nil {
			stats.UserErrors++
			in.log.Err(err).Str("username", pu.Username).Msg("Failed to synchronize user")
		}
	}
}

func (in *Initializer) synchronizeUser(ctx context.Context, pu PortalUser, stats *InitializationStats) error {
	user, created, err := in.users.EnsureUser(ctx, pu)
	if err != nil {
		return err
	}
	if created {
		stats.UsersCreated++
	}

	userID := in.users.MatrixUserID(user)
	if err := in.users.UpdateProfile(ctx, userID, DisplayName(pu)); err != nil {
		in.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to update displayname")
	} else {
		stats.UsersUpdated++
	}

	invited, err := in.memberships.Invite(ctx, in.cfg.Space.RoomID, userID)
	if err != nil {
		in.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to invite to space")
	} else if invited {
		stats.SpaceInvitations++
	}

	for _, name := range in.roomsForUser(pu) {
		room, ok := in.rooms.RoomByName(name)
		if !ok {
			in.log.Debug().Str("room", name).Msg("Invitation target room not found, skipping")
			continue
		}
		if err := sleep(ctx, invitePacing); err != nil {
			return err
		}
		invited, err := in.memberships.Invite(ctx, room.ID, userID)
		if err != nil {
			in.log.Warn().Err(err).
				Stringer("user_id", userID).
				Str("room", name).
				Msg("Failed to invite to room")
			continue
		}
		if invited {
			stats.RoomInvitations++
		}
	}
	return nil
}

// roomsForUser applies the role policy. Property management only ever
// joins the management room; residents get every auto-join room plus
// their building room; owners additionally get the owner room.
func (in *Initializer) roomsForUser(pu PortalUser) []string {
	space := in.cfg.Space
	if pu.Role == RolePropertyManagement {
		return []string{space.ManagementRoom}
	}
	var names []string
	for _, rc := range space.Rooms {
		if rc.AutoJoinEnabled() {
			names = append(names, rc.Name)
		}
	}
	if letter := buildingLetter(pu.UnitName); letter != "" {
		names = append(names, space.BuildingRoomPrefix+letter)
	}
	if pu.Role == RoleOwner {
		names = append(names, space.OwnerRoom)
	}
	return names
}

// buildingLetter extracts the building code from a unit name like
// "A12" or "b-304".
func buildingLetter(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return ""
	}
	r := rune(unit[0])
	if !unicode.IsLetter(r) {
		return ""
	}
	return strings.ToUpper(string(r))
}

func (in *Initializer) countPendingInvitations(stats *InitializationStats) {
	users := make([]id.UserID, 0, len(in.cfg.Users))
	for _, pu := range in.cfg.Users {
		users = append(users, id.NewUserID(NormalizeUsername(pu.Username), in.cfg.Homeserver.Domain))
	}
	stats.PendingInvitations = in.memberships.PendingInvitations(users, in.rooms.Rooms())
}

func (in *Initializer) updateBotProfile(ctx context.Context, stats *InitializationStats) {
	if in.cfg.Bot.Displayname != "" {
		err := in.users.UpdateProfile(ctx, in.client.UserID, in.cfg.Bot.Displayname)
		if err != nil {
			in.log.Warn().Err(err).Msg("Failed to update bot displayname")
		}
	}
	if in.cfg.Bot.AvatarURL == "" {
		return
	}
	switch in.media.EnsureBotAvatar(ctx, in.cfg.Bot.AvatarURL) {
	case AvatarUpdated:
		stats.AvatarsUpdated++
	case AvatarSkipped:
		stats.AvatarsSkipped++
	case AvatarFailed:
		stats.AvatarsFailed++
	}
}

func (in *Initializer) summaryAdmins() []id.UserID {
	if admins := in.cfg.Space.SummaryAdminList(); len(admins) > 0 {
		return admins
	}
	var admins []id.UserID
	for _, pu := range in.cfg.Users {
		if pu.Admin {
			admins = append(admins, id.NewUserID(NormalizeUsername(pu.Username), in.cfg.Homeserver.Domain))
		}
	}
	return admins
}

func (in *Initializer) sendSummary(ctx context.Context, stats *InitializationStats, elapsed time.Duration) {
	name := in.cfg.Space.SummaryRoom
	if name == "" {
		return
	}
	room, ok := in.rooms.RoomByName(name)
	if !ok {
		roomID, err := in.rooms.CreateRoomInSpace(ctx, name, "Assistant status reports", id.ContentURI{}, false)
		if err != nil {
			in.log.Err(err).Str("room", name).Msg("Failed to create summary room")
			return
		}
		room = RoomRef{ID: roomID, Name: name}
		in.memberships.Set(roomID, in.client.UserID, event.MembershipJoin)
	}
	if err := in.memberships.JoinAsBot(ctx, room.ID); err != nil {
		in.log.Warn().Err(err).Msg("Failed to join summary room")
	}
	for _, admin := range in.summaryAdmins() {
		if _, err := in.memberships.Invite(ctx, room.ID, admin); err != nil {
			in.log.Warn().Err(err).Stringer("user_id", admin).Msg("Failed to invite admin to summary room")
		}
	}
	if err := in.messenger.SendMarkdown(ctx, room.ID, formatSummary(stats, elapsed)); err != nil {
		in.log.Err(err).Msg("Failed to send initialization summary")
	}
}

func formatSummary(stats *InitializationStats, elapsed time.Duration) string {
	var sb strings.Builder
	sb.WriteString("## Initialization summary\n\n")
	sb.WriteString(fmt.Sprintf("- Rooms: %d created, %d existing, %d errors\n",
		stats.RoomsCreated, stats.RoomsExisting, stats.RoomErrors))
	sb.WriteString(fmt.Sprintf("- Users: %d created, %d updated, %d errors\n",
		stats.UsersCreated, stats.UsersUpdated, stats.UserErrors))
	sb.WriteString(fmt.Sprintf("- Invitations: %d to the space, %d to rooms, %d still pending\n",
		stats.SpaceInvitations, stats.RoomInvitations, stats.PendingInvitations))
	sb.WriteString(fmt.Sprintf("- Avatars: %d updated, %d skipped, %d failed\n",
		stats.AvatarsUpdated, stats.AvatarsSkipped, stats.AvatarsFailed))
	sb.WriteString(fmt.Sprintf("- Completed in %s\n", elapsed.Round(time.Millisecond)))
	return sb.String()
}

func (in *Initializer) reloadAndDumpStatus(ctx context.Context) {
	if err := in.rooms.Load(ctx); err != nil {
		in.log.Warn().Err(err).Msg("Failed to reload room directory")
		return
	}
	in.memberships.DumpStatus(in.rooms.Rooms())
}
