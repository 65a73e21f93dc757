// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var usernameCleaner = regexp.MustCompile(`[^a-z0-9_]`)

// NormalizeUsername maps a portal username onto the directory's username
// alphabet: lowercase with every other rune replaced by an underscore.
func NormalizeUsername(username string) string {
	return usernameCleaner.ReplaceAllString(strings.ToLower(username), "_")
}

// UserSynchronizer reconciles portal users against the user-directory
// service. Upstream identity links are the primary match key so renamed
// portal accounts do not produce duplicate directory accounts.
type UserSynchronizer struct {
	cfg    *Config
	dir    *DirectoryClient
	client *mautrix.Client
	exec   *Executor
	log    zerolog.Logger

	// identities maps upstream subjects to directory users. Built lazily
	// on the first subject lookup by walking the whole directory.
	identities *exsync.Map[string, DirectoryUser]
	loadOnce   sync.Once
	loadErr    error
}

func NewUserSynchronizer(cfg *Config, dir *DirectoryClient, client *mautrix.Client, exec *Executor, log zerolog.Logger) *UserSynchronizer {
	return &UserSynchronizer{
		cfg:        cfg,
		dir:        dir,
		client:     client,
		exec:       exec,
		log:        log.With().Str("component", "usersync").Logger(),
		identities: exsync.NewMap[string, DirectoryUser](),
	}
}

// loadIdentityCache walks every directory user's upstream links and indexes
// them by subject. Links are only trusted when their provider matches the
// configured one; the provider filter is passed to the API only when the
// configured ID is a well-formed ULID.
func (us *UserSynchronizer) loadIdentityCache(ctx context.Context) error {
	us.loadOnce.Do(func() {
		providerFilter := ""
		if _, err := ulid.ParseStrict(us.cfg.Directory.ProviderID); err == nil {
			providerFilter = us.cfg.Directory.ProviderID
		} else if us.cfg.Directory.ProviderID != "" {
			us.log.Warn().Str("provider_id", us.cfg.Directory.ProviderID).
				Msg("Configured provider ID is not a valid ULID, filtering links client-side")
		}

		users, err := us.dir.ListAllUsers(ctx)
		if err != nil {
			us.loadErr = fmt.Errorf("listing directory users: %w", err)
			return
		}
		var linked int
		for _, user := range users {
			links, err := us.dir.ListUpstreamLinks(ctx, LinkFilter{UserID: user.ID, ProviderID: providerFilter})
			if err != nil {
				us.log.Warn().Err(err).Str("user_id", user.ID).
					Msg("Failed to list upstream links for user")
				continue
			}
			for _, link := range links {
				if providerFilter == "" && link.ProviderID != us.cfg.Directory.ProviderID {
					continue
				}
				us.identities.Set(link.Subject, user)
				linked++
			}
		}
		us.log.Info().Int("users", len(users)).Int("links", linked).
			Msg("Loaded directory identity cache")
	})
	return us.loadErr
}

// FindUser looks a portal user up in the directory: by upstream subject
// first, then by normalized username.
func (us *UserSynchronizer) FindUser(ctx context.Context, pu PortalUser) (*DirectoryUser, error) {
	if pu.ExternalSubject != "" {
		if err := us.loadIdentityCache(ctx); err != nil {
			return nil, err
		}
		if user, ok := us.identities.Get(pu.ExternalSubject); ok {
			return &user, nil
		}
	}
	return us.dir.GetUserByUsername(ctx, NormalizeUsername(pu.Username))
}

// EnsureUser finds or creates the directory account for a portal user.
// A create conflict is recovered through a username lookup; as a last
// resort a directory-less user is synthesized so the caller can still
// derive the Matrix user ID. Emails and upstream links are attached only
// to accounts this call created, with conflicts tolerated.
func (us *UserSynchronizer) EnsureUser(ctx context.Context, pu PortalUser) (user *DirectoryUser, created bool, err error) {
	username := NormalizeUsername(pu.Username)
	user, err = us.FindUser(ctx, pu)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	user, err = us.dir.CreateUser(ctx, username)
	if isDirectoryConflict(err) {
		us.log.Info().Str("username", username).
			Msg("Directory user already exists, recovering via username lookup")
		user, err = us.dir.GetUserByUsername(ctx, username)
		if err != nil {
			return nil, false, err
		}
		if user == nil {
			// The directory claims a conflict but will not return the
			// account. Synthesize enough for Matrix-side operations.
			us.log.Warn().Str("username", username).
				Msg("Conflicting directory user not retrievable, synthesizing")
			return &DirectoryUser{Username: username}, false, nil
		}
		return user, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating directory user %s: %w", username, err)
	}
	us.log.Info().Str("username", username).Str("user_id", user.ID).Msg("Created directory user")

	if pu.Email != "" {
		if err := us.ensureEmail(ctx, user.ID, pu.Email); err != nil {
			us.log.Warn().Err(err).Str("username", username).Msg("Failed to attach email")
		}
	}
	if pu.ExternalSubject != "" {
		err := us.dir.AddUpstreamLink(ctx, us.cfg.Directory.ProviderID, pu.ExternalSubject, user.ID)
		if err != nil && !isDirectoryConflict(err) {
			us.log.Warn().Err(err).Str("username", username).Msg("Failed to attach upstream link")
		} else {
			us.identities.Set(pu.ExternalSubject, *user)
		}
	}
	return user, true, nil
}

func (us *UserSynchronizer) ensureEmail(ctx context.Context, userID, email string) error {
	existing, err := us.dir.ListUserEmails(ctx, userID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if strings.EqualFold(e.Email, email) {
			return nil
		}
	}
	err = us.dir.AddUserEmail(ctx, userID, email)
	if isDirectoryConflict(err) {
		return nil
	}
	return err
}

// MatrixUserID derives the Matrix user ID of a directory account.
func (us *UserSynchronizer) MatrixUserID(user *DirectoryUser) id.UserID {
	return id.NewUserID(user.Username, us.cfg.Homeserver.Domain)
}

// DisplayName renders the portal display name: "First Last [Unit]".
func DisplayName(pu PortalUser) string {
	name := strings.TrimSpace(strings.TrimSpace(pu.FirstName) + " " + strings.TrimSpace(pu.LastName))
	if name == "" {
		name = pu.Username
	}
	if pu.UnitName != "" {
		name = fmt.Sprintf("%s [%s]", name, pu.UnitName)
	}
	return name
}

// UpdateProfile sets another user's displayname through the client-server
// profile endpoint. The bot's credential must be allowed to administer
// profiles on the homeserver.
func (us *UserSynchronizer) UpdateProfile(ctx context.Context, userID id.UserID, displayname string) error {
	return us.exec.Do(ctx, "set-displayname", func(ctx context.Context) error {
		urlPath := us.client.BuildClientURL("v3", "profile", userID, "displayname")
		_, err := us.client.MakeRequest(ctx, "PUT", urlPath, map[string]string{
			"displayname": displayname,
		}, nil)
		return err
	})
}
