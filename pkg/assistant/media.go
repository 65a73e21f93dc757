// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AvatarResult classifies the outcome of an avatar reconciliation.
type AvatarResult int

const (
	AvatarSkipped AvatarResult = iota
	AvatarUpdated
	AvatarFailed
)

// MediaService uploads avatar images to the media repo and reconciles bot
// and room avatars against their configured sources. Images already in
// place are detected by content hash so the media repo is not churned on
// every initialization.
type MediaService struct {
	client *mautrix.Client
	exec   *Executor
	http   *http.Client
	log    zerolog.Logger
}

func NewMediaService(client *mautrix.Client, exec *Executor, log zerolog.Logger) *MediaService {
	return &MediaService{
		client: client,
		exec:   exec,
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log.With().Str("component", "media").Logger(),
	}
}

// fetch downloads an http(s) image source.
func (ms *MediaService) fetch(ctx context.Context, srcURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ms.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", srcURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading %s: status %d", srcURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

// UploadFromURL downloads an http(s) image and uploads it to the media
// repo, returning the mxc URI.
func (ms *MediaService) UploadFromURL(ctx context.Context, srcURL string) (id.ContentURI, error) {
	data, err := ms.fetch(ctx, srcURL)
	if err != nil {
		return id.ContentURI{}, err
	}
	var resp *mautrix.RespMediaUpload
	err = ms.exec.Do(ctx, "media-upload", func(ctx context.Context) error {
		var err error
		resp, err = ms.client.UploadBytes(ctx, data, http.DetectContentType(data))
		return err
	})
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("uploading image: %w", err)
	}
	return resp.ContentURI, nil
}

// ResolveImage turns a configured image reference (mxc URI or http URL)
// into an mxc URI, uploading when needed. Empty input yields an empty URI.
func (ms *MediaService) ResolveImage(ctx context.Context, ref string) (id.ContentURI, error) {
	switch {
	case ref == "":
		return id.ContentURI{}, nil
	case strings.HasPrefix(ref, "mxc://"):
		return id.ParseContentURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ms.UploadFromURL(ctx, ref)
	default:
		return id.ContentURI{}, fmt.Errorf("unsupported image reference %q", ref)
	}
}

// sameImage compares an http(s) source against a current mxc avatar by
// SHA-256. A nil result means the comparison itself failed and the caller
// should update to be safe.
func (ms *MediaService) sameImage(ctx context.Context, srcURL string, current id.ContentURI) *bool {
	srcData, err := ms.fetch(ctx, srcURL)
	if err != nil {
		ms.log.Warn().Err(err).Msg("Could not download avatar source for comparison")
		return nil
	}
	curData, err := ms.client.DownloadBytes(ctx, current)
	if err != nil {
		ms.log.Warn().Err(err).Msg("Could not download current avatar for comparison")
		return nil
	}
	same := sha256.Sum256(srcData) == sha256.Sum256(curData)
	return &same
}

// EnsureBotAvatar reconciles the bot's profile avatar with the configured
// source. Matching mxc URIs and hash-identical http sources are skipped;
// a failed comparison forces the update.
func (ms *MediaService) EnsureBotAvatar(ctx context.Context, configured string) AvatarResult {
	if configured == "" {
		return AvatarSkipped
	}
	current, err := ms.client.GetAvatarURL(ctx, ms.client.UserID)
	if err != nil {
		ms.log.Warn().Err(err).Msg("Could not fetch bot profile, updating avatar anyway")
		current = id.ContentURI{}
	}

	if strings.HasPrefix(configured, "mxc://") {
		if current.String() == configured {
			ms.log.Debug().Msg("Bot avatar already set, skipping")
			return AvatarSkipped
		}
	} else if !current.IsEmpty() {
		if same := ms.sameImage(ctx, configured, current); same != nil && *same {
			ms.log.Debug().Msg("Bot avatar image identical to configured source, skipping")
			return AvatarSkipped
		}
	}

	uri, err := ms.ResolveImage(ctx, configured)
	if err != nil {
		ms.log.Error().Err(err).Msg("Failed to resolve bot avatar image")
		return AvatarFailed
	}
	err = ms.exec.Do(ctx, "set-avatar", func(ctx context.Context) error {
		return ms.client.SetAvatarURL(ctx, uri)
	})
	if err != nil {
		ms.log.Error().Err(err).Msg("Failed to set bot avatar")
		return AvatarFailed
	}
	ms.log.Info().Str("avatar", uri.String()).Msg("Updated bot avatar")
	return AvatarUpdated
}

// EnsureRoomAvatar reconciles a room's avatar with its configured image.
func (ms *MediaService) EnsureRoomAvatar(ctx context.Context, roomID id.RoomID, configured string) AvatarResult {
	if configured == "" {
		return AvatarSkipped
	}
	var current event.RoomAvatarEventContent
	err := ms.client.StateEvent(ctx, roomID, event.StateRoomAvatar, "", &current)
	if err != nil && !isNotFound(err) {
		ms.log.Warn().Err(err).Str("room_id", roomID.String()).
			Msg("Could not fetch current room avatar, updating anyway")
	}

	if strings.HasPrefix(configured, "mxc://") && string(current.URL) == configured {
		return AvatarSkipped
	}
	if strings.HasPrefix(configured, "http") && current.URL != "" {
		curURI, parseErr := current.URL.Parse()
		if parseErr == nil {
			if same := ms.sameImage(ctx, configured, curURI); same != nil && *same {
				return AvatarSkipped
			}
		}
	}

	uri, err := ms.ResolveImage(ctx, configured)
	if err != nil {
		ms.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Failed to resolve room avatar image")
		return AvatarFailed
	}
	err = ms.exec.Do(ctx, "set-room-avatar", func(ctx context.Context) error {
		_, err := ms.client.SendStateEvent(ctx, roomID, event.StateRoomAvatar, "",
			&event.RoomAvatarEventContent{URL: uri.CUString()})
		return err
	})
	if err != nil {
		ms.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Failed to set room avatar")
		return AvatarFailed
	}
	return AvatarUpdated
}
