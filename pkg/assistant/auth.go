// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// CredentialSource identifies which rung of the priority chain produced
// the bot's token.
type CredentialSource string

const (
	SourceServiceSecret   CredentialSource = "service-secret"
	SourcePermanentToken  CredentialSource = "permanent-token"
	SourceAdminMinted     CredentialSource = "admin-minted"
	SourceInteractiveFlow CredentialSource = "interactive-flow"
)

// BotCredential is the resolved bot identity.
type BotCredential struct {
	Token  string
	UserID id.UserID
	Source CredentialSource
	// Degraded credentials support reads but are expected to fail on
	// event sends. Only the interactive-flow fallback is degraded.
	Degraded bool
}

// CredentialResolver walks the credential priority chain:
// deployment secret, configured permanent token, admin-minted token,
// degraded interactive-flow token.
type CredentialResolver struct {
	cfg  *Config
	log  zerolog.Logger
	http *http.Client
}

func NewCredentialResolver(cfg *Config, log zerolog.Logger) *CredentialResolver {
	return &CredentialResolver{
		cfg:  cfg,
		log:  log.With().Str("component", "credentials").Logger(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve returns the first usable credential, or ErrAuthUnavailable when
// the whole chain comes up empty.
func (r *CredentialResolver) Resolve(ctx context.Context) (*BotCredential, error) {
	auth := r.cfg.Auth
	if auth.AccessToken != "" {
		r.log.Info().Str("token_prefix", tokenPrefix(auth.AccessToken)).
			Msg("Using access token from deployment secret")
		return &BotCredential{Token: auth.AccessToken, UserID: r.cfg.Bot.UserID, Source: SourceServiceSecret}, nil
	}
	if auth.PermanentToken != "" {
		r.log.Info().Str("token_prefix", tokenPrefix(auth.PermanentToken)).
			Msg("Using configured permanent token")
		return &BotCredential{Token: auth.PermanentToken, UserID: r.cfg.Bot.UserID, Source: SourcePermanentToken}, nil
	}
	if auth.AdminToken != "" {
		token, err := r.mintPermanentToken(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("Failed to mint permanent token with admin credential")
		} else {
			r.log.Info().Msg("Minted permanent token for bot user. Store it in MATRIX_BOT_PERMANENT_TOKEN to skip this step on the next start")
			return &BotCredential{Token: token, UserID: r.cfg.Bot.UserID, Source: SourceAdminMinted}, nil
		}
	}
	if auth.FallbackToken != "" {
		r.log.Warn().Msg("Falling back to interactive-flow token. Reads will work but event sends are expected to fail; configure MATRIX_ACCESS_TOKEN or MATRIX_BOT_PERMANENT_TOKEN")
		return &BotCredential{Token: auth.FallbackToken, UserID: r.cfg.Bot.UserID, Source: SourceInteractiveFlow, Degraded: true}, nil
	}
	return nil, ErrAuthUnavailable
}

// mintPermanentToken asks the homeserver admin API for a non-expiring
// login token on behalf of the bot user.
func (r *CredentialResolver) mintPermanentToken(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/_synapse/admin/v1/users/%s/login",
		r.cfg.Homeserver.URL, url.PathEscape(string(r.cfg.Bot.UserID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.Auth.AdminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("admin login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("admin login returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding admin login response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("admin login response had no access_token")
	}
	return parsed.AccessToken, nil
}

// NewBotClient builds the mautrix client for a resolved credential and
// validates it against whoami. A token owned by a different user than
// configured is adopted with a warning rather than rejected.
func NewBotClient(ctx context.Context, cfg *Config, cred *BotCredential, log zerolog.Logger) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver.URL, cred.UserID, cred.Token)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	// The executor owns retries and rate-limit waits.
	client.DefaultHTTPRetries = 0
	client.IgnoreRateLimit = true
	client.Log = log.With().Str("component", "matrix-client").Logger()

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("validating token: %w", err)
	}
	if whoami.UserID != cred.UserID {
		log.Warn().
			Str("configured", cred.UserID.String()).
			Str("reported", whoami.UserID.String()).
			Msg("Token belongs to a different user than configured, adopting the reported owner")
		cred.UserID = whoami.UserID
		client.UserID = whoami.UserID
	}
	return client, nil
}

// adminTokenSource caches the client-credentials token used against the
// user-directory admin API and refreshes it shortly before expiry.
type adminTokenSource struct {
	cfg  OAuth2Config
	log  zerolog.Logger
	http *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAdminTokenSource(cfg OAuth2Config, log zerolog.Logger) *adminTokenSource {
	return &adminTokenSource{
		cfg:  cfg,
		log:  log.With().Str("component", "admin-token").Logger(),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *adminTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > 30*time.Second {
		return s.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"scope":         {s.cfg.Scope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response had no access_token")
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 3600
	}
	s.token = parsed.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	s.log.Info().Time("expires_at", s.expiresAt).Msg("Obtained directory admin token")
	return s.token, nil
}

func tokenPrefix(token string) string {
	if len(token) > 10 {
		return token[:10]
	}
	return token
}
