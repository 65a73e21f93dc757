// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Role classifies a portal user for room invitation policy.
type Role string

const (
	RoleResident           Role = "resident"
	RoleOwner              Role = "owner"
	RolePropertyManagement Role = "property_management"
)

// Config is the top-level assistant configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Bot        BotConfig         `yaml:"bot"`
	Auth       AuthConfig        `yaml:"auth"`
	Space      SpaceConfig       `yaml:"space"`
	Directory  DirectoryConfig   `yaml:"directory"`
	Sync       SyncConfig        `yaml:"sync"`
	LLM        LLMConfig         `yaml:"llm"`
	Users      []PortalUser      `yaml:"users"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// HomeserverConfig identifies the Matrix homeserver.
type HomeserverConfig struct {
	// URL is the client-server API base URL. A bare hostname is
	// normalized to https:// in PostProcess.
	URL    string `yaml:"url"`
	Domain string `yaml:"domain"`
}

// BotConfig describes the bot's own account and profile.
type BotConfig struct {
	UserID      id.UserID `yaml:"user_id"`
	Displayname string    `yaml:"displayname"`
	// AvatarURL may be an mxc:// URI or an http(s) URL. HTTP sources are
	// uploaded to the media repo during initialization.
	AvatarURL string `yaml:"avatar_url"`
}

// AuthConfig holds the credential sources, in resolution priority order.
// All token fields can be overridden from the environment (see
// applySecretOverrides) so secrets never need to live in the config file.
type AuthConfig struct {
	AccessToken    string `yaml:"access_token"`
	PermanentToken string `yaml:"permanent_token"`
	// AdminToken is a homeserver-admin token used to mint a permanent
	// token for the bot user when none is configured.
	AdminToken string `yaml:"admin_token"`
	// FallbackToken is an interactive-flow token. It works for reads but
	// is expected to fail on event sends; using it marks the credential
	// as degraded.
	FallbackToken string       `yaml:"fallback_token"`
	OAuth2        OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config is the client-credentials grant used for the user-directory
// admin API.
type OAuth2Config struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	TokenEndpoint string `yaml:"token_endpoint"`
	Scope         string `yaml:"scope"`
}

// RoomConfig describes one room the bot provisions inside the space.
type RoomConfig struct {
	Name  string `yaml:"name"`
	Topic string `yaml:"topic"`
	// Image may be an mxc:// URI or an http(s) URL for the room avatar.
	Image string `yaml:"image"`
	// AutoJoin rooms are the ones every synchronized user is invited to.
	// Defaults to true.
	AutoJoin *bool `yaml:"auto_join"`
}

// AutoJoinEnabled reports whether users are auto-invited to this room.
func (rc *RoomConfig) AutoJoinEnabled() bool {
	return rc.AutoJoin == nil || *rc.AutoJoin
}

// SpaceConfig describes the community space and the invitation policy rooms.
type SpaceConfig struct {
	RoomID id.RoomID    `yaml:"room_id"`
	Rooms  []RoomConfig `yaml:"rooms"`
	// BuildingRoomPrefix combined with the building letter parsed from a
	// unit name yields the per-building room name. Defaults to "Batiment".
	BuildingRoomPrefix string `yaml:"building_room_prefix"`
	OwnerRoom          string `yaml:"owner_room"`
	ManagementRoom     string `yaml:"management_room"`
	SummaryRoom        string `yaml:"summary_room"`
	// SummaryAdmins is a comma-separated list of Matrix user IDs invited
	// to the summary room. Empty falls back to portal users flagged admin.
	SummaryAdmins string `yaml:"summary_admins"`
}

// DirectoryConfig points at the user-directory admin API.
type DirectoryConfig struct {
	URL string `yaml:"url"`
	// ProviderID is the upstream OAuth provider whose links identify
	// portal users. Must be a ULID.
	ProviderID string `yaml:"provider_id"`
	PageSize   int    `yaml:"page_size"`
}

// SyncConfig tunes the long-poll loop. All values are milliseconds.
type SyncConfig struct {
	PollIntervalMS   int `yaml:"poll_interval_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	TypingTimeoutMS  int `yaml:"typing_timeout_ms"`
}

// LLMConfig configures the tool-call bridge. The bridge is enabled when an
// API key is present.
type LLMConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	SystemPrompt    string `yaml:"system_prompt"`
	MaxToolRounds   int    `yaml:"max_tool_rounds"`
	ContextMessages int    `yaml:"context_messages"`
}

// PortalUser is one entry of the portal roster synchronized into the
// user-directory service.
type PortalUser struct {
	Username  string `yaml:"username"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Email     string `yaml:"email"`
	// UnitName is the portal unit label, e.g. "A12" or "B-304". The
	// leading letter selects the per-building room.
	UnitName string `yaml:"unit_name"`
	Role     Role   `yaml:"role"`
	Admin    bool   `yaml:"admin"`
	// ExternalSubject is the upstream identity-provider subject used to
	// match an existing directory account.
	ExternalSubject string `yaml:"external_subject"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// secretOverrides are environment variables that take precedence over the
// corresponding config file fields.
type secretOverrides struct {
	AccessToken        string `env:"MATRIX_ACCESS_TOKEN"`
	PermanentToken     string `env:"MATRIX_BOT_PERMANENT_TOKEN"`
	AdminToken         string `env:"MATRIX_ADMIN_TOKEN"`
	FallbackToken      string `env:"MATRIX_FALLBACK_TOKEN"`
	OAuth2ClientSecret string `env:"MATRIX_OAUTH2_CLIENT_SECRET"`
	LLMAPIKey          string `env:"LLM_API_KEY"`
}

func (c *Config) applySecretOverrides() error {
	var sec secretOverrides
	if err := env.Parse(&sec); err != nil {
		return fmt.Errorf("parsing secret overrides: %w", err)
	}
	if sec.AccessToken != "" {
		c.Auth.AccessToken = sec.AccessToken
	}
	if sec.PermanentToken != "" {
		c.Auth.PermanentToken = sec.PermanentToken
	}
	if sec.AdminToken != "" {
		c.Auth.AdminToken = sec.AdminToken
	}
	if sec.FallbackToken != "" {
		c.Auth.FallbackToken = sec.FallbackToken
	}
	if sec.OAuth2ClientSecret != "" {
		c.Auth.OAuth2.ClientSecret = sec.OAuth2ClientSecret
	}
	if sec.LLMAPIKey != "" {
		c.LLM.APIKey = sec.LLMAPIKey
	}
	return nil
}

// PostProcess normalizes URLs, fills defaults and validates the fields the
// services cannot run without.
func (c *Config) PostProcess() error {
	c.Homeserver.URL = normalizeServerURL(c.Homeserver.URL)
	if c.Homeserver.URL == "" {
		return fmt.Errorf("homeserver.url is required")
	}
	if c.Homeserver.Domain == "" {
		// Derive the server name from the bot user ID when possible.
		if c.Bot.UserID != "" {
			c.Homeserver.Domain = c.Bot.UserID.Homeserver()
		}
		if c.Homeserver.Domain == "" {
			return fmt.Errorf("homeserver.domain is required")
		}
	}
	if c.Space.RoomID == "" {
		return fmt.Errorf("space.room_id is required")
	}
	if c.Space.BuildingRoomPrefix == "" {
		c.Space.BuildingRoomPrefix = "Batiment"
	}
	if c.Space.OwnerRoom == "" {
		c.Space.OwnerRoom = "Proprio"
	}
	if c.Space.ManagementRoom == "" {
		c.Space.ManagementRoom = "Syndic-de-copropriété"
	}
	if c.Space.SummaryRoom == "" {
		c.Space.SummaryRoom = "IT"
	}
	if c.Directory.URL != "" {
		c.Directory.URL = normalizeServerURL(c.Directory.URL)
	}
	if c.Directory.PageSize <= 0 {
		c.Directory.PageSize = 100
	}
	if c.Auth.OAuth2.Scope == "" {
		c.Auth.OAuth2.Scope = "urn:mas:admin"
	}
	if c.Sync.PollIntervalMS <= 0 {
		c.Sync.PollIntervalMS = 5000
	}
	if c.Sync.RequestTimeoutMS <= 0 {
		c.Sync.RequestTimeoutMS = 30000
	}
	if c.Sync.TypingTimeoutMS <= 0 {
		c.Sync.TypingTimeoutMS = 30000
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "mistral-small-latest"
	}
	if c.LLM.MaxToolRounds <= 0 {
		c.LLM.MaxToolRounds = 3
	}
	if c.LLM.ContextMessages <= 0 {
		c.LLM.ContextMessages = 10
	}
	return nil
}

// SummaryAdminList splits the comma-separated admin allow-list.
func (sc *SpaceConfig) SummaryAdminList() []id.UserID {
	if strings.TrimSpace(sc.SummaryAdmins) == "" {
		return nil
	}
	parts := strings.Split(sc.SummaryAdmins, ",")
	admins := make([]id.UserID, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			admins = append(admins, id.UserID(p))
		}
	}
	return admins
}

func normalizeServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// LoadConfig reads and validates a config file, applying environment secret
// overrides on top.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err = cfg.applySecretOverrides(); err != nil {
		return nil, err
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
