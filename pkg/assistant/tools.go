// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ToolContent is a single content block in a tool result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is what a tool invocation returns to the model. Failed
// invocations set IsError and carry the error text as content, so the
// model can recover instead of the conversation aborting.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult wraps plain text in a successful ToolResult.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error message in a failed ToolResult.
func ErrorResult(format string, args ...any) ToolResult {
	return ToolResult{
		Content: []ToolContent{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func (tr ToolResult) encode() string {
	data, err := json.Marshal(tr)
	if err != nil {
		return `{"content":[{"type":"text","text":"failed to encode tool result"}],"isError":true}`
	}
	return string(data)
}

// ToolDefinition describes one tool exposed to the language model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, args map[string]any) ToolResult
}

// ToolInvocation is a single tool call requested by the model.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments string
}

// ToolRegistry holds the tools the assistant can invoke and dispatches
// model tool calls to them.
type ToolRegistry struct {
	log   zerolog.Logger
	tools map[string]ToolDefinition
	order []string
}

func NewToolRegistry(log zerolog.Logger) *ToolRegistry {
	return &ToolRegistry{
		log:   log.With().Str("component", "tools").Logger(),
		tools: make(map[string]ToolDefinition),
	}
}

// Register adds a tool. Re-registering a name replaces the previous
// definition but keeps its position.
func (tr *ToolRegistry) Register(def ToolDefinition) {
	if _, ok := tr.tools[def.Name]; !ok {
		tr.order = append(tr.order, def.Name)
	}
	tr.tools[def.Name] = def
}

// Definitions returns the registered tools in registration order.
func (tr *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(tr.order))
	for _, name := range tr.order {
		defs = append(defs, tr.tools[name])
	}
	return defs
}

// Dispatch executes a single tool invocation. Unknown tools and
// argument parse failures produce error results rather than hard
// errors so a confused model gets feedback it can act on.
func (tr *ToolRegistry) Dispatch(ctx context.Context, inv ToolInvocation) ToolResult {
	traceID := uuid.NewString()
	log := tr.log.With().
		Str("trace_id", traceID).
		Str("tool", inv.Name).
		Str("tool_call_id", inv.ID).
		Logger()
	def, ok := tr.tools[inv.Name]
	if !ok {
		log.Warn().Msg("Model requested unknown tool")
		return ErrorResult("%v: %s", ErrToolNotFound, inv.Name)
	}
	args := make(map[string]any)
	if strings.TrimSpace(inv.Arguments) != "" {
		if err := json.Unmarshal([]byte(inv.Arguments), &args); err != nil {
			log.Warn().Err(err).Msg("Failed to parse tool arguments")
			return ErrorResult("invalid arguments for %s: %v", inv.Name, err)
		}
	}
	log.Debug().Any("args", args).Msg("Executing tool")
	result := def.Execute(ctx, args)
	if result.IsError {
		log.Warn().Msg("Tool returned an error result")
	} else {
		log.Debug().Msg("Tool executed")
	}
	return result
}

// ToolDeps carries the services the builtin tools read from.
type ToolDeps struct {
	Cfg         *Config
	Directory   *RoomDirectory
	Memberships *MembershipCache
	Status      func() SyncStatus
}

func stringArg(args map[string]any, key string) string {
	val, _ := args[key].(string)
	return val
}

// RegisterBuiltinTools registers the room inspection tools backed by
// the directory and membership cache.
func RegisterBuiltinTools(reg *ToolRegistry, deps ToolDeps) {
	reg.Register(ToolDefinition{
		Name:        "list_rooms",
		Description: "List the rooms in the building space with their topics.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) ToolResult {
			rooms := deps.Directory.Rooms()
			if len(rooms) == 0 {
				return TextResult("No rooms found in the space.")
			}
			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("# Rooms (%d)\n\n", len(rooms)))
			for _, room := range rooms {
				sb.WriteString(fmt.Sprintf("- **%s**", room.Name))
				if room.Topic != "" {
					sb.WriteString(fmt.Sprintf(": %s", room.Topic))
				}
				sb.WriteString("\n")
			}
			return TextResult(sb.String())
		},
	})
	reg.Register(ToolDefinition{
		Name:        "get_room_info",
		Description: "Get details about a room by name, including its topic and member count.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The room name to look up.",
				},
			},
			"required": []string{"name"},
		},
		Execute: func(ctx context.Context, args map[string]any) ToolResult {
			name := stringArg(args, "name")
			if name == "" {
				return ErrorResult("missing required argument: name")
			}
			room, ok := deps.Directory.RoomByName(name)
			if !ok {
				return ErrorResult("no room named %q in the space", name)
			}
			joined, err := deps.Memberships.JoinedMembers(ctx, room.ID)
			if err != nil {
				return ErrorResult("failed to load members of %q: %v", name, err)
			}
			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("# %s\n\n", room.Name))
			sb.WriteString(fmt.Sprintf("- Room ID: `%s`\n", room.ID))
			if room.Topic != "" {
				sb.WriteString(fmt.Sprintf("- Topic: %s\n", room.Topic))
			}
			sb.WriteString(fmt.Sprintf("- Joined members: %d\n", len(joined)))
			return TextResult(sb.String())
		},
	})
	reg.Register(ToolDefinition{
		Name:        "list_pending_invitations",
		Description: "Count residents who have been invited to rooms but have not joined yet.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) ToolResult {
			rooms := deps.Directory.Rooms()
			users := make([]id.UserID, 0, len(deps.Cfg.Users))
			for _, pu := range deps.Cfg.Users {
				users = append(users, id.NewUserID(NormalizeUsername(pu.Username), deps.Cfg.Homeserver.Domain))
			}
			pending := deps.Memberships.PendingInvitations(users, rooms)
			if pending == 0 {
				return TextResult("No pending invitations.")
			}
			return TextResult(fmt.Sprintf("%d invitations are still pending across %d rooms.", pending, len(rooms)))
		},
	})
	reg.Register(ToolDefinition{
		Name:        "get_sync_status",
		Description: "Report the assistant's sync loop status: polls, messages handled, and failures.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Execute: func(ctx context.Context, args map[string]any) ToolResult {
			if deps.Status == nil {
				return ErrorResult("sync status is not available")
			}
			st := deps.Status()
			var sb strings.Builder
			sb.WriteString("# Sync status\n\n")
			sb.WriteString(fmt.Sprintf("- Running: %t\n", st.Running))
			sb.WriteString(fmt.Sprintf("- Polls: %d\n", st.Polls))
			sb.WriteString(fmt.Sprintf("- Messages handled: %d\n", st.MessagesHandled))
			sb.WriteString(fmt.Sprintf("- Invitations accepted: %d\n", st.InvitesAccepted))
			sb.WriteString(fmt.Sprintf("- Consecutive failures: %d\n", st.ConsecutiveFailures))
			if !st.LastPoll.IsZero() {
				sb.WriteString(fmt.Sprintf("- Last poll: %s\n", st.LastPoll.UTC().Format("2006-01-02 15:04:05 MST")))
			}
			return TextResult(sb.String())
		},
	})
}
