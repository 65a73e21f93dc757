// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix/id"
)

// AIBridge turns inbound room messages into model completions,
// running registered tools when the model asks for them.
type AIBridge struct {
	cfg  LLMConfig
	api  openai.Client
	reg  *ToolRegistry
	log  zerolog.Logger
	hist *exsync.Map[id.RoomID, *roomHistory]
}

// roomHistory is the per-room conversation window fed back to the
// model. Only final text turns are kept; tool exchanges are not
// replayed across messages.
type roomHistory struct {
	mu       sync.Mutex
	messages []openai.ChatCompletionMessageParamUnion
}

func NewAIBridge(cfg LLMConfig, reg *ToolRegistry, log zerolog.Logger) *AIBridge {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AIBridge{
		cfg:  cfg,
		api:  openai.NewClient(opts...),
		reg:  reg,
		log:  log.With().Str("component", "ai").Logger(),
		hist: exsync.NewMap[id.RoomID, *roomHistory](),
	}
}

// Enabled reports whether the bridge has a usable model configuration.
func (b *AIBridge) Enabled() bool {
	return b != nil && b.cfg.APIKey != ""
}

func (b *AIBridge) toolParams() []openai.ChatCompletionToolParam {
	defs := b.reg.Definitions()
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(def.Parameters),
			},
		})
	}
	return tools
}

func (b *AIBridge) history(roomID id.RoomID) *roomHistory {
	hist, _ := b.hist.GetOrSet(roomID, &roomHistory{})
	return hist
}

func (rh *roomHistory) snapshot(limit int) []openai.ChatCompletionMessageParamUnion {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	msgs := rh.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]openai.ChatCompletionMessageParamUnion, len(msgs))
	copy(out, msgs)
	return out
}

func (rh *roomHistory) append(limit int, msgs ...openai.ChatCompletionMessageParamUnion) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.messages = append(rh.messages, msgs...)
	if limit > 0 && len(rh.messages) > limit {
		rh.messages = rh.messages[len(rh.messages)-limit:]
	}
}

// Respond runs the completion loop for one inbound message and returns
// the model's final text. Tool calls are executed between rounds; a
// failing tool feeds an error result back to the model rather than
// aborting the turn.
func (b *AIBridge) Respond(ctx context.Context, roomID id.RoomID, sender id.UserID, text string) (string, error) {
	log := b.log.With().
		Stringer("room_id", roomID).
		Stringer("sender", sender).
		Logger()

	hist := b.history(roomID)
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, b.cfg.ContextMessages+4)
	if b.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(b.cfg.SystemPrompt))
	}
	messages = append(messages, hist.snapshot(b.cfg.ContextMessages)...)
	userMsg := openai.UserMessage(text)
	messages = append(messages, userMsg)

	tools := b.toolParams()
	maxRounds := b.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	for round := 0; round < maxRounds; round++ {
		params := openai.ChatCompletionNewParams{
			Model:    b.cfg.Model,
			Messages: messages,
		}
		if len(tools) > 0 {
			params.Tools = tools
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openai.String("auto"),
			}
		}
		completion, err := b.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", fmt.Errorf("completion request failed: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("completion returned no choices")
		}
		msg := completion.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			hist.append(b.cfg.ContextMessages, userMsg, openai.AssistantMessage(msg.Content))
			log.Debug().Int("rounds", round+1).Msg("Completion finished")
			return msg.Content, nil
		}

		messages = append(messages, msg.ToParam())
		for _, tc := range msg.ToolCalls {
			result := b.reg.Dispatch(ctx, ToolInvocation{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
			if result.IsError {
				detail := ""
				if len(result.Content) > 0 {
					detail = result.Content[0].Text
				}
				log.Warn().
					Err(&ToolExecutionError{Tool: tc.Function.Name, Err: fmt.Errorf("%s", detail)}).
					Msg("Tool call produced an error result")
			}
			messages = append(messages, openai.ToolMessage(result.encode(), tc.ID))
		}
	}

	return "", fmt.Errorf("completion did not settle within %d tool rounds", maxRounds)
}
