// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-assistant is a Matrix community assistant bot. On startup
// it provisions the configured rooms inside a community space, synchronizes
// the resident roster into the homeserver's user directory, and then answers
// direct messages and mentions, optionally through an OpenAI-compatible
// language model with room inspection tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/matrix-assistant/pkg/assistant"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	writeExampleConfig := flag.Bool("example-config", false, "print the example config and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("matrix-assistant %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExampleConfig {
		fmt.Print(assistant.ExampleConfig)
		return
	}

	cfg, err := assistant.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting matrix-assistant")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *log); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Assistant exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *assistant.Config, log zerolog.Logger) error {
	resolver := assistant.NewCredentialResolver(cfg, log)
	cred, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	client, err := assistant.NewBotClient(ctx, cfg, cred, log)
	if err != nil {
		return err
	}

	exec := assistant.NewExecutor(log)
	userExec := assistant.NewExecutor(log)
	userExec.DefaultRetryAfter = 3 * time.Second

	rooms := assistant.NewRoomDirectory(cfg, client, exec, log)
	memberships := assistant.NewMembershipCache(client, exec, log)
	media := assistant.NewMediaService(client, exec, log)
	messenger := assistant.NewMessenger(cfg, client, exec, log)
	directory := assistant.NewDirectoryClient(cfg, log)
	users := assistant.NewUserSynchronizer(cfg, directory, client, userExec, log)

	initializer := assistant.NewInitializer(cfg, client, rooms, memberships, users, media, messenger, log)
	stats, err := initializer.Run(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("rooms_created", stats.RoomsCreated).
		Int("users_created", stats.UsersCreated).
		Msg("Initialization finished, entering sync loop")

	loop := assistant.NewSyncLoop(cfg, client, memberships, messenger, nil, log)
	if cfg.LLM.APIKey != "" {
		registry := assistant.NewToolRegistry(log)
		assistant.RegisterBuiltinTools(registry, assistant.ToolDeps{
			Cfg:         cfg,
			Directory:   rooms,
			Memberships: memberships,
			Status:      loop.Status,
		})
		loop.SetBridge(assistant.NewAIBridge(cfg.LLM, registry, log))
	}

	return loop.Run(ctx)
}
