// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package assistant implements a Matrix community assistant bot built on
// the mautrix client library.
//
// On startup the bot provisions the configured community space: it verifies
// the space exists, discovers the rooms parented to it, creates any missing
// configured rooms, synchronizes portal users into the homeserver's
// user-directory service, and invites each user to the rooms their role
// entitles them to. It then long-polls /sync and answers direct messages
// and mentions, optionally through an LLM tool-call bridge.
//
// # Core Types
//
// [CredentialResolver] resolves the bot's access token from a fixed priority
// chain (deployment secret, permanent token, admin-minted token, degraded
// interactive-flow token).
//
// [Executor] owns the outbound retry policy: server-directed waits on 429
// and bounded exponential backoff on gateway timeouts. The mautrix client's
// built-in retry is disabled so there is exactly one place that sleeps.
//
// [RoomDirectory] caches the name-to-room mapping of the space and creates
// rooms with the space parent, restricted join rules, and guest access
// state the community expects.
//
// [MembershipCache] is the authoritative in-process view of who is in which
// room. Invitations consult it first so re-running initialization against an
// already provisioned space makes no redundant remote calls.
//
// [UserSynchronizer] reconciles portal users against the user-directory
// admin API, deduplicating through upstream identity links.
//
// [SyncLoop] is the long-poll loop. [AIBridge] turns incoming questions
// into LLM chat completions with tool calls served by [ToolRegistry].
//
// # Sub-packages
//
//   - msgfmt renders outgoing markdown to Matrix HTML and detects mentions.
package assistant
