// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge relays HTTP webhook payloads into Matrix rooms.
//
// External services POST to a per-integration URL; the bridge resolves the
// URL token to a target room and sender label, renders the payload in the
// configured format, and delivers it as a Matrix text message. Room
// activity flowing the other way is logged, not forwarded.
//
// # Core Types
//
// [Bridge] is the composition root. It wires the components below and runs
// the chat-sync loop and the webhook server concurrently; the first failure
// of either stops both.
//
// [ChatSession] owns the Matrix client: password login or credential
// restore, room joins, the long-poll sync loop, and message delivery. The
// one-time startup greeting to the admin room is sent from its sync
// callback.
//
// [WebhookListener] serves GET / (liveness) and POST /post/{token}
// (ingestion). Unknown tokens are rejected before the request body is read.
//
// [RoomRouter] holds the static token table mapping integration tokens to
// rooms and sender labels.
//
// [CredentialStore] persists the session identity as a JSON file so
// restarts resume the existing device instead of logging in again.
//
// # Sub-packages
//
//   - payloadfmt renders raw, JSON, or YAML webhook payloads as message
//     text and optionally as Matrix HTML.
package bridge
