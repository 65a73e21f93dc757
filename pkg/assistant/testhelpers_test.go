// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testDomain = "test.local"

var testBotID = id.UserID("@assistant:" + testDomain)

func quietLog() zerolog.Logger {
	return zerolog.Nop()
}

func fastExecutor() *Executor {
	exec := NewExecutor(quietLog())
	exec.BaseWait = 5 * time.Millisecond
	exec.DefaultRetryAfter = 5 * time.Millisecond
	return exec
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// failSpec forces an endpoint to return a canned error. Times < 0 means
// always; otherwise the spec is consumed per matching call.
type failSpec struct {
	Status  int
	ErrCode string
	Extra   map[string]any
	Times   int
}

// fakeHS simulates the subset of the Matrix client-server and Synapse
// admin APIs the assistant talks to.
type fakeHS struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	UserID      id.UserID
	JoinedRooms []id.RoomID
	// RoomState holds raw state events per room, returned by the full
	// state endpoint.
	RoomState map[id.RoomID][]map[string]any
	// KnownSpaces answer the hierarchy endpoint; unknown rooms 404.
	KnownSpaces map[id.RoomID]bool
	// SyncResponses are popped one per /sync request. When exhausted an
	// empty sync is returned.
	SyncResponses []map[string]any
	// MintedToken is returned by the Synapse admin login endpoint.
	MintedToken string
	// AvatarURL is returned for profile avatar lookups when set.
	AvatarURL string
	// Fail maps a path substring to a forced error.
	Fail map[string]*failSpec

	createCounter int
}

func newFakeHS() *fakeHS {
	f := &fakeHS{
		UserID:      testBotID,
		RoomState:   make(map[id.RoomID][]map[string]any),
		KnownSpaces: make(map[id.RoomID]bool),
		Fail:        make(map[string]*failSpec),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHS) Close() {
	f.Server.Close()
}

func (f *fakeHS) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeHS) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHS) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeHS) LastCall(path string) (endpointCall, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if strings.Contains(calls[i].Path, path) {
			return calls[i], true
		}
	}
	return endpointCall{}, false
}

func (f *fakeHS) AddRoom(roomID id.RoomID, spaceID id.RoomID, name, topic string, members map[id.UserID]string) {
	state := []map[string]any{
		stateEvent(event.StateSpaceParent, spaceID.String(), map[string]any{
			"via":       []string{testDomain},
			"canonical": true,
		}),
	}
	if name != "" {
		state = append(state, stateEvent(event.StateRoomName, "", map[string]any{"name": name}))
	}
	if topic != "" {
		state = append(state, stateEvent(event.StateTopic, "", map[string]any{"topic": topic}))
	}
	for user, membership := range members {
		state = append(state, stateEvent(event.StateMember, user.String(), map[string]any{"membership": membership}))
	}
	f.RoomState[roomID] = state
	f.JoinedRooms = append(f.JoinedRooms, roomID)
}

func stateEvent(evtType event.Type, stateKey string, content map[string]any) map[string]any {
	return map[string]any{
		"type":      evtType.Type,
		"state_key": stateKey,
		"sender":    testBotID.String(),
		"content":   content,
	}
}

func (f *fakeHS) failFor(path string) *failSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub, spec := range f.Fail {
		if !strings.Contains(path, sub) || spec.Times == 0 {
			continue
		}
		if spec.Times > 0 {
			spec.Times--
		}
		return spec
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.record(r.Method, path, string(body))

	if spec := f.failFor(path); spec != nil {
		errBody := map[string]any{"errcode": spec.ErrCode, "error": spec.ErrCode}
		for k, v := range spec.Extra {
			errBody[k] = v
		}
		writeJSON(w, spec.Status, errBody)
		return
	}

	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		writeJSON(w, http.StatusOK, map[string]any{"user_id": f.UserID})

	case strings.HasSuffix(path, "/joined_rooms"):
		writeJSON(w, http.StatusOK, map[string]any{"joined_rooms": f.JoinedRooms})

	case strings.Contains(path, "/hierarchy"):
		roomID := pathSegmentBefore(path, "/hierarchy")
		if !f.KnownSpaces[id.RoomID(roomID)] {
			writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "room not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": []any{}})

	case strings.HasSuffix(path, "/createRoom"):
		var req struct {
			Name         string           `json:"name"`
			Topic        string           `json:"topic"`
			InitialState []map[string]any `json:"initial_state"`
		}
		_ = json.Unmarshal(body, &req)
		state := append([]map[string]any{}, req.InitialState...)
		if req.Name != "" {
			state = append(state, stateEvent(event.StateRoomName, "", map[string]any{"name": req.Name}))
		}
		if req.Topic != "" {
			state = append(state, stateEvent(event.StateTopic, "", map[string]any{"topic": req.Topic}))
		}
		f.mu.Lock()
		f.createCounter++
		roomID := id.RoomID(fmt.Sprintf("!created-%d:%s", f.createCounter, testDomain))
		state = append(state, stateEvent(event.StateMember, f.UserID.String(), map[string]any{"membership": "join"}))
		f.RoomState[roomID] = state
		f.JoinedRooms = append(f.JoinedRooms, roomID)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})

	case r.Method == http.MethodGet && strings.HasSuffix(path, "/state"):
		roomID := pathSegmentBefore(path, "/state")
		state, ok := f.RoomState[id.RoomID(roomID)]
		if !ok {
			state = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, state)

	case strings.Contains(path, "/state/"):
		// Single state event get/put.
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_NOT_FOUND", "error": "event not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event_id": "$state-event"})

	case strings.Contains(path, "/invite"):
		writeJSON(w, http.StatusOK, map[string]any{})

	case strings.Contains(path, "/join"):
		roomID := pathSegmentBefore(path, "/join")
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})

	case strings.Contains(path, "/send/"):
		writeJSON(w, http.StatusOK, map[string]any{"event_id": "$sent-event"})

	case strings.Contains(path, "/typing/"):
		writeJSON(w, http.StatusOK, map[string]any{})

	case strings.Contains(path, "/sync"):
		f.mu.Lock()
		var resp map[string]any
		if len(f.SyncResponses) > 0 {
			resp = f.SyncResponses[0]
			f.SyncResponses = f.SyncResponses[1:]
		} else {
			resp = map[string]any{"next_batch": "end"}
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, resp)

	case strings.Contains(path, "/profile/"):
		if r.Method == http.MethodGet && strings.HasSuffix(path, "/avatar_url") && f.AvatarURL != "" {
			writeJSON(w, http.StatusOK, map[string]any{"avatar_url": f.AvatarURL})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})

	case strings.Contains(path, "/_matrix/media/") && strings.Contains(path, "upload"):
		writeJSON(w, http.StatusOK, map[string]any{"content_uri": "mxc://" + testDomain + "/uploaded"})

	case strings.Contains(path, "/_synapse/admin/v1/users/") && strings.HasSuffix(path, "/login"):
		writeJSON(w, http.StatusOK, map[string]any{"access_token": f.MintedToken})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"errcode": "M_UNRECOGNIZED", "error": "unknown endpoint " + path})
	}
}

// pathSegmentBefore returns the path segment immediately before the
// given suffix marker, e.g. the room ID in /rooms/{id}/state.
func pathSegmentBefore(path, marker string) string {
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	head := path[:idx]
	return head[strings.LastIndex(head, "/")+1:]
}

func newTestClient(t *testing.T, hs *fakeHS) *mautrix.Client {
	t.Helper()
	client, err := mautrix.NewClient(hs.Server.URL, hs.UserID, "test-token")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.DefaultHTTPRetries = 0
	client.IgnoreRateLimit = true
	log := quietLog()
	client.Log = log
	return client
}

func testConfig(spaceID id.RoomID) *Config {
	cfg := &Config{}
	cfg.Homeserver.Domain = testDomain
	cfg.Bot.UserID = testBotID
	cfg.Space.RoomID = spaceID
	cfg.Space.BuildingRoomPrefix = "Batiment"
	cfg.Space.OwnerRoom = "Proprio"
	cfg.Space.ManagementRoom = "Syndic-de-copropriété"
	cfg.Space.SummaryRoom = "IT"
	cfg.Sync.PollIntervalMS = 5000
	cfg.Sync.RequestTimeoutMS = 30000
	cfg.Sync.TypingTimeoutMS = 30000
	cfg.Directory.PageSize = 100
	return cfg
}

// fakeDir simulates the user-directory admin API.
type fakeDir struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users are returned in order by the paginated listing.
	Users []DirectoryUser
	// Links maps directory user ID to upstream links.
	Links map[string][]IdentityLink
	// Emails maps directory user ID to addresses.
	Emails map[string][]string
	// CreateConflicts makes user creation return 409.
	CreateConflicts bool
	// RevealAfterCreate hides users from the by-username lookup until a
	// create has been attempted, simulating a concurrent registration.
	RevealAfterCreate bool

	createCounter  int
	createAttempts int
}

func newFakeDir() *fakeDir {
	f := &fakeDir{
		Links:  make(map[string][]IdentityLink),
		Emails: make(map[string][]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeDir) Close() {
	f.Server.Close()
}

func (f *fakeDir) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeDir) CalledPath(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func userResource(u DirectoryUser) map[string]any {
	return map[string]any{
		"type":       "user",
		"id":         u.ID,
		"attributes": map[string]any{"username": u.Username},
	}
}

func (f *fakeDir) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path
	f.record(r.Method, path, string(body))

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && path == "/oauth2/token":
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "admin-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/admin/v1/users/by-username/"):
		username := path[strings.LastIndex(path, "/")+1:]
		if !f.RevealAfterCreate || f.createAttempts > 0 {
			for _, u := range f.Users {
				if u.Username == username {
					writeJSON(w, http.StatusOK, map[string]any{"data": userResource(u)})
					return
				}
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"title": "not found"}}})

	case r.Method == http.MethodGet && path == "/api/admin/v1/users":
		after := r.URL.Query().Get("page[after]")
		start := 0
		if after != "" {
			for i, u := range f.Users {
				if u.ID == after {
					start = i + 1
					break
				}
			}
		}
		limit := len(f.Users)
		if first := r.URL.Query().Get("page[first]"); first != "" {
			fmt.Sscanf(first, "%d", &limit)
		}
		data := make([]map[string]any, 0)
		for _, u := range f.Users[start:] {
			if len(data) >= limit {
				break
			}
			data = append(data, userResource(u))
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})

	case r.Method == http.MethodPost && path == "/api/admin/v1/users":
		f.createAttempts++
		if f.CreateConflicts {
			writeJSON(w, http.StatusConflict, map[string]any{"errors": []any{map[string]any{"title": "User already exists"}}})
			return
		}
		var req struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(body, &req)
		f.createCounter++
		u := DirectoryUser{ID: fmt.Sprintf("dir-user-%d", f.createCounter), Username: req.Username}
		f.Users = append(f.Users, u)
		writeJSON(w, http.StatusCreated, map[string]any{"data": userResource(u)})

	case path == "/api/admin/v1/user-emails":
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})

	case path == "/api/admin/v1/upstream-oauth-links":
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, map[string]any{})
			return
		}
		userFilter := r.URL.Query().Get("filter[user]")
		data := make([]map[string]any, 0)
		for uid, links := range f.Links {
			if userFilter != "" && uid != userFilter {
				continue
			}
			for _, link := range links {
				data = append(data, map[string]any{
					"type": "upstream-oauth-link",
					"id":   link.ID,
					"attributes": map[string]any{
						"provider_id": link.ProviderID,
						"subject":     link.Subject,
						"user_id":     link.UserID,
					},
				})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": data})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []any{map[string]any{"title": "unknown endpoint " + path}}})
	}
}

func dirConfig(f *fakeDir) *Config {
	cfg := testConfig("!space:" + testDomain)
	cfg.Directory.URL = f.Server.URL
	cfg.Auth.OAuth2 = OAuth2Config{
		ClientID:      "assistant",
		ClientSecret:  "secret",
		TokenEndpoint: f.Server.URL + "/oauth2/token",
		Scope:         "urn:mas:admin",
	}
	return cfg
}

func newTestDirectoryClient(f *fakeDir) *DirectoryClient {
	return NewDirectoryClient(dirConfig(f), quietLog())
}

// fakeLLM simulates an OpenAI-compatible chat completions endpoint,
// popping canned responses per request.
type fakeLLM struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []string
	Responses []map[string]any
}

func newFakeLLM() *fakeLLM {
	f := &fakeLLM{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeLLM) Close() {
	f.Server.Close()
}

func (f *fakeLLM) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(f.requests))
	copy(cp, f.requests)
	return cp
}

func (f *fakeLLM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, string(body))
	var resp map[string]any
	if len(f.Responses) > 0 {
		resp = f.Responses[0]
		f.Responses = f.Responses[1:]
	} else {
		resp = llmTextResponse("")
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func llmTextResponse(text string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": text},
		}},
	}
}

func llmToolCallResponse(callID, tool, arguments string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "tool_calls",
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id":   callID,
					"type": "function",
					"function": map[string]any{
						"name":      tool,
						"arguments": arguments,
					},
				}},
			},
		}},
	}
}
