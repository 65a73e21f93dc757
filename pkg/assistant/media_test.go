// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestMediaService(t *testing.T, hs *fakeHS) *MediaService {
	t.Helper()
	return NewMediaService(newTestClient(t, hs), fastExecutor(), quietLog())
}

func imageServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveImage(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	ms := newTestMediaService(t, hs)
	ctx := context.Background()

	uri, err := ms.ResolveImage(ctx, "")
	if err != nil || !uri.IsEmpty() {
		t.Errorf("empty ref: got %v, %v", uri, err)
	}
	uri, err = ms.ResolveImage(ctx, "mxc://"+testDomain+"/abc")
	if err != nil {
		t.Fatalf("mxc ref: %v", err)
	}
	if uri.FileID != "abc" || uri.Homeserver != testDomain {
		t.Errorf("mxc ref: got %v", uri)
	}
	if _, err = ms.ResolveImage(ctx, "ftp://nope"); err == nil {
		t.Error("unsupported scheme accepted")
	}
}

func TestUploadFromURL(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	src := imageServer(t, []byte("\x89PNG\r\n\x1a\nfakedata"))
	ms := newTestMediaService(t, hs)

	uri, err := ms.UploadFromURL(context.Background(), src.URL)
	if err != nil {
		t.Fatalf("UploadFromURL: %v", err)
	}
	if uri.String() != "mxc://"+testDomain+"/uploaded" {
		t.Errorf("content uri: got %s", uri)
	}
	if !hs.CalledPath("upload") {
		t.Error("media repo upload was never called")
	}
}

func TestEnsureBotAvatarSetsConfiguredMxc(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	ms := newTestMediaService(t, hs)

	configured := "mxc://" + testDomain + "/newavatar"
	if got := ms.EnsureBotAvatar(context.Background(), configured); got != AvatarUpdated {
		t.Fatalf("result: got %d, want AvatarUpdated", got)
	}
	set, ok := hs.LastCall("/avatar_url")
	if !ok || set.Method != http.MethodPut {
		t.Fatal("avatar was never set")
	}
	if !strings.Contains(set.Body, configured) {
		t.Errorf("set body: got %s", set.Body)
	}
}

func TestEnsureBotAvatarSkipsMatchingMxc(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	hs.AvatarURL = "mxc://" + testDomain + "/current"
	ms := newTestMediaService(t, hs)

	if got := ms.EnsureBotAvatar(context.Background(), hs.AvatarURL); got != AvatarSkipped {
		t.Fatalf("result: got %d, want AvatarSkipped", got)
	}
	for _, c := range hs.Calls() {
		if c.Method == http.MethodPut {
			t.Errorf("unexpected write: %s %s", c.Method, c.Path)
		}
	}
}

func TestEnsureBotAvatarEmptyConfigured(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	ms := newTestMediaService(t, hs)

	if got := ms.EnsureBotAvatar(context.Background(), ""); got != AvatarSkipped {
		t.Fatalf("result: got %d, want AvatarSkipped", got)
	}
	if len(hs.Calls()) != 0 {
		t.Errorf("unexpected calls: %v", hs.Calls())
	}
}

func TestEnsureRoomAvatarSetsState(t *testing.T) {
	t.Parallel()
	hs := newFakeHS()
	defer hs.Close()
	ms := newTestMediaService(t, hs)

	configured := "mxc://" + testDomain + "/room-avatar"
	got := ms.EnsureRoomAvatar(context.Background(), "!room:"+testDomain, configured)
	if got != AvatarUpdated {
		t.Fatalf("result: got %d, want AvatarUpdated", got)
	}
	set, ok := hs.LastCall("/state/m.room.avatar/")
	if !ok || set.Method != http.MethodPut {
		t.Fatal("room avatar state was never written")
	}
	if !strings.Contains(set.Body, configured) {
		t.Errorf("state body: got %s", set.Body)
	}
}
