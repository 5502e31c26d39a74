package catalog

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"melonsync/internal/shared"
	testutil "melonsync/internal/testing"
)

func newTestClient(rt *testutil.MockRoundTripper) *Client {
	return NewClient(ClientOpts{
		BaseURL:    "https://api.test/v1",
		HTTPClient: &http.Client{Transport: rt},
		Retry:      RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
}

const searchBody = `{
	"tracks": {
		"items": [
			{"id": "a1", "uri": "spotify:track:a1", "name": "Love Dive", "artists": [{"name": "IVE"}]},
			{"id": "b2", "uri": "spotify:track:b2", "name": "Love Dive (Sped Up)", "artists": [{"name": "IVE"}]}
		]
	}
}`

func TestSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("Parses Candidates", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, searchBody),
		}}
		client := newTestClient(rt)

		candidates, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}

		if len(candidates) != 2 {
			t.Fatalf("expected 2 candidates, got %d", len(candidates))
		}
		if candidates[0].ID != "a1" || candidates[0].URI != "spotify:track:a1" {
			t.Errorf("unexpected first candidate: %+v", candidates[0])
		}
		if candidates[0].Artist != "IVE" {
			t.Errorf("expected first artist name, got %s", candidates[0].Artist)
		}

		req := rt.Requests[0]
		if got := req.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("unexpected auth header: %s", got)
		}
		query := req.URL.Query()
		if got := query.Get("q"); got != "track:Love Dive artist:IVE" {
			t.Errorf("unexpected query: %s", got)
		}
		if got := query.Get("limit"); got != "5" {
			t.Errorf("unexpected limit: %s", got)
		}
	})

	t.Run("Empty Result Is Not An Error", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"tracks": {"items": []}}`),
		}}
		client := newTestClient(rt)

		candidates, err := client.Search(ctx, "token", "Nonexistent", "Nobody")
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(candidates) != 0 {
			t.Errorf("expected no candidates, got %d", len(candidates))
		}
	})

	t.Run("Missing URI Is Malformed", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"tracks": {"items": [{"id": "a1", "name": "Love Dive"}]}}`),
		}}
		client := newTestClient(rt)

		_, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if !errors.Is(err, shared.ErrMalformedResponse) {
			t.Errorf("expected ErrMalformedResponse, got %v", err)
		}
	})

	t.Run("Invalid JSON Is Malformed", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"tracks": `),
		}}
		client := newTestClient(rt)

		_, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if !errors.Is(err, shared.ErrMalformedResponse) {
			t.Errorf("expected ErrMalformedResponse, got %v", err)
		}
	})

	t.Run("Missing Token", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{}
		client := newTestClient(rt)

		_, err := client.Search(ctx, "", "Love Dive", "IVE")
		if !errors.Is(err, shared.ErrNotAuthenticated) {
			t.Errorf("expected ErrNotAuthenticated, got %v", err)
		}
		if len(rt.Requests) != 0 {
			t.Error("expected no request without a token")
		}
	})
}

func TestRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("Rate Limit Then Success", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusTooManyRequests, `{}`),
			testutil.JSONResponse(http.StatusOK, searchBody),
		}}
		client := newTestClient(rt)

		candidates, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if len(candidates) != 2 {
			t.Errorf("expected 2 candidates, got %d", len(candidates))
		}
		if len(rt.Requests) != 2 {
			t.Errorf("expected 2 attempts, got %d", len(rt.Requests))
		}
	})

	t.Run("Server Errors Exhaust Attempts", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusServiceUnavailable, `{}`),
			testutil.JSONResponse(http.StatusServiceUnavailable, `{}`),
			testutil.JSONResponse(http.StatusServiceUnavailable, `{}`),
		}}
		client := newTestClient(rt)

		_, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
		if len(rt.Requests) != 3 {
			t.Errorf("expected 3 attempts, got %d", len(rt.Requests))
		}
	})

	t.Run("Unauthorized Is Not Retried", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusUnauthorized, `{}`),
		}}
		client := newTestClient(rt)

		_, err := client.Search(ctx, "token", "Love Dive", "IVE")
		if !errors.Is(err, shared.ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		if len(rt.Requests) != 1 {
			t.Errorf("expected 1 attempt, got %d", len(rt.Requests))
		}
	})

	t.Run("Cancelled Context Stops Retries", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusServiceUnavailable, `{}`),
		}}
		client := newTestClient(rt)

		_, err := client.Search(cctx, "token", "Love Dive", "IVE")
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestAddTracks(t *testing.T) {
	ctx := context.Background()

	t.Run("Appends URIs", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusCreated, `{"snapshot_id": "x"}`),
		}}
		client := newTestClient(rt)

		err := client.AddTracks(ctx, "token", "pl1", []string{"spotify:track:a1"})
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}

		req := rt.Requests[0]
		if req.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", req.Method)
		}
		if req.URL.Path != "/v1/playlists/pl1/tracks" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
	})

	t.Run("Duplicate Insert Is Success", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusConflict, `{}`),
		}}
		client := newTestClient(rt)

		if err := client.AddTracks(ctx, "token", "pl1", []string{"spotify:track:a1"}); err != nil {
			t.Errorf("expected duplicate insert to succeed, got %v", err)
		}
	})

	t.Run("Unknown Playlist", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusNotFound, `{}`),
		}}
		client := newTestClient(rt)

		err := client.AddTracks(ctx, "token", "nope", []string{"spotify:track:a1"})
		if !errors.Is(err, shared.ErrPlaylistNotFound) {
			t.Errorf("expected ErrPlaylistNotFound, got %v", err)
		}
	})

	t.Run("No URIs", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{}
		client := newTestClient(rt)

		err := client.AddTracks(ctx, "token", "pl1", nil)
		if !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if len(rt.Requests) != 0 {
			t.Error("expected no request for empty URI list")
		}
	})
}

func TestPlaylists(t *testing.T) {
	ctx := context.Background()

	t.Run("Create Resolves Owner First", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"id": "user1"}`),
			testutil.JSONResponse(http.StatusCreated, `{"id": "pl1", "name": "Melon Top 100", "public": true, "external_urls": {"spotify": "https://open.spotify.com/playlist/pl1"}}`),
		}}
		client := newTestClient(rt)

		playlist, err := client.CreatePlaylist(ctx, "token", "Melon Top 100", "daily chart", true)
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		if playlist.ID != "pl1" || playlist.Name != "Melon Top 100" || !playlist.Public {
			t.Errorf("unexpected playlist: %+v", playlist)
		}
		if rt.Requests[0].URL.Path != "/v1/me" {
			t.Errorf("expected owner lookup first, got %s", rt.Requests[0].URL.Path)
		}
		if rt.Requests[1].URL.Path != "/v1/users/user1/playlists" {
			t.Errorf("unexpected create path: %s", rt.Requests[1].URL.Path)
		}
	})

	t.Run("UserPlaylists Follows Pagination", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"items": [{"id": "pl1", "name": "One"}], "next": "https://api.test/v1/me/playlists?offset=50"}`),
			testutil.JSONResponse(http.StatusOK, `{"items": [{"id": "pl2", "name": "Two"}], "next": null}`),
		}}
		client := newTestClient(rt)

		playlists, err := client.UserPlaylists(ctx, "token")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(playlists) != 2 {
			t.Fatalf("expected 2 playlists, got %d", len(playlists))
		}
		if playlists[0].ID != "pl1" || playlists[1].ID != "pl2" {
			t.Errorf("unexpected playlists: %+v", playlists)
		}
	})

	t.Run("PlaylistTracks", func(t *testing.T) {
		rt := &testutil.MockRoundTripper{Responses: []*http.Response{
			testutil.JSONResponse(http.StatusOK, `{"items": [{"track": {"id": "a1", "uri": "spotify:track:a1", "name": "Love Dive", "artists": [{"name": "IVE"}]}}]}`),
		}}
		client := newTestClient(rt)

		tracks, err := client.PlaylistTracks(ctx, "token", "pl1")
		if err != nil {
			t.Fatalf("tracks failed: %v", err)
		}
		if len(tracks) != 1 || tracks[0].Artist != "IVE" {
			t.Errorf("unexpected tracks: %+v", tracks)
		}
	})
}

func TestRetryPolicy(t *testing.T) {
	t.Run("Backoff Doubles", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}

		if got := policy.Backoff(1); got != 100*time.Millisecond {
			t.Errorf("attempt 1: expected 100ms, got %v", got)
		}
		if got := policy.Backoff(2); got != 200*time.Millisecond {
			t.Errorf("attempt 2: expected 200ms, got %v", got)
		}
		if got := policy.Backoff(3); got != 400*time.Millisecond {
			t.Errorf("attempt 3: expected 400ms, got %v", got)
		}
	})

	t.Run("Jitter Stays Bounded", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Jitter: 0.5}

		for i := 0; i < 50; i++ {
			got := policy.Backoff(1)
			if got < 100*time.Millisecond || got > 150*time.Millisecond {
				t.Fatalf("backoff %v outside jitter bounds", got)
			}
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		policy := DefaultRetryPolicy()
		if policy.MaxAttempts != 3 || policy.BaseDelay != 500*time.Millisecond {
			t.Errorf("unexpected defaults: %+v", policy)
		}
	})
}
