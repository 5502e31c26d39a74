// Spotify API implementation of the catalog client.
//
// Spotify API response types based on https://developer.spotify.com/documentation/web-api/reference/
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"melonsync/internal/shared"
)

const (
	spotifyBaseURL = "https://api.spotify.com/v1"

	// searchLimit candidates per query leaves the margin rule something to
	// rank against without wasting quota.
	searchLimit = 5
)

// errAlreadyPresent marks a duplicate playlist insert reported by the
// provider. AddTracks swallows it: inserting twice is not a caller error.
var errAlreadyPresent = errors.New("track already present in playlist")

type artistObject struct {
	Name string `json:"name"`
}

type trackObject struct {
	ID      string         `json:"id"`
	URI     string         `json:"uri"`
	Name    string         `json:"name"`
	Artists []artistObject `json:"artists"`
}

type searchResponse struct {
	Tracks struct {
		Items []trackObject `json:"items"`
	} `json:"tracks"`
}

type externalURLs struct {
	Spotify string `json:"spotify"`
}

type playlistObject struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Public       bool         `json:"public"`
	ExternalURLs externalURLs `json:"external_urls"`
	Tracks       struct {
		Total int `json:"total"`
	} `json:"tracks"`
}

type paginatedPlaylists struct {
	Items []playlistObject `json:"items"`
	Next  *string          `json:"next"`
}

type playlistTracksResponse struct {
	Items []struct {
		Track trackObject `json:"track"`
	} `json:"items"`
}

// User is the authenticated catalog user.
type User struct {
	ID string `json:"id"`
}

// Client issues search and playlist calls against the Spotify Web API.
//
// Credentials are request-scoped: every method takes the caller's bearer
// token instead of holding session state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	limiter    *rate.Limiter
	timeout    time.Duration
}

// ClientOpts contains configuration options for creating a Client.
type ClientOpts struct {
	BaseURL    string        // API base URL (default: api.spotify.com/v1)
	HTTPClient *http.Client  // HTTP client (default: http.DefaultClient)
	Retry      RetryPolicy   // Retry policy for transient failures
	RateLimit  float64       // Requests per second, 0 disables limiting
	Timeout    time.Duration // Per-request timeout (default: 10s)
}

// NewClient creates a Client with the provided options.
func NewClient(opts ClientOpts) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = spotifyBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		baseURL:    opts.BaseURL,
		httpClient: opts.HTTPClient,
		retry:      opts.Retry,
		limiter:    limiter,
		timeout:    opts.Timeout,
	}
}

// Search queries the catalog for tracks matching title and artist.
//
// Results keep the provider's relevance order. An empty result is not an
// error; deciding what an empty candidate list means is the match engine's
// job, not the adapter's.
func (c *Client) Search(ctx context.Context, token, title, artist string) ([]Candidate, error) {
	query := fmt.Sprintf("track:%s artist:%s", title, artist)
	endpoint := fmt.Sprintf("/search?q=%s&type=track&limit=%d", url.QueryEscape(query), searchLimit)

	var response searchResponse
	if err := c.doRequest(ctx, token, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(response.Tracks.Items))
	for _, item := range response.Tracks.Items {
		if item.ID == "" || item.URI == "" {
			return nil, fmt.Errorf("%w: search item missing id or uri", shared.ErrMalformedResponse)
		}
		cand := Candidate{ID: item.ID, URI: item.URI, Title: item.Name}
		if len(item.Artists) > 0 {
			cand.Artist = item.Artists[0].Name
		}
		candidates = append(candidates, cand)
	}

	return candidates, nil
}

// AddTracks appends track URIs to a playlist.
//
// Safe to call twice with the same arguments: a duplicate insert reported by
// the provider is success, not an error.
func (c *Client) AddTracks(ctx context.Context, token, playlistID string, uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("%w: no track URIs provided", shared.ErrInvalidInput)
	}

	endpoint := fmt.Sprintf("/playlists/%s/tracks", url.PathEscape(playlistID))
	body := map[string]any{"uris": uris}

	err := c.doRequest(ctx, token, http.MethodPost, endpoint, body, nil)
	if errors.Is(err, errAlreadyPresent) {
		return nil
	}
	return err
}

// CreatePlaylist creates a playlist owned by the authenticated user.
func (c *Client) CreatePlaylist(ctx context.Context, token, name, description string, public bool) (*Playlist, error) {
	user, err := c.CurrentUser(ctx, token)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/users/%s/playlists", url.PathEscape(user.ID))
	body := map[string]any{"name": name, "description": description, "public": public}

	var created playlistObject
	if err := c.doRequest(ctx, token, http.MethodPost, endpoint, body, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: created playlist missing id", shared.ErrMalformedResponse)
	}

	return convertPlaylist(created), nil
}

// UserPlaylists retrieves all playlists for the authenticated user,
// following pagination.
func (c *Client) UserPlaylists(ctx context.Context, token string) ([]Playlist, error) {
	var playlists []Playlist
	limit := 50
	offset := 0

	for {
		endpoint := fmt.Sprintf("/me/playlists?limit=%d&offset=%d", limit, offset)

		var response paginatedPlaylists
		if err := c.doRequest(ctx, token, http.MethodGet, endpoint, nil, &response); err != nil {
			return nil, err
		}

		for _, item := range response.Items {
			playlists = append(playlists, *convertPlaylist(item))
		}

		if response.Next == nil {
			break
		}
		offset += limit
	}

	return playlists, nil
}

// PlaylistTracks retrieves the tracks of a playlist as candidates.
func (c *Client) PlaylistTracks(ctx context.Context, token, playlistID string) ([]Candidate, error) {
	endpoint := fmt.Sprintf("/playlists/%s/tracks", url.PathEscape(playlistID))

	var response playlistTracksResponse
	if err := c.doRequest(ctx, token, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	tracks := make([]Candidate, 0, len(response.Items))
	for _, item := range response.Items {
		cand := Candidate{ID: item.Track.ID, URI: item.Track.URI, Title: item.Track.Name}
		if len(item.Track.Artists) > 0 {
			cand.Artist = item.Track.Artists[0].Name
		}
		tracks = append(tracks, cand)
	}

	return tracks, nil
}

// CurrentUser retrieves the authenticated user's profile.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.doRequest(ctx, token, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// doRequest performs an authenticated request, retrying transient failures
// per the client's retry policy. Backoff sleeps block only the calling
// goroutine.
func (c *Client) doRequest(ctx context.Context, token, method, endpoint string, body, result any) error {
	if token == "" {
		return shared.ErrNotAuthenticated
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.retry.Backoff(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = c.attempt(ctx, token, method, endpoint, payload, result)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// attempt performs a single HTTP request with the per-call timeout applied.
func (c *Client) attempt(ctx context.Context, token, method, endpoint string, payload []byte, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader *bytes.Reader
	var req *http.Request
	var err error
	if payload != nil {
		reader = bytes.NewReader(payload)
		req, err = http.NewRequestWithContext(actx, method, c.baseURL+endpoint, reader)
	} else {
		req, err = http.NewRequestWithContext(actx, method, c.baseURL+endpoint, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", shared.ErrTimeout, method, endpoint)
		}
		return fmt.Errorf("%w: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, endpoint); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: %v", shared.ErrMalformedResponse, err)
		}
	}

	return nil
}

// classifyStatus maps provider status codes onto the error taxonomy.
func classifyStatus(status int, endpoint string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", shared.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", shared.ErrUnauthorized, status)
	case status == http.StatusConflict:
		return errAlreadyPresent
	case status == http.StatusNotFound:
		if strings.Contains(endpoint, "/playlists") {
			return fmt.Errorf("%w: status 404", shared.ErrPlaylistNotFound)
		}
		return fmt.Errorf("%w: status 404", shared.ErrTrackNotFound)
	case status >= 500:
		return fmt.Errorf("%w: status %d", shared.ErrServiceUnavailable, status)
	default:
		return fmt.Errorf("spotify API error: status %d", status)
	}
}

func convertPlaylist(p playlistObject) *Playlist {
	return &Playlist{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		ExternalURL: p.ExternalURLs.Spotify,
		TrackCount:  p.Tracks.Total,
		Public:      p.Public,
	}
}
