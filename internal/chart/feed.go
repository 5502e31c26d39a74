package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"melonsync/internal/shared"
)

// Source fetches the chart published for a date.
type Source interface {
	Fetch(ctx context.Context, date string) ([]Entry, error)
}

// FeedSource reads chart entries from an HTTP JSON feed
// (a scraper proxy publishing {"songs": [{rank, title, artist}, ...]}).
type FeedSource struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewFeedSource creates a FeedSource for the given feed URL.
func NewFeedSource(baseURL string, httpClient *http.Client) *FeedSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FeedSource{baseURL: baseURL, httpClient: httpClient, timeout: 15 * time.Second}
}

type feedResponse struct {
	Songs []struct {
		Rank   int    `json:"rank"`
		Title  string `json:"title"`
		Artist string `json:"artist"`
	} `json:"songs"`
}

// Fetch retrieves and validates the chart for date.
func (s *FeedSource) Fetch(ctx context.Context, date string) ([]Entry, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	feedURL := fmt.Sprintf("%s?date=%s", s.baseURL, url.QueryEscape(date))
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: chart feed: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: chart feed status %d", shared.ErrServiceUnavailable, resp.StatusCode)
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("%w: chart feed: %v", shared.ErrMalformedResponse, err)
	}

	entries := make([]Entry, 0, len(feed.Songs))
	for _, song := range feed.Songs {
		entries = append(entries, Entry{
			Rank:   song.Rank,
			Title:  song.Title,
			Artist: song.Artist,
			Date:   date,
		})
	}

	if err := Validate(entries); err != nil {
		return nil, err
	}

	return entries, nil
}
