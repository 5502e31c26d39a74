// package server exposes the reconciliation engine over HTTP.
//
// Routes mirror the reconciliation operations: saving/creating the daily
// chart, listing missed tracks, and resolving them. Thin playlist CRUD
// endpoints pass straight through to the catalog client. Every route
// requires the caller's bearer credential; the server never holds a
// process-wide session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"melonsync/internal/catalog"
	"melonsync/internal/chart"
	"melonsync/internal/shared"
	"melonsync/internal/store"
	"melonsync/internal/tasks"
)

// Engine is the slice of the chart engine the server needs.
type Engine interface {
	Ingest(ctx context.Context, progress chan<- tasks.ProgressUpdate, date, playlistID, token string) (*tasks.IngestSummary, error)
	ResubmitAll(ctx context.Context, progress chan<- tasks.ProgressUpdate, corrections []tasks.Correction, playlistID, token string) []tasks.ResubmitResult
	MissedTracks(date string) ([]*store.Record, error)
}

// CatalogAPI is the slice of the catalog client backing the thin CRUD routes.
type CatalogAPI interface {
	UserPlaylists(ctx context.Context, token string) ([]catalog.Playlist, error)
	CreatePlaylist(ctx context.Context, token, name, description string, public bool) (*catalog.Playlist, error)
	PlaylistTracks(ctx context.Context, token, playlistID string) ([]catalog.Candidate, error)
}

// Server handles HTTP requests for the reconciliation service.
type Server struct {
	engine     Engine
	catalog    CatalogAPI
	logger     *log.Logger
	timezone   string
	playlistID string // Default target playlist for /melonTop100/save
}

// Opts contains configuration options for creating a Server.
type Opts struct {
	Engine     Engine
	Catalog    CatalogAPI
	Logger     *log.Logger
	Timezone   string
	PlaylistID string
}

// New creates a Server with the provided dependencies.
func New(opts Opts) *Server {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	return &Server{
		engine:     opts.Engine,
		catalog:    opts.Catalog,
		logger:     opts.Logger,
		timezone:   opts.Timezone,
		playlistID: opts.PlaylistID,
	}
}

// Routes builds the chi router with all endpoints registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requireBearer)

	r.Post("/melonTop100/save", s.handleSaveChart)
	r.Post("/melonTop100/create", s.handleCreateChart)
	r.Get("/missedTracks", s.handleMissedTracks)
	r.Post("/resolveMissedTracks", s.handleResolveMissedTracks)

	r.Get("/playlists", s.handleListPlaylists)
	r.Post("/playlists", s.handleCreatePlaylist)
	r.Get("/playlistTracks", s.handlePlaylistTracks)

	return r
}

// handleSaveChart triggers ingestion of today's chart into the default playlist.
func (s *Server) handleSaveChart(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Context())
	date := chart.Today(s.timezone)

	summary, err := s.engine.Ingest(r.Context(), nil, date, s.playlistID, token)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, summary)
}

type createChartPayload struct {
	PlaylistID string `json:"playlistID"`
	Date       string `json:"date"`
}

// handleCreateChart triggers ingestion of a chart date into a caller-supplied playlist.
func (s *Server) handleCreateChart(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Context())

	var payload createChartPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PlaylistID == "" {
		s.respondStatus(w, http.StatusBadRequest, "playlistID is required")
		return
	}
	if payload.Date == "" {
		payload.Date = chart.Today(s.timezone)
	}

	summary, err := s.engine.Ingest(r.Context(), nil, payload.Date, payload.PlaylistID, token)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, summary)
}

type missedTrackDTO struct {
	Rank   int    `json:"rank"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Date   string `json:"date"`
}

// handleMissedTracks returns the missed entries for ?date=YYYY-MM-DD,
// ordered by rank. An empty result is an empty JSON object.
func (s *Server) handleMissedTracks(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		s.respondStatus(w, http.StatusBadRequest, "missing date parameter")
		return
	}
	if _, err := chart.ParseDate(date); err != nil {
		s.respondStatus(w, http.StatusBadRequest, "invalid date parameter")
		return
	}

	records, err := s.engine.MissedTracks(date)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if len(records) == 0 {
		s.respondJSON(w, http.StatusOK, struct{}{})
		return
	}

	missed := make([]missedTrackDTO, 0, len(records))
	for _, record := range records {
		missed = append(missed, missedTrackDTO{
			Rank:   record.Rank,
			Title:  record.Title,
			Artist: record.Artist,
			Date:   record.Date,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"missedTracks": missed})
}

type resolvedTrackDTO struct {
	Rank         int    `json:"rank"`
	MissedTitle  string `json:"missed_title"`
	MissedArtist string `json:"missed_artist"`
	Title        string `json:"title"`
	Artist       string `json:"artist"`
	Date         string `json:"date"`
}

type resolveMissedTracksPayload struct {
	PlaylistID     string             `json:"playlistID"`
	ResolvedTracks []resolvedTrackDTO `json:"resolvedTracks"`
}

type resubmitOutcomeDTO struct {
	Rank   int    `json:"rank"`
	Date   string `json:"date"`
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

// handleResolveMissedTracks re-attempts resolution for human-corrected
// entries. Entries are processed independently; the response carries one
// outcome per entry.
func (s *Server) handleResolveMissedTracks(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Context())

	var payload resolveMissedTracksPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(payload.ResolvedTracks) == 0 {
		s.respondStatus(w, http.StatusBadRequest, "no resolved tracks provided")
		return
	}

	corrections := make([]tasks.Correction, 0, len(payload.ResolvedTracks))
	for _, track := range payload.ResolvedTracks {
		corrections = append(corrections, tasks.Correction{
			Date:   track.Date,
			Rank:   track.Rank,
			Title:  track.Title,
			Artist: track.Artist,
		})
	}

	playlistID := payload.PlaylistID
	if playlistID == "" {
		playlistID = s.playlistID
	}

	results := s.engine.ResubmitAll(r.Context(), nil, corrections, playlistID, token)

	outcomes := make([]resubmitOutcomeDTO, 0, len(results))
	for _, result := range results {
		outcome := resubmitOutcomeDTO{
			Rank:   result.Rank,
			Date:   result.Date,
			Status: tasks.ErrStatus(result.Err),
		}
		if result.Err == nil {
			outcome.State = string(result.State)
		}
		outcomes = append(outcomes, outcome)
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

// handleListPlaylists lists the caller's catalog playlists.
func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	playlists, err := s.catalog.UserPlaylists(r.Context(), bearerToken(r.Context()))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"playlists": playlists})
}

type createPlaylistPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
}

// handleCreatePlaylist creates a catalog playlist owned by the caller.
func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var payload createPlaylistPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondStatus(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Name == "" {
		s.respondStatus(w, http.StatusBadRequest, "name is required")
		return
	}

	playlist, err := s.catalog.CreatePlaylist(r.Context(), bearerToken(r.Context()), payload.Name, payload.Description, payload.Public)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, playlist)
}

// handlePlaylistTracks lists the tracks of ?id=<playlistID>.
func (s *Server) handlePlaylistTracks(w http.ResponseWriter, r *http.Request) {
	playlistID := r.URL.Query().Get("id")
	if playlistID == "" {
		s.respondStatus(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	tracks, err := s.catalog.PlaylistTracks(r.Context(), bearerToken(r.Context()), playlistID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

// ListenAndServe starts the HTTP server at addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	s.logger.Info("server listening", "addr", addr)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
