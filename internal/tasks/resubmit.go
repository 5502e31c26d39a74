package tasks

import (
	"context"
	"errors"
	"fmt"

	"melonsync/internal/matcher"
	"melonsync/internal/shared"
	"melonsync/internal/store"
)

// Correction is a human-corrected (title, artist) pair for a missed entry.
type Correction struct {
	Date   string `json:"date"`
	Rank   int    `json:"rank"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// ResubmitResult is the outcome of re-attempting one missed entry.
type ResubmitResult struct {
	Date            string      `json:"date"`
	Rank            int         `json:"rank"`
	State           store.State `json:"state,omitempty"`
	InsertionFailed bool        `json:"insertionFailed,omitempty"`
	Err             error       `json:"-"`
}

// Resubmit re-attempts resolution of one missed entry with a corrected
// (title, artist) pair, then inserts into the playlist on success.
//
// Only missed records may be resubmitted: a missing record or one in any
// other state is a protocol violation, reported without mutating anything.
// The store's compare-and-swap turns a concurrent resubmission of the same
// record into ErrConflict; callers retry the whole call.
func (e *ChartEngine) Resubmit(ctx context.Context, correction Correction, playlistID, token string) (*ResubmitResult, error) {
	result := &ResubmitResult{Date: correction.Date, Rank: correction.Rank}

	if correction.Title == "" || correction.Artist == "" {
		return nil, fmt.Errorf("%w: corrected title and artist are required", shared.ErrInvalidInput)
	}

	record, err := e.store.Get(correction.Date, correction.Rank)
	if err != nil {
		return nil, err
	}
	if record.State != store.StateMissed {
		return nil, fmt.Errorf("%w: cannot resubmit %s record at %s rank %d",
			shared.ErrProtocol, record.State, correction.Date, correction.Rank)
	}

	expected := record.AttemptCount

	candidates, err := e.catalog.Search(ctx, token, correction.Title, correction.Artist)
	if err != nil {
		return nil, err
	}

	record.CorrectedTitle = correction.Title
	record.CorrectedArtist = correction.Artist

	decision := matcher.Match(e.match, correction.Title, correction.Artist, candidates)
	applyDecision(record, decision)

	if err := e.store.Update(record, expected); err != nil {
		return nil, err
	}

	result.State = record.State
	if record.State == store.StateResolved && playlistID != "" {
		if err := e.insert(ctx, record, playlistID, token); err != nil {
			result.InsertionFailed = true
		}
	}

	return result, nil
}

// ResubmitAll processes corrections independently: one entry's failure never
// aborts the rest, and the returned slice carries a per-entry outcome so the
// caller can re-surface what is still missed.
func (e *ChartEngine) ResubmitAll(ctx context.Context, progress chan<- ProgressUpdate, corrections []Correction, playlistID, token string) []ResubmitResult {
	results := make([]ResubmitResult, 0, len(corrections))

	for i, correction := range corrections {
		if err := ctx.Err(); err != nil {
			results = append(results, ResubmitResult{Date: correction.Date, Rank: correction.Rank, Err: err})
			continue
		}

		e.sendProgress(progress, resubmitUpdate(i+1, len(corrections), correction.Rank))

		result, err := e.Resubmit(ctx, correction, playlistID, token)
		if err != nil {
			e.logger.Warn("resubmission failed", "date", correction.Date, "rank", correction.Rank, "error", err)
			results = append(results, ResubmitResult{Date: correction.Date, Rank: correction.Rank, Err: err})
			continue
		}

		results = append(results, *result)
	}

	return results
}

// MissedTracks lists the missed records for a chart date, ordered by rank.
func (e *ChartEngine) MissedTracks(date string) ([]*store.Record, error) {
	if e.store == nil {
		return nil, fmt.Errorf("%w: engine not fully initialized", shared.ErrServiceUnavailable)
	}
	return e.store.ListMissed(date)
}

// ErrStatus maps a resubmission error onto a short, stable status string.
func ErrStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shared.ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrProtocol):
		return "protocol_violation"
	case errors.Is(err, shared.ErrConflict):
		return "conflict"
	case errors.Is(err, shared.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
