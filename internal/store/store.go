// package store persists resolution records for chart entries.
//
// One record exists per (chart date, rank). Records are created PENDING at
// first ingestion and afterwards only transitioned between RESOLVED and
// MISSED, never deleted, preserving what the chart published next to what a
// human later asserted. Writes to the same key go through a compare-and-swap
// on attempt_count so concurrent resubmissions surface as conflicts instead
// of lost updates.
package store

import (
	"fmt"
	"time"

	"melonsync/internal/shared"
)

// State of a resolution record.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateMissed   State = "missed"
)

// Record is the durable resolution state of one chart entry.
type Record struct {
	ID   string
	Date string // Chart date, YYYY-MM-DD
	Rank int    // 1-based chart position, unique per date

	// As published by the chart. Never mutated.
	Title  string
	Artist string

	// Human-supplied correction, set by resubmission.
	CorrectedTitle  string
	CorrectedArtist string

	State State

	// Chosen catalog candidate. Set iff State == StateResolved.
	ChosenID     string
	ChosenURI    string
	ChosenTitle  string
	ChosenArtist string

	// Inserted reports whether the chosen track reached the playlist.
	// A resolved record with Inserted false is retried for insertion on the
	// next ingestion pass without re-running the match engine.
	Inserted bool

	AttemptCount  int
	LastAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate enforces the record invariants: resolved records carry a chosen
// candidate, missed and pending records do not.
func (r *Record) Validate() error {
	if r.Date == "" {
		return fmt.Errorf("%w: record missing date", shared.ErrInvalidInput)
	}
	if r.Rank < 1 {
		return fmt.Errorf("%w: record rank must be positive", shared.ErrInvalidInput)
	}

	switch r.State {
	case StateResolved:
		if r.ChosenID == "" {
			return fmt.Errorf("%w: resolved record missing chosen candidate", shared.ErrInvalidInput)
		}
	case StateMissed, StatePending:
		if r.ChosenID != "" {
			return fmt.Errorf("%w: %s record has chosen candidate", shared.ErrInvalidInput, r.State)
		}
	default:
		return fmt.Errorf("%w: unknown state %q", shared.ErrInvalidInput, r.State)
	}

	return nil
}

// SearchTitle returns the title to search the catalog with: the human
// correction when present, otherwise what the chart published.
func (r *Record) SearchTitle() string {
	if r.CorrectedTitle != "" {
		return r.CorrectedTitle
	}
	return r.Title
}

// SearchArtist returns the artist to search the catalog with.
func (r *Record) SearchArtist() string {
	if r.CorrectedArtist != "" {
		return r.CorrectedArtist
	}
	return r.Artist
}
