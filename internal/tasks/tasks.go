// package tasks orchestrates chart-to-catalog reconciliation.
//
// ChartEngine runs the two core operations: Ingest walks one day's chart
// through search, matching, persistence, and playlist insertion with a
// bounded worker pool; Resubmit re-attempts a missed entry with a human
// correction. Both report per-entry outcomes rather than failing a whole
// batch on one bad entry; only chart integrity violations abort.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"melonsync/internal/catalog"
	"melonsync/internal/chart"
	"melonsync/internal/matcher"
	"melonsync/internal/shared"
	"melonsync/internal/store"
)

// CatalogClient is the slice of the catalog adapter the engine needs.
type CatalogClient interface {
	Search(ctx context.Context, token, title, artist string) ([]catalog.Candidate, error)
	AddTracks(ctx context.Context, token, playlistID string, uris []string) error
}

// ResolutionStore is the slice of the record store the engine needs.
type ResolutionStore interface {
	Create(record *store.Record) error
	Get(date string, rank int) (*store.Record, error)
	Update(record *store.Record, expectedAttempts int) error
	ListMissed(date string) ([]*store.Record, error)
}

// ChartEngine reconciles chart entries against the catalog.
type ChartEngine struct {
	source  chart.Source
	catalog CatalogClient
	store   ResolutionStore
	match   matcher.Config
	workers int
	logger  *log.Logger
}

// EngineOpts contains configuration options for creating a ChartEngine.
type EngineOpts struct {
	Source  chart.Source
	Catalog CatalogClient
	Store   ResolutionStore
	Match   matcher.Config // Zero value means matcher.DefaultConfig()
	Workers int            // Concurrent entry workers (default 5, capped at 10)
	Logger  *log.Logger
}

// NewChartEngine creates a ChartEngine with the provided dependencies.
func NewChartEngine(opts EngineOpts) *ChartEngine {
	if opts.Match == (matcher.Config{}) {
		opts.Match = matcher.DefaultConfig()
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.Workers > 10 {
		opts.Workers = 10
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}

	return &ChartEngine{
		source:  opts.Source,
		catalog: opts.Catalog,
		store:   opts.Store,
		match:   opts.Match,
		workers: opts.Workers,
		logger:  opts.Logger,
	}
}

// IngestSummary reports per-entry outcomes of one ingestion pass.
//
// Every chart entry lands in exactly one of Resolved, Missed, or Errors, so
// Total is always their sum. Skipped and the failure counters qualify those
// buckets rather than adding to them.
type IngestSummary struct {
	Date              string `json:"date"`
	Total             int    `json:"total"`
	Resolved          int    `json:"resolved"`
	Missed            int    `json:"missed"`
	Skipped           int    `json:"skipped"`
	Errors            int    `json:"errors"`
	SearchFailures    int    `json:"searchFailures"`
	InsertionFailures int    `json:"insertionFailures"`
}

// storeRetryLimit bounds CAS retries when a concurrent writer races a
// worker's record transition.
const storeRetryLimit = 3

// entryOutcome is one worker's result for a single chart entry.
type entryOutcome struct {
	rank         int
	state        store.State
	skipped      bool
	searchFailed bool
	insertFailed bool
	err          error
}

// Ingest reconciles the chart for date against the catalog and, when
// playlistID is non-empty, appends resolved tracks to that playlist.
//
// Entries are processed by a bounded worker pool; the catalog client's rate
// limiter and backoff block only the issuing worker. Re-running a date is
// idempotent: resolved-and-inserted records are skipped, resolved-but-not-
// inserted records retry only the playlist insertion, and missed records
// wait for resubmission instead of repeating a search that already failed.
func (e *ChartEngine) Ingest(ctx context.Context, progress chan<- ProgressUpdate, date, playlistID, token string) (*IngestSummary, error) {
	if e.source == nil || e.catalog == nil || e.store == nil {
		return nil, fmt.Errorf("%w: engine not fully initialized", shared.ErrServiceUnavailable)
	}
	if _, err := chart.ParseDate(date); err != nil {
		return nil, err
	}

	e.sendProgress(progress, fetchChartUpdate(date))

	entries, err := e.source.Fetch(ctx, date)
	if err != nil {
		return nil, err
	}
	if err := chart.Validate(entries); err != nil {
		return nil, err
	}

	total := len(entries)
	summary := &IngestSummary{Date: date, Total: total}

	jobs := make(chan chart.Entry)
	results := make(chan entryOutcome, total)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go e.ingestWorker(ctx, &wg, jobs, results, playlistID, token)
	}

	go func() {
		defer close(jobs)
		for i, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case jobs <- entry:
			}
			e.sendProgress(progress, searchTracksUpdate(i+1, total, entry))
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstFatal error
	for outcome := range results {
		if outcome.err != nil && errors.Is(outcome.err, shared.ErrUnauthorized) && firstFatal == nil {
			// An invalid credential fails every entry the same way; surface
			// it for re-authentication instead of counting 100 misses.
			firstFatal = outcome.err
		}

		switch outcome.state {
		case store.StateResolved:
			summary.Resolved++
		case store.StateMissed:
			summary.Missed++
		default:
			// The entry never reached a terminal state, usually a store
			// write failure. Count it so the summary still accounts for
			// every entry, and log it so the stuck record is visible.
			summary.Errors++
			e.logger.Error("entry not reconciled", "date", date, "rank", outcome.rank, "error", outcome.err)
		}
		if outcome.skipped {
			summary.Skipped++
		}
		if outcome.searchFailed {
			summary.SearchFailures++
		}
		if outcome.insertFailed {
			summary.InsertionFailures++
		}
	}

	if firstFatal != nil {
		return summary, firstFatal
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	e.sendProgress(progress, doneUpdate(summary))
	return summary, nil
}

// ingestWorker processes chart entries from the jobs channel.
func (e *ChartEngine) ingestWorker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan chart.Entry, results chan<- entryOutcome, playlistID, token string) {
	defer wg.Done()

	for entry := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results <- e.processEntry(ctx, entry, playlistID, token)
	}
}

// processEntry runs one chart entry through the reconciliation pipeline.
func (e *ChartEngine) processEntry(ctx context.Context, entry chart.Entry, playlistID, token string) entryOutcome {
	outcome := entryOutcome{rank: entry.Rank}

	record, err := e.store.Get(entry.Date, entry.Rank)
	switch {
	case errors.Is(err, shared.ErrRecordNotFound):
		record = &store.Record{
			Date:   entry.Date,
			Rank:   entry.Rank,
			Title:  entry.Title,
			Artist: entry.Artist,
			State:  store.StatePending,
		}
		if err := e.store.Create(record); err != nil {
			if !errors.Is(err, shared.ErrConflict) {
				outcome.err = err
				return outcome
			}
			// Another worker created it first; fall through with its copy.
			if record, err = e.store.Get(entry.Date, entry.Rank); err != nil {
				outcome.err = err
				return outcome
			}
		}
	case err != nil:
		outcome.err = err
		return outcome
	}

	if record.State == store.StateResolved {
		outcome.state = store.StateResolved
		if record.Inserted || playlistID == "" {
			outcome.skipped = true
			return outcome
		}
		// Found on a previous pass but never inserted: retry only the
		// playlist call, never the search.
		if err := e.insert(ctx, record, playlistID, token); err != nil {
			outcome.insertFailed = true
			outcome.err = err
		}
		return outcome
	}

	if record.State == store.StateMissed {
		// Still missed from a previous pass; resolution comes through the
		// resubmission workflow, not by repeating the same search.
		outcome.state = store.StateMissed
		outcome.skipped = true
		return outcome
	}

	return e.resolve(ctx, record, playlistID, token)
}

// resolve searches the catalog, applies the match engine, persists the
// transition, and inserts the winner into the playlist.
func (e *ChartEngine) resolve(ctx context.Context, record *store.Record, playlistID, token string) entryOutcome {
	outcome := entryOutcome{rank: record.Rank}
	expected := record.AttemptCount

	candidates, err := e.catalog.Search(ctx, token, record.SearchTitle(), record.SearchArtist())
	if err != nil {
		if errors.Is(err, shared.ErrUnauthorized) || ctx.Err() != nil {
			outcome.err = err
			return outcome
		}
		// Search exhausted retries or failed permanently: no confident
		// match exists, so record the miss and count the failure.
		e.logger.Warn("catalog search failed", "date", record.Date, "rank", record.Rank, "error", err)
		outcome.searchFailed = true
		candidates = nil
	}

	decision := matcher.Match(e.match, record.SearchTitle(), record.SearchArtist(), candidates)
	applyDecision(record, decision)

	for attempt := 1; ; attempt++ {
		err := e.store.Update(record, expected)
		if err == nil {
			break
		}
		if !errors.Is(err, shared.ErrConflict) || attempt >= storeRetryLimit {
			outcome.err = err
			return outcome
		}

		// A concurrent writer advanced the record between our read and the
		// transition. Reload it and reapply the decision on top.
		fresh, getErr := e.store.Get(record.Date, record.Rank)
		if getErr != nil {
			outcome.err = getErr
			return outcome
		}
		if fresh.State != store.StatePending {
			// Settled elsewhere, e.g. by a resubmission; keep that result.
			outcome.state = fresh.State
			outcome.skipped = true
			return outcome
		}
		expected = fresh.AttemptCount
		record.AttemptCount = fresh.AttemptCount + 1
	}

	outcome.state = record.State
	if record.State == store.StateResolved && playlistID != "" {
		if err := e.insert(ctx, record, playlistID, token); err != nil {
			outcome.insertFailed = true
			outcome.err = err
		}
	}

	return outcome
}

// insert appends the record's chosen track to the playlist and marks the
// record inserted. The record stays RESOLVED even when insertion fails; the
// summary carries the failure instead.
func (e *ChartEngine) insert(ctx context.Context, record *store.Record, playlistID, token string) error {
	if err := e.catalog.AddTracks(ctx, token, playlistID, []string{record.ChosenURI}); err != nil {
		e.logger.Warn("playlist insertion failed", "date", record.Date, "rank", record.Rank, "error", err)
		return err
	}

	record.Inserted = true
	return e.store.Update(record, record.AttemptCount)
}

// applyDecision transitions record per the match decision and counts the attempt.
func applyDecision(record *store.Record, decision matcher.Decision) {
	record.AttemptCount++
	record.LastAttemptAt = nowUTC()

	if decision.Outcome == matcher.Resolved {
		record.State = store.StateResolved
		record.ChosenID = decision.Winner.ID
		record.ChosenURI = decision.Winner.URI
		record.ChosenTitle = decision.Winner.Title
		record.ChosenArtist = decision.Winner.Artist
		record.Inserted = false
	} else {
		record.State = store.StateMissed
		record.ChosenID = ""
		record.ChosenURI = ""
		record.ChosenTitle = ""
		record.ChosenArtist = ""
		record.Inserted = false
	}
}
