package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"melonsync/internal/catalog"
	"melonsync/internal/chart"
	"melonsync/internal/shared"
	"melonsync/internal/store"
	testutil "melonsync/internal/testing"
)

// mockSource returns a fixed chart snapshot.
type mockSource struct {
	entries []chart.Entry
	err     error
	fetches int
}

func (m *mockSource) Fetch(ctx context.Context, date string) ([]chart.Entry, error) {
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	return m.entries, nil
}

// mockCatalog scripts search results per (title, artist) and records calls.
// Safe for concurrent workers.
type mockCatalog struct {
	mu       sync.Mutex
	searchFn func(title, artist string) ([]catalog.Candidate, error)
	addErr   error
	searches []string
	added    [][]string
}

func (m *mockCatalog) Search(ctx context.Context, token, title, artist string) ([]catalog.Candidate, error) {
	m.mu.Lock()
	m.searches = append(m.searches, title+"|"+artist)
	m.mu.Unlock()

	if m.searchFn != nil {
		return m.searchFn(title, artist)
	}
	return nil, nil
}

func (m *mockCatalog) AddTracks(ctx context.Context, token, playlistID string, uris []string) error {
	m.mu.Lock()
	m.added = append(m.added, uris)
	m.mu.Unlock()
	return m.addErr
}

func (m *mockCatalog) searchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.searches)
}

func (m *mockCatalog) addCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.added)
}

// exactCandidates resolves every search with a single exact match.
func exactCandidates(title, artist string) ([]catalog.Candidate, error) {
	return []catalog.Candidate{
		{ID: "id-" + title, URI: "spotify:track:" + title, Title: title, Artist: artist},
	}, nil
}

func chartEntries(date string, n int) []chart.Entry {
	entries := make([]chart.Entry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, chart.Entry{
			Rank:   i,
			Title:  fmt.Sprintf("Song %d", i),
			Artist: fmt.Sprintf("Artist %d", i),
			Date:   date,
		})
	}
	return entries
}

func newTestEngine(t *testing.T, source chart.Source, cat CatalogClient) (*ChartEngine, *store.ResolutionStore) {
	t.Helper()
	s := store.NewResolutionStore(testutil.SetupTestDB(t))
	engine := NewChartEngine(EngineOpts{
		Source:  source,
		Catalog: cat,
		Store:   s,
		Workers: 3,
	})
	return engine, s
}

// flakyStore wraps a real store and lets tests script write failures.
// updateFn is called under a mutex so scripts can keep state.
type flakyStore struct {
	mu       sync.Mutex
	inner    ResolutionStore
	updateFn func(record *store.Record, expected int) error
}

func (f *flakyStore) Create(record *store.Record) error { return f.inner.Create(record) }

func (f *flakyStore) Get(date string, rank int) (*store.Record, error) {
	return f.inner.Get(date, rank)
}

func (f *flakyStore) Update(record *store.Record, expected int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateFn != nil {
		return f.updateFn(record, expected)
	}
	return f.inner.Update(record, expected)
}

func (f *flakyStore) ListMissed(date string) ([]*store.Record, error) {
	return f.inner.ListMissed(date)
}

func TestIngest(t *testing.T) {
	const date = "2025-06-01"
	ctx := context.Background()

	t.Run("Resolves And Inserts", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 5)}
		cat := &mockCatalog{searchFn: exactCandidates}
		engine, s := newTestEngine(t, source, cat)

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}

		if summary.Total != 5 || summary.Resolved != 5 || summary.Missed != 0 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.addCount() != 5 {
			t.Errorf("expected 5 playlist insertions, got %d", cat.addCount())
		}

		record, err := s.Get(date, 3)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StateResolved || !record.Inserted {
			t.Errorf("expected resolved and inserted, got %+v", record)
		}
		if record.AttemptCount != 1 {
			t.Errorf("expected attempt count 1, got %d", record.AttemptCount)
		}
	})

	t.Run("No Record Left Pending", func(t *testing.T) {
		// Rank 2's search fails permanently; the record must still end up
		// in a terminal state.
		source := &mockSource{entries: chartEntries(date, 3)}
		cat := &mockCatalog{searchFn: func(title, artist string) ([]catalog.Candidate, error) {
			if title == "Song 2" {
				return nil, fmt.Errorf("%w: search blew up", shared.ErrServiceUnavailable)
			}
			return exactCandidates(title, artist)
		}}
		engine, s := newTestEngine(t, source, cat)

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}

		if summary.Resolved != 2 || summary.Missed != 1 || summary.SearchFailures != 1 {
			t.Errorf("unexpected summary: %+v", summary)
		}

		record, err := s.Get(date, 2)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StateMissed {
			t.Errorf("expected missed, got %s", record.State)
		}
	})

	t.Run("Ambiguous Candidates Miss", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 1)}
		cat := &mockCatalog{searchFn: func(title, artist string) ([]catalog.Candidate, error) {
			// Two candidates with identical scores: never guess.
			return []catalog.Candidate{
				{ID: "a", URI: "spotify:track:a", Title: title, Artist: artist},
				{ID: "b", URI: "spotify:track:b", Title: title, Artist: artist},
			}, nil
		}}
		engine, s := newTestEngine(t, source, cat)

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}

		if summary.Missed != 1 || summary.Resolved != 0 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.addCount() != 0 {
			t.Error("expected no playlist insertions for ambiguous match")
		}

		record, err := s.Get(date, 1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StateMissed || record.ChosenID != "" {
			t.Errorf("expected missed without candidate, got %+v", record)
		}
	})

	t.Run("Rerun Is Idempotent", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 4)}
		cat := &mockCatalog{searchFn: exactCandidates}
		engine, _ := newTestEngine(t, source, cat)

		if _, err := engine.Ingest(ctx, nil, date, "playlist-1", "token"); err != nil {
			t.Fatalf("first ingest failed: %v", err)
		}
		searchesAfterFirst := cat.searchCount()
		addsAfterFirst := cat.addCount()

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("second ingest failed: %v", err)
		}

		if summary.Skipped != 4 {
			t.Errorf("expected 4 skipped, got %d", summary.Skipped)
		}
		if cat.searchCount() != searchesAfterFirst {
			t.Errorf("expected no new searches on rerun, got %d extra", cat.searchCount()-searchesAfterFirst)
		}
		if cat.addCount() != addsAfterFirst {
			t.Errorf("expected no new insertions on rerun, got %d extra", cat.addCount()-addsAfterFirst)
		}
	})

	t.Run("Missed Records Wait For Resubmission", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 1)}
		cat := &mockCatalog{} // no candidates ever
		engine, _ := newTestEngine(t, source, cat)

		if _, err := engine.Ingest(ctx, nil, date, "playlist-1", "token"); err != nil {
			t.Fatalf("first ingest failed: %v", err)
		}

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("second ingest failed: %v", err)
		}

		if summary.Missed != 1 || summary.Skipped != 1 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.searchCount() != 1 {
			t.Errorf("expected missed entry not to be re-searched, got %d searches", cat.searchCount())
		}
	})

	t.Run("Insertion Failure Retried Without Search", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 1)}
		cat := &mockCatalog{
			searchFn: exactCandidates,
			addErr:   fmt.Errorf("%w: playlist busy", shared.ErrServiceUnavailable),
		}
		engine, s := newTestEngine(t, source, cat)

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("first ingest failed: %v", err)
		}
		if summary.Resolved != 1 || summary.InsertionFailures != 1 {
			t.Errorf("unexpected summary: %+v", summary)
		}

		record, err := s.Get(date, 1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StateResolved || record.Inserted {
			t.Errorf("expected resolved but not inserted, got %+v", record)
		}

		// Next pass retries only the insertion.
		cat.addErr = nil
		summary, err = engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("second ingest failed: %v", err)
		}
		if summary.InsertionFailures != 0 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.searchCount() != 1 {
			t.Errorf("expected no re-search, got %d searches", cat.searchCount())
		}
		if cat.addCount() != 2 {
			t.Errorf("expected insertion retry, got %d add calls", cat.addCount())
		}

		record, err = s.Get(date, 1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !record.Inserted {
			t.Error("expected record marked inserted after retry")
		}
	})

	t.Run("Chart Integrity Aborts Before Any Search", func(t *testing.T) {
		entries := chartEntries(date, 3)
		entries[2].Rank = 1 // duplicate
		source := &mockSource{entries: entries}
		cat := &mockCatalog{searchFn: exactCandidates}
		engine, s := newTestEngine(t, source, cat)

		_, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if !errors.Is(err, shared.ErrChartIntegrity) {
			t.Fatalf("expected ErrChartIntegrity, got %v", err)
		}
		if cat.searchCount() != 0 {
			t.Errorf("expected no searches after integrity failure, got %d", cat.searchCount())
		}
		if _, err := s.Get(date, 2); !errors.Is(err, shared.ErrRecordNotFound) {
			t.Error("expected no records persisted after integrity failure")
		}
	})

	t.Run("Unauthorized Aborts Ingestion", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 3)}
		cat := &mockCatalog{searchFn: func(title, artist string) ([]catalog.Candidate, error) {
			return nil, fmt.Errorf("%w: bad token", shared.ErrUnauthorized)
		}}
		engine, _ := newTestEngine(t, source, cat)

		_, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if !errors.Is(err, shared.ErrUnauthorized) {
			t.Errorf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("Invalid Date", func(t *testing.T) {
		engine, _ := newTestEngine(t, &mockSource{}, &mockCatalog{})

		if _, err := engine.Ingest(ctx, nil, "junk", "playlist-1", "token"); err == nil {
			t.Error("expected error for malformed date")
		}
	})

	t.Run("No Playlist Skips Insertion", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 2)}
		cat := &mockCatalog{searchFn: exactCandidates}
		engine, _ := newTestEngine(t, source, cat)

		summary, err := engine.Ingest(ctx, nil, date, "", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		if summary.Resolved != 2 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.addCount() != 0 {
			t.Errorf("expected no insertions without playlist, got %d", cat.addCount())
		}
	})

	t.Run("Store Failure Is Counted", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 3)}
		cat := &mockCatalog{searchFn: exactCandidates}
		s := store.NewResolutionStore(testutil.SetupTestDB(t))

		flaky := &flakyStore{inner: s}
		flaky.updateFn = func(record *store.Record, expected int) error {
			if record.Rank == 2 {
				return fmt.Errorf("database is locked")
			}
			return s.Update(record, expected)
		}
		engine := NewChartEngine(EngineOpts{Source: source, Catalog: cat, Store: flaky, Workers: 3})

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}

		if summary.Errors != 1 || summary.Resolved != 2 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if got := summary.Resolved + summary.Missed + summary.Errors; got != summary.Total {
			t.Errorf("expected every entry accounted for, got %d of %d", got, summary.Total)
		}

		record, err := s.Get(date, 2)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StatePending {
			t.Errorf("expected unwritable record to stay pending, got %s", record.State)
		}
	})

	t.Run("Write Conflict Retried", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 1)}
		cat := &mockCatalog{searchFn: exactCandidates}
		s := store.NewResolutionStore(testutil.SetupTestDB(t))

		conflicted := false
		flaky := &flakyStore{inner: s}
		flaky.updateFn = func(record *store.Record, expected int) error {
			if !conflicted {
				conflicted = true
				return fmt.Errorf("%w: attempt count changed", shared.ErrConflict)
			}
			return s.Update(record, expected)
		}
		engine := NewChartEngine(EngineOpts{Source: source, Catalog: cat, Store: flaky, Workers: 3})

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		if summary.Resolved != 1 || summary.Errors != 0 {
			t.Errorf("unexpected summary: %+v", summary)
		}

		record, err := s.Get(date, 1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if record.State != store.StateResolved || !record.Inserted {
			t.Errorf("expected resolved and inserted after retry, got %+v", record)
		}
		if record.AttemptCount != 1 {
			t.Errorf("expected attemptCount 1, got %d", record.AttemptCount)
		}
	})

	t.Run("Conflict Settled Elsewhere Keeps That Result", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 1)}
		cat := &mockCatalog{searchFn: exactCandidates}
		s := store.NewResolutionStore(testutil.SetupTestDB(t))

		raced := false
		flaky := &flakyStore{inner: s}
		flaky.updateFn = func(record *store.Record, expected int) error {
			if raced {
				return s.Update(record, expected)
			}
			raced = true
			// Transition the record out from under the worker, the way a
			// concurrent resubmission would.
			fresh, err := s.Get(record.Date, record.Rank)
			if err != nil {
				return err
			}
			fresh.State = store.StateMissed
			fresh.AttemptCount++
			if err := s.Update(fresh, fresh.AttemptCount-1); err != nil {
				return err
			}
			return fmt.Errorf("%w: attempt count changed", shared.ErrConflict)
		}
		engine := NewChartEngine(EngineOpts{Source: source, Catalog: cat, Store: flaky, Workers: 3})

		summary, err := engine.Ingest(ctx, nil, date, "playlist-1", "token")
		if err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		if summary.Missed != 1 || summary.Skipped != 1 || summary.Errors != 0 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		if cat.addCount() != 0 {
			t.Errorf("expected no insertion for a record settled missed, got %d", cat.addCount())
		}
	})

	t.Run("Progress Updates Delivered", func(t *testing.T) {
		source := &mockSource{entries: chartEntries(date, 2)}
		cat := &mockCatalog{searchFn: exactCandidates}
		engine, _ := newTestEngine(t, source, cat)

		progress := make(chan ProgressUpdate, 16)
		if _, err := engine.Ingest(ctx, progress, date, "", "token"); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
		close(progress)

		var phases []Phase
		for update := range progress {
			phases = append(phases, update.Phase)
		}
		if len(phases) == 0 {
			t.Fatal("expected progress updates")
		}
		if phases[0] != FetchChart {
			t.Errorf("expected first update to be fetch phase, got %v", phases[0])
		}
		if phases[len(phases)-1] != Done {
			t.Errorf("expected final update to be done phase, got %v", phases[len(phases)-1])
		}
	})
}
