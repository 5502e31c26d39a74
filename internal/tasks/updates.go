package tasks

import (
	"fmt"
	"time"

	"melonsync/internal/chart"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data
}

// Operation phase enumeration
type Phase int

const (
	FetchChart Phase = iota
	SearchTracks
	Resubmitting
	Done
)

func (p Phase) String() string {
	switch p {
	case FetchChart:
		return "fetch_chart"
	case SearchTracks:
		return "search_tracks"
	case Resubmitting:
		return "resubmitting"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default so progress reporting never blocks execution.
func (e *ChartEngine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func fetchChartUpdate(date string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchChart,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Fetching chart for %s...", date),
	}
}

func searchTracksUpdate(step, total int, entry chart.Entry) ProgressUpdate {
	return ProgressUpdate{
		Phase:   SearchTracks,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Matching %q by %q...", entry.Title, entry.Artist),
		Data:    entry,
	}
}

func resubmitUpdate(step, total, rank int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Resubmitting,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Resubmitting rank %d...", rank),
	}
}

func doneUpdate(summary *IngestSummary) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Done,
		Step:    1,
		Total:   1,
		Message: "Ingestion complete",
		Data:    summary,
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
