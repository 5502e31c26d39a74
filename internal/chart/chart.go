// package chart models the daily Melon Top 100 chart and its sources.
package chart

import (
	"fmt"
	"time"

	"melonsync/internal/shared"
)

// DateFormat is the chart date key format (YYYY-MM-DD).
const DateFormat = "2006-01-02"

// Entry is one ranked (title, artist) pair published for a chart date.
// Entries are immutable facts; corrections live on resolution records.
type Entry struct {
	Rank   int    `json:"rank"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Date   string `json:"date"`
}

// Today returns today's chart date in the chart's timezone. The Melon chart
// publishes on KST, so that is the default when tz is empty or unknown.
func Today(tz string) string {
	if tz == "" {
		tz = "Asia/Seoul"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format(DateFormat)
}

// ParseDate validates a YYYY-MM-DD chart date string.
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateFormat, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", shared.ErrInvalidInput, date)
	}
	return t, nil
}

// Validate checks that entries form a complete chart: ranks are exactly a
// permutation of 1..N. A duplicate or out-of-range rank is a data error and
// fails the whole chart.
func Validate(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty chart", shared.ErrChartIntegrity)
	}

	seen := make(map[int]bool, len(entries))
	for _, entry := range entries {
		if entry.Rank < 1 || entry.Rank > len(entries) {
			return fmt.Errorf("%w: rank %d out of range 1..%d", shared.ErrChartIntegrity, entry.Rank, len(entries))
		}
		if seen[entry.Rank] {
			return fmt.Errorf("%w: duplicate rank %d", shared.ErrChartIntegrity, entry.Rank)
		}
		seen[entry.Rank] = true
	}

	return nil
}
