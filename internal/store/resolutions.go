package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"melonsync/internal/shared"
)

// ResolutionStore implements the durable record store over SQLite.
type ResolutionStore struct {
	db *sql.DB
}

// NewResolutionStore creates a ResolutionStore with the given database connection.
func NewResolutionStore(db *sql.DB) *ResolutionStore {
	return &ResolutionStore{db: db}
}

const recordColumns = `id, chart_date, rank, title, artist, corrected_title, corrected_artist,
	state, chosen_id, chosen_uri, chosen_title, chosen_artist, inserted,
	attempt_count, last_attempt_at, created_at, updated_at`

// Create inserts a new record with a generated ID.
//
// A second create for the same (date, rank) violates the unique key and is
// reported as a conflict so racing ingest workers can re-read instead.
func (s *ResolutionStore) Create(record *Record) error {
	if record.State == "" {
		record.State = StatePending
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	record.ID = shared.GenerateID()
	record.CreatedAt = now
	record.UpdatedAt = now

	query := fmt.Sprintf(`INSERT INTO resolutions (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, recordColumns)

	_, err := s.db.Exec(query,
		record.ID,
		record.Date,
		record.Rank,
		record.Title,
		record.Artist,
		record.CorrectedTitle,
		record.CorrectedArtist,
		string(record.State),
		record.ChosenID,
		record.ChosenURI,
		record.ChosenTitle,
		record.ChosenArtist,
		record.Inserted,
		record.AttemptCount,
		nullTime(record.LastAttemptAt),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: record exists for %s rank %d", shared.ErrConflict, record.Date, record.Rank)
		}
		return fmt.Errorf("failed to insert record: %w", err)
	}

	return nil
}

// Get retrieves the record for (date, rank).
func (s *ResolutionStore) Get(date string, rank int) (*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM resolutions WHERE chart_date = ? AND rank = ?`, recordColumns)
	return s.scanOne(s.db.QueryRow(query, date, rank))
}

// Update writes record back, guarded by a compare-and-swap on attempt_count.
//
// expectedAttempts is the attempt count the caller read; if another writer
// got there first the update matches zero rows and ErrConflict is returned
// rather than silently overwriting.
func (s *ResolutionStore) Update(record *Record, expectedAttempts int) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	now := time.Now().UTC()
	record.UpdatedAt = now

	query := `
		UPDATE resolutions
		SET corrected_title = ?, corrected_artist = ?, state = ?,
			chosen_id = ?, chosen_uri = ?, chosen_title = ?, chosen_artist = ?,
			inserted = ?, attempt_count = ?, last_attempt_at = ?, updated_at = ?
		WHERE chart_date = ? AND rank = ? AND attempt_count = ?
	`

	result, err := s.db.Exec(query,
		record.CorrectedTitle,
		record.CorrectedArtist,
		string(record.State),
		record.ChosenID,
		record.ChosenURI,
		record.ChosenTitle,
		record.ChosenArtist,
		record.Inserted,
		record.AttemptCount,
		nullTime(record.LastAttemptAt),
		now,
		record.Date,
		record.Rank,
		expectedAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s rank %d (expected attempt %d)", shared.ErrConflict, record.Date, record.Rank, expectedAttempts)
	}

	return nil
}

// ListMissed retrieves the missed records for a chart date, ordered by rank ascending.
func (s *ResolutionStore) ListMissed(date string) ([]*Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM resolutions WHERE chart_date = ? AND state = ? ORDER BY rank ASC`, recordColumns)

	rows, err := s.db.Query(query, date, string(StateMissed))
	if err != nil {
		return nil, fmt.Errorf("failed to query missed records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// scanOne scans a single [sql.Row] into a [Record].
func (s *ResolutionStore) scanOne(row *sql.Row) (*Record, error) {
	record, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, shared.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	return record, nil
}

// scanRow scans a row from [sql.Rows] into a [Record].
func (s *ResolutionStore) scanRow(rows *sql.Rows) (*Record, error) {
	record, err := scanRecord(rows.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	return record, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		record        Record
		state         string
		lastAttemptAt sql.NullTime
	)

	err := scan(
		&record.ID,
		&record.Date,
		&record.Rank,
		&record.Title,
		&record.Artist,
		&record.CorrectedTitle,
		&record.CorrectedArtist,
		&state,
		&record.ChosenID,
		&record.ChosenURI,
		&record.ChosenTitle,
		&record.ChosenArtist,
		&record.Inserted,
		&record.AttemptCount,
		&lastAttemptAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.State = State(state)
	if lastAttemptAt.Valid {
		record.LastAttemptAt = lastAttemptAt.Time
	}

	return &record, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
