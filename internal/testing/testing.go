// package testing contains shared testing utilities
package testing

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"testing"

	"melonsync/internal/shared"
)

// MockRoundTripper allows scripted HTTP responses for testing.
//
// Responses are returned in order; the last one repeats once the script is
// exhausted. Requests are recorded for assertions.
type MockRoundTripper struct {
	Responses []*http.Response
	Err       error
	Requests  []*http.Request
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	idx := len(m.Requests) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// JSONResponse builds an *http.Response with a JSON body.
func JSONResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// SetupTestDB creates an in-memory SQLite database with migrations applied.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	// Each sqlite connection gets its own in-memory database, so the pool
	// must stay at a single connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := shared.RunMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}
