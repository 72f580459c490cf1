package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/biostar-central/planetjob/internal/db"
)

type fakeStore struct {
	runs  []db.Run
	stats db.RunStats
	err   error
	limit int
}

func (f *fakeStore) GetRecentRuns(_ context.Context, limit int) ([]db.Run, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func (f *fakeStore) GetLastRun(_ context.Context) (*db.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.runs) == 0 {
		return nil, nil
	}
	r := f.runs[0]
	return &r, nil
}

func (f *fakeStore) GetRunStats(_ context.Context) (db.RunStats, error) {
	return f.stats, f.err
}

func newTestServer(store Store) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, store, ":0").Handler()
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
	return w, body
}

func sampleRun(id string, exitCode int) db.Run {
	now := time.Now()
	return db.Run{
		ID:          id,
		UpdateCount: 5,
		Command:     "python manage.py planet --update 5",
		ExitCode:    exitCode,
		DurationMs:  900,
		StartedAt:   now.Add(-time.Second),
		FinishedAt:  now,
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		runs       []db.Run
		wantCode   int
		wantStatus string
	}{
		{"empty history", nil, http.StatusOK, "unknown"},
		{"last run ok", []db.Run{sampleRun("a", 0)}, http.StatusOK, "healthy"},
		{"last run failed", []db.Run{sampleRun("b", 2), sampleRun("a", 0)}, http.StatusServiceUnavailable, "failing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeStore{runs: tt.runs})
			w, body := get(t, h, "/health")

			if w.Code != tt.wantCode {
				t.Errorf("Expected status code %d, got %d", tt.wantCode, w.Code)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("Expected status %q, got %v", tt.wantStatus, body["status"])
			}
		})
	}
}

func TestHealthStoreError(t *testing.T) {
	h := newTestServer(&fakeStore{err: errors.New("database is closed")})
	w, _ := get(t, h, "/health")

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestRuns(t *testing.T) {
	store := &fakeStore{
		runs:  []db.Run{sampleRun("c", 0), sampleRun("b", 1), sampleRun("a", 0)},
		stats: db.RunStats{TotalRuns: 3, FailedRuns: 1, LastSuccess: time.Now()},
	}
	h := newTestServer(store)

	w, body := get(t, h, "/runs?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if store.limit != 2 {
		t.Errorf("Expected limit 2 passed to store, got %d", store.limit)
	}

	runs, ok := body["runs"].([]any)
	if !ok || len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %v", body["runs"])
	}
	first := runs[0].(map[string]any)
	if first["id"] != "c" {
		t.Errorf("Expected first run 'c', got %v", first["id"])
	}

	stats := body["stats"].(map[string]any)
	if stats["total_runs"] != float64(3) {
		t.Errorf("Expected total_runs 3, got %v", stats["total_runs"])
	}
	if _, ok := stats["last_failure"]; ok {
		t.Error("last_failure should be omitted when zero")
	}
}

func TestRunsDefaultAndCappedLimit(t *testing.T) {
	store := &fakeStore{}
	h := newTestServer(store)

	get(t, h, "/runs")
	if store.limit != 20 {
		t.Errorf("Expected default limit 20, got %d", store.limit)
	}

	get(t, h, "/runs?limit=100000")
	if store.limit != maxRunsLimit {
		t.Errorf("Expected capped limit %d, got %d", maxRunsLimit, store.limit)
	}
}

func TestRunsInvalidLimit(t *testing.T) {
	h := newTestServer(&fakeStore{})

	for _, q := range []string{"abc", "0", "-1"} {
		w, _ := get(t, h, "/runs?limit="+q)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(logger, &fakeStore{}, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
