package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/internal/scheduler"
	"buildhook/internal/state"
	"buildhook/internal/store"
	"buildhook/pkg/api"
)

// Mock scheduler
type mockScheduler struct {
	submitResp scheduler.Accepted
	submitErr  error
	abortResp  state.AbortOutcome
	abortAllN  int

	// Spies
	capturedPayload map[string]string
	capturedAbort   string
}

func (m *mockScheduler) Submit(payload map[string]string) (scheduler.Accepted, error) {
	m.capturedPayload = payload
	return m.submitResp, m.submitErr
}

func (m *mockScheduler) Abort(uniqueID string) state.AbortOutcome {
	m.capturedAbort = uniqueID
	return m.abortResp
}

func (m *mockScheduler) AbortAll() int { return m.abortAllN }

// Mock archive
type mockArchive struct {
	listResp []api.BuildRecord
	listErr  error
	pingErr  error

	capturedOpts store.ListOptions
}

func (m *mockArchive) SaveBuild(ctx context.Context, rec api.BuildRecord) error { return nil }

func (m *mockArchive) ListBuilds(ctx context.Context, opts store.ListOptions) ([]api.BuildRecord, error) {
	m.capturedOpts = opts
	return m.listResp, m.listErr
}

func (m *mockArchive) Ping(ctx context.Context) error { return m.pingErr }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{TokenPath: filepath.Join(t.TempDir(), "token")}
	cfg.Project.Build.UniqueBuildKey = "branch"
	return cfg
}

func newTestHandlers(t *testing.T, sched Scheduler, archive store.BuildArchive) (*Handlers, *state.State) {
	t.Helper()
	st := state.New()
	h := New(sched, st, archive, testConfig(t), logger.Discard())
	t.Cleanup(h.Close)
	return h, st
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name           string
		endpoint       string
		archive        *mockArchive
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "Healthz Always OK",
			endpoint:       "/healthz",
			expectedStatus: http.StatusOK,
			expectedBody:   "healthy",
		},
		{
			name:           "Readyz Without Archive",
			endpoint:       "/readyz",
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:           "Readyz Archive Reachable",
			endpoint:       "/readyz",
			archive:        &mockArchive{},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name:           "Readyz Database Fail",
			endpoint:       "/readyz",
			archive:        &mockArchive{pingErr: errors.New("db down")},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "Database unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var archive store.BuildArchive
			if tt.archive != nil {
				archive = tt.archive
			}
			h, _ := newTestHandlers(t, &mockScheduler{}, archive)

			req := httptest.NewRequest(http.MethodGet, tt.endpoint, nil)
			rr := httptest.NewRecorder()

			if tt.endpoint == "/healthz" {
				h.Healthz(rr, req)
			} else {
				h.Readyz(rr, req)
			}

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedBody) {
				t.Errorf("handler returned unexpected body: got %v want substring %v", rr.Body.String(), tt.expectedBody)
			}
		})
	}
}
