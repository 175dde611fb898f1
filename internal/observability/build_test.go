package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buildhook/pkg/api"
)

func TestBuildMetrics_AppearInOutput(t *testing.T) {
	ctx := context.Background()

	handler, shutdown, err := InitMetrics()
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	m, err := NewBuildMetrics(Meter(), func() int { return 3 })
	if err != nil {
		t.Fatalf("NewBuildMetrics failed: %v", err)
	}
	m.BuildFinished(ctx, api.StatusError)
	m.StepFinished(ctx, StepSucceeded, 1500*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"buildhook_builds_total",
		`status="error"`,
		"buildhook_steps_total",
		"buildhook_step_duration",
		"buildhook_queue_depth",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output, got:\n%s", want, body)
		}
	}
}

func TestBuildMetrics_NilIsNoop(t *testing.T) {
	var m *BuildMetrics
	m.BuildFinished(context.Background(), api.StatusSuccess)
	m.StepFinished(context.Background(), StepFailed, time.Second)
}
