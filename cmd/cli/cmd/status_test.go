package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"buildhook/pkg/api"
)

func TestStatusCommand_ActiveAndQueue(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.StatusResponse{
			Active: &api.ActiveBuild{
				ID: "build-1", UniqueID: "main", Status: api.StatusBuilding,
				CurrentStep: 2, TotalSteps: 3, StartedAt: time.Now().Add(-90 * time.Second),
			},
			Queued:  []string{"dev", "feature"},
			Running: true,
		})
	}))
	defer server.Close()

	output := execute(t, server.URL, "status")

	for _, s := range []string{"Active Build", "build-1", "main", "building", "2/3", "1m ago", "2 waiting (dev, feature)"} {
		if !strings.Contains(output, s) {
			t.Errorf("expected %q in output, got: %s", s, output)
		}
	}
}

func TestStatusCommand_Idle(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.StatusResponse{Queued: []string{}})
	}))
	defer server.Close()

	output := execute(t, server.URL, "status")

	if !strings.Contains(output, "No active build") || !strings.Contains(output, "empty") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestStatusCommand_Unauthorized(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.BuildResponse{Message: "Unauthorized Access", Status: api.StatusUnauthorized})
	}))
	defer server.Close()

	output := execute(t, server.URL, "status")

	if !strings.Contains(output, "Status failed (401): Unauthorized Access [unauthorized]") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRelativeTime(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{25 * time.Hour, "1 day"},
		{72 * time.Hour, "3 days"},
	}
	for _, tt := range tests {
		if got := relativeTime(time.Now().Add(-tt.ago)); got != tt.want {
			t.Errorf("relativeTime(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}
