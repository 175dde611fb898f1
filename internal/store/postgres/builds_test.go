package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"buildhook/internal/store"
	"buildhook/pkg/api"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func TestSaveBuild(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()
	rec := api.BuildRecord{
		ID:              "b-1",
		UniqueID:        "main",
		Status:          api.StatusSuccess,
		CurrentStep:     2,
		TotalSteps:      2,
		StartedAt:       started,
		EndedAt:         ended,
		DurationSeconds: 60,
		SocketToken:     "secret",
		Payload:         map[string]string{"branch": "main"},
		OutPayload:      map[string]string{"report": "ok"},
		Logs:            []api.LogLine{},
	}

	mock.ExpectExec(`INSERT INTO builds`).
		WithArgs("b-1", "main", "success", 2, 2, started, ended, int64(60),
			[]byte(`{"branch":"main"}`), []byte(`{"report":"ok"}`), []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveBuild(context.Background(), rec); err != nil {
		t.Fatalf("SaveBuild failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSaveBuild_DBError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`INSERT INTO builds`).WillReturnError(errors.New("connection refused"))

	err := s.SaveBuild(context.Background(), api.BuildRecord{ID: "b-2"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestListBuilds(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "unique_id", "status", "current_step", "total_steps", "started_at", "ended_at",
		"duration_seconds", "payload", "out_payload", "logs",
	}).
		AddRow("b-2", "main", "error", 1, 3, now, now, 4,
			[]byte(`{"branch":"main"}`), []byte(`{}`), []byte(`[{"step":1,"stream":"stdout","message":"hi","timestamp":"2024-01-01T00:00:00Z"}]`)).
		AddRow("b-1", "main", "success", 3, 3, now.Add(-time.Hour), now.Add(-time.Hour), 10,
			[]byte(`{}`), []byte(`{"report":"ok"}`), []byte(`[]`))

	mock.ExpectQuery(`SELECT id, unique_id, status`).
		WithArgs("main", 5).
		WillReturnRows(rows)

	builds, err := s.ListBuilds(context.Background(), store.ListOptions{Limit: 5, UniqueID: "main"})
	if err != nil {
		t.Fatalf("ListBuilds failed: %v", err)
	}

	if len(builds) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(builds))
	}
	if builds[0].Status != api.StatusError || len(builds[0].Logs) != 1 || builds[0].Logs[0].Message != "hi" {
		t.Errorf("unexpected first build: %+v", builds[0])
	}
	if builds[1].OutPayload["report"] != "ok" {
		t.Errorf("expected out payload to be decoded, got %v", builds[1].OutPayload)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListBuilds_DefaultLimit(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT id, unique_id, status`).
		WithArgs("", store.DefaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	builds, err := s.ListBuilds(context.Background(), store.ListOptions{})
	if err != nil {
		t.Fatalf("ListBuilds failed: %v", err)
	}
	if builds == nil || len(builds) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", builds)
	}
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	s := &Store{db: db}
	defer s.Close()

	mock.ExpectPing()
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
