package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/internal/state"
	"buildhook/internal/store"
	"buildhook/pkg/api"
)

type fakeArchive struct {
	mu    sync.Mutex
	saved []api.BuildRecord
	err   error
}

func (f *fakeArchive) SaveBuild(_ context.Context, rec api.BuildRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, rec)
	return f.err
}

func (f *fakeArchive) ListBuilds(context.Context, store.ListOptions) ([]api.BuildRecord, error) {
	return f.saved, nil
}

func (f *fakeArchive) Ping(context.Context) error { return nil }

// collector fails the first failures requests and records every body.
func collector(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32, chan []byte) {
	t.Helper()
	var calls atomic.Int32
	bodies := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		if n <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, bodies
}

func setup(t *testing.T, url string) (*config.Config, *state.State, state.Build) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "report.txt"), []byte("all green"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		LogPath: filepath.Join(t.TempDir(), "logs"),
		Project: config.ProjectConfig{
			ProjectPath: root,
			Build: config.BuildConfig{
				OnSuccessFailure: url,
				CollectorTimeout: 2,
				RetryBackoff:     0,
				OnSuccessErrorPayload: []config.Payload{
					{Type: config.PayloadFile, Key1: "report", Key2: "report.txt"},
					{Type: config.PayloadEnv, Key1: "branch"},
					{Type: config.PayloadParam, Key1: "absent"},
				},
			},
		},
	}

	st := state.New()
	st.Enqueue(state.Request{ID: "id-1", UniqueID: "b1", StreamToken: "tok", Payload: map[string]string{"branch": "main"}}, 10)
	st.Promote(1)
	st.UpdateActive(func(b *state.Build) { b.Status = api.StatusSuccess })
	b, _ := st.Active()
	return cfg, st, b
}

func TestNotify_SucceedsFirstTime(t *testing.T) {
	srv, calls, bodies := collector(t, 0)
	cfg, st, b := setup(t, srv.URL)

	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)

	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	var rec api.BuildRecord
	if err := json.Unmarshal(<-bodies, &rec); err != nil {
		t.Fatalf("decode posted record: %v", err)
	}
	if rec.ID != "id-1" || rec.Status != api.StatusSuccess {
		t.Errorf("unexpected posted record: %+v", rec)
	}
	if len(rec.OutPayload) != 0 {
		t.Errorf("posted record must not carry the output payload, got %v", rec.OutPayload)
	}
	if len(st.DrainFailed()) != 0 {
		t.Error("expected empty failed history")
	}

	active, _ := st.Active()
	if active.OutPayload["report"] != "all green" {
		t.Errorf("expected output payload on the active build, got %v", active.OutPayload)
	}
}

func TestNotify_RetrySucceeds(t *testing.T) {
	srv, calls, _ := collector(t, 1)
	cfg, st, b := setup(t, srv.URL)

	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)

	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
	if n := len(st.DrainFailed()); n != 0 {
		t.Errorf("expected 0 failed entries, got %d", n)
	}
}

func TestNotify_RetryFails(t *testing.T) {
	srv, calls, _ := collector(t, 2)
	cfg, st, b := setup(t, srv.URL)

	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)

	if calls.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls.Load())
	}
	failed := st.DrainFailed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(failed))
	}
	want := map[string]string{"report": "all green", "branch": "main"}
	if len(failed[0].OutPayload) != len(want) {
		t.Fatalf("unexpected out payload %v", failed[0].OutPayload)
	}
	for k, v := range want {
		if failed[0].OutPayload[k] != v {
			t.Errorf("expected %s=%q, got %q", k, v, failed[0].OutPayload[k])
		}
	}
}

func TestNotify_UnreachableCollector(t *testing.T) {
	srv, _, _ := collector(t, 0)
	url := srv.URL
	srv.Close()
	cfg, st, b := setup(t, url)

	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)

	if len(st.DrainFailed()) != 1 {
		t.Error("expected network failures to end in the failed history")
	}
}

func TestNotify_NoCollectorConfigured(t *testing.T) {
	cfg, st, b := setup(t, "")
	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)
	if len(st.DrainFailed()) != 0 {
		t.Error("expected nothing recorded without a collector")
	}
}

func TestNotify_WritesLogFile(t *testing.T) {
	cfg, st, b := setup(t, "")
	cfg.EnableLogs = true

	New(st, cfg, nil, logger.Discard()).Notify(context.Background(), b)

	entries, err := os.ReadDir(cfg.LogPath)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, "_id-1.log") {
		t.Errorf("unexpected log file name %s", name)
	}
	data, _ := os.ReadFile(filepath.Join(cfg.LogPath, name))
	var rec api.BuildRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.UniqueID != "b1" {
		t.Errorf("expected build record in log file, got %s", data)
	}
}

func TestNotify_ArchivesWithOutPayload(t *testing.T) {
	cfg, st, b := setup(t, "")
	archive := &fakeArchive{err: errors.New("db down")}

	New(st, cfg, archive, logger.Discard()).Notify(context.Background(), b)

	if len(archive.saved) != 1 {
		t.Fatalf("expected 1 archived record, got %d", len(archive.saved))
	}
	if archive.saved[0].OutPayload["report"] != "all green" {
		t.Errorf("expected archived record to carry the output payload, got %v", archive.saved[0].OutPayload)
	}
}
