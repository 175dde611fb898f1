// Package notify reports finished builds: it persists the build record to a
// log file, archives it, and posts it to the configured collector with one
// retry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/internal/payload"
	"buildhook/internal/state"
	"buildhook/internal/store"
)

// logTimeFormat names persisted log files.
const logTimeFormat = "2006-01-02_15-04-05"

// Notifier implements scheduler.Notifier.
type Notifier struct {
	state      *state.State
	httpClient *http.Client
	archive    store.BuildArchive // optional
	logger     *slog.Logger

	collectorURL string
	backoff      time.Duration
	root         string
	outSpecs     []config.Payload
	enableLogs   bool
	logPath      string
}

// New creates a Notifier. archive may be nil.
func New(st *state.State, cfg *config.Config, archive store.BuildArchive, logger *slog.Logger) *Notifier {
	build := cfg.Project.Build
	timeout := build.Timeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Notifier{
		state:        st,
		httpClient:   &http.Client{Timeout: timeout},
		archive:      archive,
		logger:       logger,
		collectorURL: build.OnSuccessFailure,
		backoff:      build.Backoff(),
		root:         cfg.Project.ProjectPath,
		outSpecs:     build.OnSuccessErrorPayload,
		enableLogs:   cfg.EnableLogs,
		logPath:      cfg.LogPath,
	}
}

// Notify runs to completion before returning; the worker does not start the
// next build until the collector has answered or the retry has failed.
func (n *Notifier) Notify(ctx context.Context, b state.Build) {
	log := logger.ForBuild(n.logger, b.ID, b.UniqueID)

	out := payload.Collect(n.root, b.Payload, n.outSpecs)
	n.state.UpdateActive(func(active *state.Build) {
		if active.ID == b.ID {
			active.OutPayload = out
		}
	})

	// The collector receives the record as it stood when the pipeline
	// finished; the output payload only travels with archived and failed
	// records.
	rec := b.Record()
	rec.OutPayload = map[string]string{}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Error("failed to encode build record", "error", err)
		return
	}
	rec.OutPayload = out

	if n.enableLogs {
		if path, err := n.writeLogFile(b.ID, body); err != nil {
			log.Error("failed to write build log file", "error", err)
		} else {
			log.Info("build log written", "path", path)
		}
	}

	if n.archive != nil {
		if err := n.archive.SaveBuild(ctx, rec); err != nil {
			log.Error("failed to archive build", "error", err)
		}
	}

	if n.collectorURL == "" {
		return
	}

	err = n.post(ctx, body)
	if err == nil {
		log.Info("build reported to collector")
		return
	}
	log.Warn("collector request failed, retrying", "error", err, "backoff", n.backoff)

	select {
	case <-time.After(n.backoff):
	case <-ctx.Done():
	}

	if err := n.post(ctx, body); err != nil {
		log.Error("collector retry failed, keeping record in failed history", "error", err)
		n.state.AppendFailed(rec)
		return
	}
	log.Info("build reported to collector on retry")
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.collectorURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) writeLogFile(buildID string, data []byte) (string, error) {
	if err := os.MkdirAll(n.logPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", time.Now().Format(logTimeFormat), buildID)
	path := filepath.Join(n.logPath, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
