package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"buildhook/internal/store"
	"buildhook/pkg/api"
)

var _ store.BuildArchive = (*Store)(nil)

// SaveBuild implements store.BuildArchive. The stream token is not stored.
func (s *Store) SaveBuild(ctx context.Context, rec api.BuildRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	outPayload, err := json.Marshal(rec.OutPayload)
	if err != nil {
		return fmt.Errorf("failed to encode out payload: %w", err)
	}
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return fmt.Errorf("failed to encode logs: %w", err)
	}

	query := `
		INSERT INTO builds (id, unique_id, status, current_step, total_steps, started_at, ended_at, duration_seconds, payload, out_payload, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			total_steps = EXCLUDED.total_steps,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			payload = EXCLUDED.payload,
			out_payload = EXCLUDED.out_payload,
			logs = EXCLUDED.logs
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UniqueID,
		string(rec.Status),
		rec.CurrentStep,
		rec.TotalSteps,
		rec.StartedAt,
		rec.EndedAt,
		rec.DurationSeconds,
		payload,
		outPayload,
		logs,
	)
	if err != nil {
		return fmt.Errorf("failed to save build %s: %w", rec.ID, err)
	}
	return nil
}

// ListBuilds implements store.BuildArchive.
func (s *Store) ListBuilds(ctx context.Context, opts store.ListOptions) ([]api.BuildRecord, error) {
	opts = opts.Normalize()

	query := `
		SELECT id, unique_id, status, current_step, total_steps, started_at, ended_at, duration_seconds, payload, out_payload, logs
		FROM builds
		WHERE ($1 = '' OR unique_id = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, opts.UniqueID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	builds := []api.BuildRecord{}
	for rows.Next() {
		var (
			rec                     api.BuildRecord
			status                  string
			payload, outPayload, lg []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UniqueID,
			&status,
			&rec.CurrentStep,
			&rec.TotalSteps,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.DurationSeconds,
			&payload,
			&outPayload,
			&lg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		rec.Status = api.Status(status)
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(outPayload, &rec.OutPayload); err != nil {
			return nil, fmt.Errorf("failed to decode out payload of %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal(lg, &rec.Logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs of %s: %w", rec.ID, err)
		}
		builds = append(builds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate builds: %w", err)
	}

	return builds, nil
}
