package store

import (
	"context"

	"buildhook/pkg/api"
)

// BuildArchive keeps finished build records.
type BuildArchive interface {
	// SaveBuild inserts a finished build. Saving the same id twice replaces
	// the earlier record.
	SaveBuild(ctx context.Context, rec api.BuildRecord) error

	// ListBuilds returns recent builds, newest first.
	ListBuilds(ctx context.Context, opts ListOptions) ([]api.BuildRecord, error)

	// Ping reports whether the archive is reachable.
	Ping(ctx context.Context) error
}
