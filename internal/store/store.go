// Package store persists the ingestion pipeline's entities: the append-only
// snapshot ledger, the materialized current view, data-quality issues, raw
// payload archive, and ingestion jobs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/model"
)

// ErrPersistenceUnavailable reports that the expected tables do not exist yet
// (deployment/migration lag). Callers treat it as "not yet available", not as
// invalid data.
var ErrPersistenceUnavailable = eris.New("store: persistence unavailable")

// IsPersistenceUnavailable reports whether err indicates missing tables.
func IsPersistenceUnavailable(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable)
}

// SnapshotWrite is the transactional write set for one identifier: the new
// snapshot row, its data-quality issues, and the current-view upsert. Either
// the whole set commits or none of it does.
type SnapshotWrite struct {
	Snapshot *model.MergedSnapshot
	JobID    string
	Issues   []model.DQIssue
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, marketplace string, total int) (*model.IngestionJob, error)
	StartJob(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, succeeded, failed, skipped int, jobErr string) error
	GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error)

	// Raw payload archive (append-only, audit/replay)
	SaveRawPayloads(ctx context.Context, rows []model.RawPayloadRow) (int64, error)

	// SaveSnapshot applies the write set in one transaction: insert the
	// snapshot, insert its issues, upsert the current view, and auto-resolve
	// previously open auto-resolvable issues the new transform no longer
	// reproduces. Returns the new snapshot id.
	SaveSnapshot(ctx context.Context, w SnapshotWrite) (string, error)

	// Consumer reads
	GetCurrentState(ctx context.Context, identifier, marketplace string) (*model.CurrentView, error)
	GetSnapshotHistory(ctx context.Context, identifier, marketplace string, limit int) ([]model.Snapshot, error)
	GetIdentifiersNeedingRefresh(ctx context.Context, marketplace string, maxAge time.Duration, limit int) ([]string, error)

	// Cache support
	GetLatestSnapshot(ctx context.Context, identifier, marketplace string) (*model.Snapshot, error)
	GetFreshIdentifiers(ctx context.Context, identifiers []string, marketplace string, ttl time.Duration) (map[string]bool, error)

	// Open DQ issues for an identifier (diagnostics).
	GetOpenIssues(ctx context.Context, identifier, marketplace string) ([]model.DQIssue, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
