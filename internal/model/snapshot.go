package model

import "time"

// TransformVersion is stamped onto every snapshot so replays can tell which
// generation of the flatten/merge/derive logic produced a row.
const TransformVersion = 3

// MergedSnapshot is the reconciled state of one identifier before it is
// persisted: the merged field set plus derived fields, fingerprint, and the
// max capture time of the contributing payloads.
type MergedSnapshot struct {
	Identifier       string     `json:"identifier"`
	Marketplace      string     `json:"marketplace"`
	SnapshotTime     time.Time  `json:"snapshot_time"`
	Fields           FlatRecord `json:"fields"`
	Fingerprint      string     `json:"fingerprint"`
	TransformVersion int        `json:"transform_version"`
}

// Snapshot is one row of the append-only historical ledger.
type Snapshot struct {
	ID               string     `json:"id"`
	Identifier       string     `json:"identifier"`
	Marketplace      string     `json:"marketplace"`
	JobID            string     `json:"job_id"`
	SnapshotTime     time.Time  `json:"snapshot_time"`
	Fields           FlatRecord `json:"fields"`
	Fingerprint      string     `json:"fingerprint"`
	TransformVersion int        `json:"transform_version"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CurrentView is the materialized latest-known state per
// identifier+marketplace. It is a cache over Snapshot: reconstructable by
// replaying the latest row, mutated only by the ingestion upsert.
type CurrentView struct {
	Identifier       string     `json:"identifier"`
	Marketplace      string     `json:"marketplace"`
	LatestSnapshotID string     `json:"latest_snapshot_id"`
	SnapshotTime     time.Time  `json:"snapshot_time"`
	Fields           FlatRecord `json:"fields"`
	Fingerprint      string     `json:"fingerprint"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IngestResult is the per-identifier outcome returned to the orchestrator's
// caller. Ordinary no-data conditions are reported here, never thrown.
type IngestResult struct {
	Identifier  string    `json:"identifier"`
	Marketplace string    `json:"marketplace"`
	Success     bool      `json:"success"`
	FromCache   bool      `json:"from_cache,omitempty"`
	SnapshotID  *string   `json:"snapshot_id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	DQIssues    []DQIssue `json:"dq_issues,omitempty"`
	Error       string    `json:"error,omitempty"`
}
