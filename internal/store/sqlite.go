package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/marketsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id           TEXT PRIMARY KEY,
	marketplace  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	total        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS raw_payloads (
	id          TEXT PRIMARY KEY,
	identifier  TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	source      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	captured_at DATETIME NOT NULL,
	UNIQUE (identifier, marketplace, source, captured_at)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                TEXT PRIMARY KEY,
	identifier        TEXT NOT NULL,
	marketplace       TEXT NOT NULL,
	job_id            TEXT,
	snapshot_time     DATETIME NOT NULL,
	fields            TEXT NOT NULL,
	fingerprint       TEXT NOT NULL,
	transform_version INTEGER NOT NULL,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_identifier ON snapshots(identifier, marketplace, snapshot_time DESC);

CREATE TABLE IF NOT EXISTS current_view (
	identifier         TEXT NOT NULL,
	marketplace        TEXT NOT NULL,
	latest_snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	snapshot_time      DATETIME NOT NULL,
	fields             TEXT NOT NULL,
	fingerprint        TEXT NOT NULL,
	updated_at         DATETIME NOT NULL,
	PRIMARY KEY (identifier, marketplace)
);

CREATE TABLE IF NOT EXISTS dq_issues (
	id          TEXT PRIMARY KEY,
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	identifier  TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	issue_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	field       TEXT,
	message     TEXT NOT NULL,
	detected_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_dq_issues_open ON dq_issues(identifier, marketplace, resolved_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isMissingTable reports SQLite's "no such table" error.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func wrapSQLitePersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isMissingTable(err) {
		return eris.Wrap(ErrPersistenceUnavailable, msg)
	}
	return eris.Wrap(err, msg)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, marketplace string, total int) (*model.IngestionJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, marketplace, status, total, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, marketplace, string(model.JobStatusPending), total, now,
	)
	if err != nil {
		return nil, wrapSQLitePersistence(err, "sqlite: insert job")
	}
	return &model.IngestionJob{
		ID:          id,
		Marketplace: marketplace,
		Status:      model.JobStatusPending,
		Total:       total,
		StartedAt:   now,
	}, nil
}

func (s *SQLiteStore) StartJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ? WHERE id = ?`,
		string(model.JobStatusRunning), jobID,
	)
	if err != nil {
		return wrapSQLitePersistence(err, "sqlite: start job")
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, succeeded, failed, skipped int, jobErr string) error {
	status := model.JobStatusCompleted
	if jobErr != "" {
		status = model.JobStatusFailed
	}
	var errVal any
	if jobErr != "" {
		errVal = jobErr
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, succeeded = ?, failed = ?, skipped = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(status), succeeded, failed, skipped, errVal, time.Now().UTC(), jobID,
	)
	if err != nil {
		return wrapSQLitePersistence(err, "sqlite: complete job")
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var jobErr sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, marketplace, status, total, succeeded, failed, skipped, error, started_at, completed_at
		 FROM ingestion_jobs WHERE id = ?`,
		jobID,
	).Scan(&j.ID, &j.Marketplace, &j.Status, &j.Total, &j.Succeeded, &j.Failed, &j.Skipped,
		&jobErr, &j.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapSQLitePersistence(err, "sqlite: get job")
	}
	if jobErr.Valid {
		j.Error = jobErr.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (s *SQLiteStore) SaveRawPayloads(ctx context.Context, payloadRows []model.RawPayloadRow) (int64, error) {
	if len(payloadRows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLitePersistence(err, "sqlite: begin raw payload tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var n int64
	for _, r := range payloadRows {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO raw_payloads (id, identifier, marketplace, source, payload, captured_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (identifier, marketplace, source, captured_at) DO UPDATE SET payload = excluded.payload`,
			id, r.Identifier, r.Marketplace, string(r.Source), string(r.Payload), r.CapturedAt,
		)
		if err != nil {
			return 0, wrapSQLitePersistence(err, "sqlite: upsert raw payload")
		}
		rows, _ := res.RowsAffected()
		n += rows
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapSQLitePersistence(err, "sqlite: commit raw payload tx")
	}
	return n, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, w SnapshotWrite) (string, error) {
	snap := w.Snapshot
	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal snapshot fields")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapSQLitePersistence(err, "sqlite: begin snapshot tx")
	}
	defer tx.Rollback() //nolint:errcheck

	snapshotID := uuid.New().String()
	now := time.Now().UTC()

	var jobID any
	if w.JobID != "" {
		jobID = w.JobID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, identifier, marketplace, job_id, snapshot_time, fields, fingerprint, transform_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshotID, snap.Identifier, snap.Marketplace, jobID, snap.SnapshotTime,
		string(fieldsJSON), snap.Fingerprint, snap.TransformVersion, now,
	)
	if err != nil {
		return "", wrapSQLitePersistence(err, "sqlite: insert snapshot")
	}

	reproduced := make(map[model.IssueType]bool, len(w.Issues))
	for _, issue := range w.Issues {
		issueID := issue.ID
		if issueID == "" {
			issueID = uuid.New().String()
		}
		reproduced[issue.IssueType] = true
		var field any
		if issue.Field != "" {
			field = string(issue.Field)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dq_issues (id, snapshot_id, identifier, marketplace, issue_type, severity, field, message, detected_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issueID, snapshotID, snap.Identifier, snap.Marketplace,
			string(issue.IssueType), string(issue.Severity), field, issue.Message, now,
		)
		if err != nil {
			return "", wrapSQLitePersistence(err, "sqlite: insert dq issue")
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO current_view (identifier, marketplace, latest_snapshot_id, snapshot_time, fields, fingerprint, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identifier, marketplace) DO UPDATE SET
		   latest_snapshot_id = excluded.latest_snapshot_id,
		   snapshot_time = excluded.snapshot_time,
		   fields = excluded.fields,
		   fingerprint = excluded.fingerprint,
		   updated_at = excluded.updated_at`,
		snap.Identifier, snap.Marketplace, snapshotID, snap.SnapshotTime,
		string(fieldsJSON), snap.Fingerprint, now,
	)
	if err != nil {
		return "", wrapSQLitePersistence(err, "sqlite: upsert current view")
	}

	var staleTypes []string
	for _, t := range model.AutoResolvedIssueTypes() {
		if !reproduced[t] {
			staleTypes = append(staleTypes, string(t))
		}
	}
	if len(staleTypes) > 0 {
		placeholders := strings.Repeat("?,", len(staleTypes))
		placeholders = placeholders[:len(placeholders)-1]
		args := []any{now, snap.Identifier, snap.Marketplace, snapshotID}
		for _, t := range staleTypes {
			args = append(args, t)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE dq_issues SET resolved_at = ?
			 WHERE identifier = ? AND marketplace = ? AND resolved_at IS NULL
			   AND snapshot_id <> ? AND issue_type IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return "", wrapSQLitePersistence(err, "sqlite: resolve stale issues")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", wrapSQLitePersistence(err, "sqlite: commit snapshot tx")
	}
	return snapshotID, nil
}

func (s *SQLiteStore) GetCurrentState(ctx context.Context, identifier, marketplace string) (*model.CurrentView, error) {
	var cv model.CurrentView
	var fieldsJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT identifier, marketplace, latest_snapshot_id, snapshot_time, fields, fingerprint, updated_at
		 FROM current_view WHERE identifier = ? AND marketplace = ?`,
		identifier, marketplace,
	).Scan(&cv.Identifier, &cv.Marketplace, &cv.LatestSnapshotID, &cv.SnapshotTime,
		&fieldsJSON, &cv.Fingerprint, &cv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapSQLitePersistence(err, "sqlite: get current state")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &cv.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal current view fields")
	}
	return &cv, nil
}

func (s *SQLiteStore) GetSnapshotHistory(ctx context.Context, identifier, marketplace string, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identifier, marketplace, COALESCE(job_id, ''), snapshot_time, fields, fingerprint, transform_version, created_at
		 FROM snapshots WHERE identifier = ? AND marketplace = ?
		 ORDER BY snapshot_time DESC LIMIT ?`,
		identifier, marketplace, limit,
	)
	if err != nil {
		return nil, wrapSQLitePersistence(err, "sqlite: snapshot history")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var fieldsJSON string
		if err := rows.Scan(&snap.ID, &snap.Identifier, &snap.Marketplace, &snap.JobID,
			&snap.SnapshotTime, &fieldsJSON, &snap.Fingerprint, &snap.TransformVersion, &snap.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal snapshot fields")
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: snapshot history iterate")
}

func (s *SQLiteStore) GetLatestSnapshot(ctx context.Context, identifier, marketplace string) (*model.Snapshot, error) {
	history, err := s.GetSnapshotHistory(ctx, identifier, marketplace, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return &history[0], nil
}

func (s *SQLiteStore) GetFreshIdentifiers(ctx context.Context, identifiers []string, marketplace string, ttl time.Duration) (map[string]bool, error) {
	if len(identifiers) == 0 {
		return map[string]bool{}, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)

	placeholders := strings.Repeat("?,", len(identifiers))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{marketplace, cutoff}
	for _, id := range identifiers {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier FROM current_view
		 WHERE marketplace = ? AND snapshot_time > ? AND identifier IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, wrapSQLitePersistence(err, "sqlite: fresh identifiers")
	}
	defer rows.Close()

	fresh := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fresh identifier")
		}
		fresh[id] = true
	}
	return fresh, eris.Wrap(rows.Err(), "sqlite: fresh identifiers iterate")
}

func (s *SQLiteStore) GetIdentifiersNeedingRefresh(ctx context.Context, marketplace string, maxAge time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx,
		`SELECT identifier FROM current_view
		 WHERE marketplace = ? AND snapshot_time < ?
		 ORDER BY snapshot_time ASC LIMIT ?`,
		marketplace, cutoff, limit,
	)
	if err != nil {
		return nil, wrapSQLitePersistence(err, "sqlite: identifiers needing refresh")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan identifier")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: identifiers needing refresh iterate")
}

func (s *SQLiteStore) GetOpenIssues(ctx context.Context, identifier, marketplace string) ([]model.DQIssue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, snapshot_id, identifier, marketplace, issue_type, severity, COALESCE(field, ''), message, detected_at
		 FROM dq_issues
		 WHERE identifier = ? AND marketplace = ? AND resolved_at IS NULL
		 ORDER BY detected_at DESC`,
		identifier, marketplace,
	)
	if err != nil {
		return nil, wrapSQLitePersistence(err, "sqlite: open issues")
	}
	defer rows.Close()

	var out []model.DQIssue
	for rows.Next() {
		var issue model.DQIssue
		var field string
		if err := rows.Scan(&issue.ID, &issue.SnapshotID, &issue.Identifier, &issue.Marketplace,
			&issue.IssueType, &issue.Severity, &field, &issue.Message, &issue.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dq issue")
		}
		issue.Field = model.Field(field)
		out = append(out, issue)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: open issues iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
