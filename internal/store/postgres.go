package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/db"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns        int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32 `yaml:"min_conns" mapstructure:"min_conns"`
	PingMaxAttempts int   `yaml:"ping_max_attempts" mapstructure:"ping_max_attempts"`
	PingBackoffMS   int   `yaml:"ping_backoff_ms" mapstructure:"ping_backoff_ms"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations.
var preparedStatements = map[string]string{
	"get_current_state": `SELECT identifier, marketplace, latest_snapshot_id, snapshot_time, fields, fingerprint, updated_at FROM current_view WHERE identifier = $1 AND marketplace = $2`,
	"get_latest_snapshot": `SELECT id, identifier, marketplace, job_id, snapshot_time, fields, fingerprint, transform_version, created_at FROM snapshots WHERE identifier = $1 AND marketplace = $2 ORDER BY snapshot_time DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool. The initial
// ping is retried with backoff so a store starting alongside its database
// does not fail spuriously.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	pingAttempts := 3
	pingBackoffMS := 500
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.PingMaxAttempts > 0 {
			pingAttempts = poolCfg.PingMaxAttempts
		}
		if poolCfg.PingBackoffMS > 0 {
			pingBackoffMS = poolCfg.PingBackoffMS
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	retryCfg := resilience.FromRetryConfig(pingAttempts, pingBackoffMS, 10*pingBackoffMS, 2.0, 0.25)
	retryCfg.ShouldRetry = func(error) bool { return true }
	retryCfg.OnRetry = resilience.RetryLogger("postgres", "ping")
	if err := resilience.Do(ctx, retryCfg, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used in tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems needing direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id           TEXT PRIMARY KEY,
	marketplace  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	total        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	skipped      INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_status ON ingestion_jobs(status);

CREATE TABLE IF NOT EXISTS raw_payloads (
	id          TEXT PRIMARY KEY,
	identifier  TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	source      TEXT NOT NULL,
	payload     JSONB NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	UNIQUE (identifier, marketplace, source, captured_at)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                TEXT PRIMARY KEY,
	identifier        TEXT NOT NULL,
	marketplace       TEXT NOT NULL,
	job_id            TEXT,
	snapshot_time     TIMESTAMPTZ NOT NULL,
	fields            JSONB NOT NULL,
	fingerprint       TEXT NOT NULL,
	transform_version INTEGER NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snapshots_identifier ON snapshots(identifier, marketplace, snapshot_time DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_job ON snapshots(job_id);

CREATE TABLE IF NOT EXISTS current_view (
	identifier         TEXT NOT NULL,
	marketplace        TEXT NOT NULL,
	latest_snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	snapshot_time      TIMESTAMPTZ NOT NULL,
	fields             JSONB NOT NULL,
	fingerprint        TEXT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identifier, marketplace)
);

CREATE INDEX IF NOT EXISTS idx_current_view_snapshot_time ON current_view(marketplace, snapshot_time);

CREATE TABLE IF NOT EXISTS dq_issues (
	id          TEXT PRIMARY KEY,
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id),
	identifier  TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	issue_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	field       TEXT,
	message     TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dq_issues_open ON dq_issues(identifier, marketplace) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_dq_issues_snapshot ON dq_issues(snapshot_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUndefinedTable reports a Postgres undefined_table error (SQLSTATE 42P01).
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// wrapPersistence converts missing-table errors into the typed
// ErrPersistenceUnavailable, otherwise wraps with the given message.
func wrapPersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isUndefinedTable(err) {
		return eris.Wrap(ErrPersistenceUnavailable, msg)
	}
	return eris.Wrap(err, msg)
}

func (s *PostgresStore) CreateJob(ctx context.Context, marketplace string, total int) (*model.IngestionJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, marketplace, status, total, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, marketplace, string(model.JobStatusPending), total, now,
	)
	if err != nil {
		return nil, wrapPersistence(err, "postgres: insert job")
	}

	return &model.IngestionJob{
		ID:          id,
		Marketplace: marketplace,
		Status:      model.JobStatusPending,
		Total:       total,
		StartedAt:   now,
	}, nil
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $1 WHERE id = $2`,
		string(model.JobStatusRunning), jobID,
	)
	if err != nil {
		return wrapPersistence(err, "postgres: start job")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, succeeded, failed, skipped int, jobErr string) error {
	status := model.JobStatusCompleted
	if jobErr != "" {
		status = model.JobStatusFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs
		 SET status = $1, succeeded = $2, failed = $3, skipped = $4, error = NULLIF($5, ''), completed_at = $6
		 WHERE id = $7`,
		string(status), succeeded, failed, skipped, jobErr, time.Now().UTC(), jobID,
	)
	if err != nil {
		return wrapPersistence(err, "postgres: complete job")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var jobErr *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, marketplace, status, total, succeeded, failed, skipped, error, started_at, completed_at
		 FROM ingestion_jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.Marketplace, &j.Status, &j.Total, &j.Succeeded, &j.Failed, &j.Skipped,
		&jobErr, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPersistence(err, "postgres: get job")
	}
	if jobErr != nil {
		j.Error = *jobErr
	}
	return &j, nil
}

func (s *PostgresStore) SaveRawPayloads(ctx context.Context, payloadRows []model.RawPayloadRow) (int64, error) {
	if len(payloadRows) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(payloadRows))
	for _, r := range payloadRows {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, r.Identifier, r.Marketplace, string(r.Source), r.Payload, r.CapturedAt})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "raw_payloads",
		Columns:      []string{"id", "identifier", "marketplace", "source", "payload", "captured_at"},
		ConflictKeys: []string{"identifier", "marketplace", "source", "captured_at"},
		UpdateCols:   []string{"payload"},
	}, rows)
	if err != nil {
		return 0, wrapPersistence(err, "postgres: save raw payloads")
	}
	return n, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, w SnapshotWrite) (string, error) {
	snap := w.Snapshot
	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal snapshot fields")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", wrapPersistence(err, "postgres: begin snapshot tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	snapshotID := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (id, identifier, marketplace, job_id, snapshot_time, fields, fingerprint, transform_version, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		snapshotID, snap.Identifier, snap.Marketplace, w.JobID, snap.SnapshotTime,
		fieldsJSON, snap.Fingerprint, snap.TransformVersion, now,
	)
	if err != nil {
		return "", wrapPersistence(err, "postgres: insert snapshot")
	}

	reproduced := make(map[model.IssueType]bool, len(w.Issues))
	for _, issue := range w.Issues {
		issueID := issue.ID
		if issueID == "" {
			issueID = uuid.New().String()
		}
		reproduced[issue.IssueType] = true
		_, err = tx.Exec(ctx,
			`INSERT INTO dq_issues (id, snapshot_id, identifier, marketplace, issue_type, severity, field, message, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
			issueID, snapshotID, snap.Identifier, snap.Marketplace,
			string(issue.IssueType), string(issue.Severity), string(issue.Field), issue.Message, now,
		)
		if err != nil {
			return "", wrapPersistence(err, "postgres: insert dq issue")
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO current_view (identifier, marketplace, latest_snapshot_id, snapshot_time, fields, fingerprint, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (identifier, marketplace) DO UPDATE SET
		   latest_snapshot_id = $3, snapshot_time = $4, fields = $5, fingerprint = $6, updated_at = $7`,
		snap.Identifier, snap.Marketplace, snapshotID, snap.SnapshotTime,
		fieldsJSON, snap.Fingerprint, now,
	)
	if err != nil {
		return "", wrapPersistence(err, "postgres: upsert current view")
	}

	// Auto-resolve open issues of the self-clearing classes that this
	// transform did not reproduce. Resolved, never deleted.
	var staleTypes []string
	for _, t := range model.AutoResolvedIssueTypes() {
		if !reproduced[t] {
			staleTypes = append(staleTypes, string(t))
		}
	}
	if len(staleTypes) > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE dq_issues SET resolved_at = $1
			 WHERE identifier = $2 AND marketplace = $3 AND resolved_at IS NULL
			   AND snapshot_id <> $4 AND issue_type = ANY($5)`,
			now, snap.Identifier, snap.Marketplace, snapshotID, staleTypes,
		)
		if err != nil {
			return "", wrapPersistence(err, "postgres: resolve stale issues")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", wrapPersistence(err, "postgres: commit snapshot tx")
	}

	zap.L().Debug("snapshot persisted",
		zap.String("identifier", snap.Identifier),
		zap.String("marketplace", snap.Marketplace),
		zap.String("snapshot_id", snapshotID),
		zap.Int("dq_issues", len(w.Issues)),
	)
	return snapshotID, nil
}

func (s *PostgresStore) GetCurrentState(ctx context.Context, identifier, marketplace string) (*model.CurrentView, error) {
	var cv model.CurrentView
	var fieldsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT identifier, marketplace, latest_snapshot_id, snapshot_time, fields, fingerprint, updated_at
		 FROM current_view WHERE identifier = $1 AND marketplace = $2`,
		identifier, marketplace,
	).Scan(&cv.Identifier, &cv.Marketplace, &cv.LatestSnapshotID, &cv.SnapshotTime,
		&fieldsJSON, &cv.Fingerprint, &cv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPersistence(err, "postgres: get current state")
	}
	if err := json.Unmarshal(fieldsJSON, &cv.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal current view fields")
	}
	return &cv, nil
}

func (s *PostgresStore) GetSnapshotHistory(ctx context.Context, identifier, marketplace string, limit int) ([]model.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, identifier, marketplace, COALESCE(job_id, ''), snapshot_time, fields, fingerprint, transform_version, created_at
		 FROM snapshots WHERE identifier = $1 AND marketplace = $2
		 ORDER BY snapshot_time DESC LIMIT $3`,
		identifier, marketplace, limit,
	)
	if err != nil {
		return nil, wrapPersistence(err, "postgres: snapshot history")
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var fieldsJSON []byte
		if err := rows.Scan(&snap.ID, &snap.Identifier, &snap.Marketplace, &snap.JobID,
			&snap.SnapshotTime, &fieldsJSON, &snap.Fingerprint, &snap.TransformVersion, &snap.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		if err := json.Unmarshal(fieldsJSON, &snap.Fields); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal snapshot fields")
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: snapshot history iterate")
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, identifier, marketplace string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var fieldsJSON []byte
	var jobID *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, identifier, marketplace, job_id, snapshot_time, fields, fingerprint, transform_version, created_at
		 FROM snapshots WHERE identifier = $1 AND marketplace = $2
		 ORDER BY snapshot_time DESC LIMIT 1`,
		identifier, marketplace,
	).Scan(&snap.ID, &snap.Identifier, &snap.Marketplace, &jobID, &snap.SnapshotTime,
		&fieldsJSON, &snap.Fingerprint, &snap.TransformVersion, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapPersistence(err, "postgres: get latest snapshot")
	}
	if jobID != nil {
		snap.JobID = *jobID
	}
	if err := json.Unmarshal(fieldsJSON, &snap.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot fields")
	}
	return &snap, nil
}

func (s *PostgresStore) GetFreshIdentifiers(ctx context.Context, identifiers []string, marketplace string, ttl time.Duration) (map[string]bool, error) {
	if len(identifiers) == 0 {
		return map[string]bool{}, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)

	rows, err := s.pool.Query(ctx,
		`SELECT identifier FROM current_view
		 WHERE marketplace = $1 AND identifier = ANY($2) AND snapshot_time > $3`,
		marketplace, identifiers, cutoff,
	)
	if err != nil {
		return nil, wrapPersistence(err, "postgres: fresh identifiers")
	}
	defer rows.Close()

	fresh := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fresh identifier")
		}
		fresh[id] = true
	}
	return fresh, eris.Wrap(rows.Err(), "postgres: fresh identifiers iterate")
}

func (s *PostgresStore) GetIdentifiersNeedingRefresh(ctx context.Context, marketplace string, maxAge time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.pool.Query(ctx,
		`SELECT identifier FROM current_view
		 WHERE marketplace = $1 AND snapshot_time < $2
		 ORDER BY snapshot_time ASC LIMIT $3`,
		marketplace, cutoff, limit,
	)
	if err != nil {
		return nil, wrapPersistence(err, "postgres: identifiers needing refresh")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan identifier")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: identifiers needing refresh iterate")
}

func (s *PostgresStore) GetOpenIssues(ctx context.Context, identifier, marketplace string) ([]model.DQIssue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, snapshot_id, identifier, marketplace, issue_type, severity, COALESCE(field, ''), message, detected_at
		 FROM dq_issues
		 WHERE identifier = $1 AND marketplace = $2 AND resolved_at IS NULL
		 ORDER BY detected_at DESC`,
		identifier, marketplace,
	)
	if err != nil {
		return nil, wrapPersistence(err, "postgres: open issues")
	}
	defer rows.Close()

	var out []model.DQIssue
	for rows.Next() {
		var issue model.DQIssue
		var field string
		if err := rows.Scan(&issue.ID, &issue.SnapshotID, &issue.Identifier, &issue.Marketplace,
			&issue.IssueType, &issue.Severity, &field, &issue.Message, &issue.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dq issue")
		}
		issue.Field = model.Field(field)
		out = append(out, issue)
	}
	return out, eris.Wrap(rows.Err(), "postgres: open issues iterate")
}
