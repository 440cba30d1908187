package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]*model.IngestionJob
	snapshots []model.Snapshot
	issues    []model.DQIssue
	current   map[string]*model.CurrentView
	rawRows   []model.RawPayloadRow

	saveSnapshotErr error
	freshErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]*model.IngestionJob),
		current: make(map[string]*model.CurrentView),
	}
}

func currentKey(identifier, marketplace string) string {
	return identifier + "|" + marketplace
}

func (f *fakeStore) CreateJob(_ context.Context, marketplace string, total int) (*model.IngestionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &model.IngestionJob{
		ID:          uuid.New().String(),
		Marketplace: marketplace,
		Status:      model.JobStatusPending,
		Total:       total,
		StartedAt:   time.Now().UTC(),
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeStore) StartJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].Status = model.JobStatusRunning
	return nil
}

func (f *fakeStore) CompleteJob(_ context.Context, jobID string, succeeded, failed, skipped int, jobErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[jobID]
	j.Succeeded, j.Failed, j.Skipped = succeeded, failed, skipped
	j.Status = model.JobStatusCompleted
	if jobErr != "" {
		j.Status = model.JobStatusFailed
		j.Error = jobErr
	}
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (*model.IngestionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID], nil
}

func (f *fakeStore) SaveRawPayloads(_ context.Context, rows []model.RawPayloadRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawRows = append(f.rawRows, rows...)
	return int64(len(rows)), nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, w store.SnapshotWrite) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveSnapshotErr != nil {
		return "", f.saveSnapshotErr
	}
	id := uuid.New().String()
	snap := w.Snapshot
	f.snapshots = append(f.snapshots, model.Snapshot{
		ID:               id,
		Identifier:       snap.Identifier,
		Marketplace:      snap.Marketplace,
		JobID:            w.JobID,
		SnapshotTime:     snap.SnapshotTime,
		Fields:           snap.Fields,
		Fingerprint:      snap.Fingerprint,
		TransformVersion: snap.TransformVersion,
		CreatedAt:        time.Now().UTC(),
	})
	for _, issue := range w.Issues {
		issue.SnapshotID = id
		issue.Identifier = snap.Identifier
		issue.Marketplace = snap.Marketplace
		f.issues = append(f.issues, issue)
	}
	f.current[currentKey(snap.Identifier, snap.Marketplace)] = &model.CurrentView{
		Identifier:       snap.Identifier,
		Marketplace:      snap.Marketplace,
		LatestSnapshotID: id,
		SnapshotTime:     snap.SnapshotTime,
		Fields:           snap.Fields,
		Fingerprint:      snap.Fingerprint,
		UpdatedAt:        time.Now().UTC(),
	}
	return id, nil
}

func (f *fakeStore) GetCurrentState(_ context.Context, identifier, marketplace string) (*model.CurrentView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[currentKey(identifier, marketplace)], nil
}

func (f *fakeStore) GetSnapshotHistory(_ context.Context, identifier, marketplace string, limit int) ([]model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Snapshot
	for i := len(f.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		s := f.snapshots[i]
		if s.Identifier == identifier && s.Marketplace == marketplace {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLatestSnapshot(ctx context.Context, identifier, marketplace string) (*model.Snapshot, error) {
	history, err := f.GetSnapshotHistory(ctx, identifier, marketplace, 1)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return &history[0], nil
}

func (f *fakeStore) GetFreshIdentifiers(_ context.Context, identifiers []string, marketplace string, ttl time.Duration) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.freshErr != nil {
		return nil, f.freshErr
	}
	cutoff := time.Now().UTC().Add(-ttl)
	fresh := make(map[string]bool)
	for _, id := range identifiers {
		if cv := f.current[currentKey(id, marketplace)]; cv != nil && cv.SnapshotTime.After(cutoff) {
			fresh[id] = true
		}
	}
	return fresh, nil
}

func (f *fakeStore) GetIdentifiersNeedingRefresh(_ context.Context, marketplace string, maxAge time.Duration, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	var out []string
	for _, cv := range f.current {
		if cv.Marketplace == marketplace && cv.SnapshotTime.Before(cutoff) && len(out) < limit {
			out = append(out, cv.Identifier)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOpenIssues(_ context.Context, identifier, marketplace string) ([]model.DQIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DQIssue
	for _, issue := range f.issues {
		if issue.Identifier == identifier && issue.Marketplace == marketplace && issue.ResolvedAt == nil {
			out = append(out, issue)
		}
	}
	return out, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Ping(context.Context) error    { return nil }
func (f *fakeStore) Close() error                  { return nil }

func (f *fakeStore) openIssueTypes(identifier, marketplace string) []model.IssueType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.IssueType
	for _, issue := range f.issues {
		if issue.Identifier == identifier && issue.Marketplace == marketplace {
			out = append(out, issue.IssueType)
		}
	}
	return out
}

// fakeVendorClient serves canned products and records call counts.
type fakeVendorClient struct {
	mu       sync.Mutex
	products map[string]*model.VendorProduct
	errs     map[string]error
	fetchErr error
	calls    int
	limiter  *marketdata.RateLimiter
}

func newFakeVendorClient() *fakeVendorClient {
	return &fakeVendorClient{
		products: make(map[string]*model.VendorProduct),
		errs:     make(map[string]error),
		limiter:  marketdata.NewRateLimiter(marketdata.RateLimiterConfig{}),
	}
}

func (c *fakeVendorClient) Fetch(_ context.Context, asins []string, _ marketdata.FetchOptions) (*model.VendorResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	resp := &model.VendorResponse{}
	for _, asin := range asins {
		if p := c.products[asin]; p != nil {
			resp.Products = append(resp.Products, *p)
		}
	}
	return resp, nil
}

func (c *fakeVendorClient) FetchBatched(ctx context.Context, asins []string, opts marketdata.FetchOptions) (map[string]marketdata.ProductResult, error) {
	c.mu.Lock()
	fetchErr := c.fetchErr
	c.calls++
	c.mu.Unlock()

	out := make(map[string]marketdata.ProductResult, len(asins))
	for _, asin := range asins {
		if fetchErr != nil {
			out[asin] = marketdata.ProductResult{Err: fetchErr}
			continue
		}
		c.mu.Lock()
		err := c.errs[asin]
		p := c.products[asin]
		c.mu.Unlock()
		switch {
		case err != nil:
			out[asin] = marketdata.ProductResult{Err: err}
		case p != nil:
			out[asin] = marketdata.ProductResult{
				Product:    p,
				CapturedAt: marketdata.TimeFromVendorMinutes(p.LastUpdate, marketdata.DefaultEpochOffsetMinutes),
			}
		default:
			out[asin] = marketdata.ProductResult{Err: context.DeadlineExceeded}
		}
	}
	return out, nil
}

func (c *fakeVendorClient) Limiter() *marketdata.RateLimiter { return c.limiter }

// fakeMarketplaceSource serves canned first-party payloads.
type fakeMarketplaceSource struct {
	payloads map[string]*model.MarketplacePayload
}

func (s *fakeMarketplaceSource) GetPayload(_ context.Context, identifier, _ string) (*model.MarketplacePayload, error) {
	if s == nil || s.payloads == nil {
		return nil, nil
	}
	return s.payloads[identifier], nil
}
