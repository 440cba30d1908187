package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

func newTestRunner(st *fakeStore, client *fakeVendorClient, mp MarketplaceSource) *Runner {
	return NewRunner(client, st, newTestOrchestrator(st), mp, RunnerConfig{
		ChunkSize:   2,
		Concurrency: 2,
		CacheTTL:    time.Hour,
		StatsDays:   90,
	})
}

func freshVendorProduct(asin string) *model.VendorProduct {
	return &model.VendorProduct{
		ASIN:        asin,
		LastUpdate:  marketdata.VendorMinutesFromTime(time.Now().UTC().Add(-time.Hour), marketdata.DefaultEpochOffsetMinutes),
		BuyBoxPrice: 1999,
		OfferCount:  3,
		ReviewCount: 10,
		Rating:      40,
	}
}

func TestRunner_IngestBatch(t *testing.T) {
	st := newFakeStore()
	client := newFakeVendorClient()
	for _, asin := range []string{"B001", "B002", "B003"} {
		client.products[asin] = freshVendorProduct(asin)
	}
	price := 9.99
	stock := int64(4)
	mp := &fakeMarketplaceSource{payloads: map[string]*model.MarketplacePayload{
		"B001": {ASIN: "B001", PriceIncVAT: &price, Stock: &stock, CapturedAt: time.Now().UTC()},
	}}

	r := newTestRunner(st, client, mp)
	job, results, err := r.IngestBatch(context.Background(), []string{"B001", "B002", "B003"}, "UK")
	require.NoError(t, err)

	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Succeeded)
	assert.Equal(t, 0, job.Failed)
	assert.Len(t, results, 3)
	assert.Len(t, st.snapshots, 3)

	// Raw vendor payloads are archived for replay.
	assert.NotEmpty(t, st.rawRows)

	stored := st.jobs[job.ID]
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
}

func TestRunner_FreshIdentifiersAreSkipped(t *testing.T) {
	st := newFakeStore()
	client := newFakeVendorClient()
	client.products["B002"] = freshVendorProduct("B002")

	// B001 already has a fresh snapshot.
	st.current[currentKey("B001", "UK")] = &model.CurrentView{
		Identifier:   "B001",
		Marketplace:  "UK",
		SnapshotTime: time.Now().UTC().Add(-5 * time.Minute),
	}

	r := newTestRunner(st, client, nil)
	job, results, err := r.IngestBatch(context.Background(), []string{"B001", "B002"}, "UK")
	require.NoError(t, err)

	assert.Equal(t, 1, job.Skipped)
	assert.Equal(t, 1, job.Succeeded)

	var cached int
	for _, res := range results {
		if res.FromCache {
			cached++
			assert.Equal(t, "B001", res.Identifier)
		}
	}
	assert.Equal(t, 1, cached)
	// Only B002 hit the vendor.
	assert.Len(t, st.snapshots, 1)
	assert.Equal(t, "B002", st.snapshots[0].Identifier)
}

func TestRunner_VendorFailureDoesNotFailJob(t *testing.T) {
	st := newFakeStore()
	client := newFakeVendorClient()
	client.products["B001"] = freshVendorProduct("B001")
	client.errs["B002"] = assert.AnError

	r := newTestRunner(st, client, nil)
	job, results, err := r.IngestBatch(context.Background(), []string{"B001", "B002"}, "UK")
	require.NoError(t, err)

	// The failed vendor call still produces a snapshot from first-party data
	// (all-null here) with an API_ERROR issue attached.
	assert.Equal(t, 2, job.Succeeded)
	assert.Equal(t, model.JobStatusCompleted, st.jobs[job.ID].Status)
	require.Len(t, results, 2)

	types := st.openIssueTypes("B002", "UK")
	assert.Contains(t, types, model.IssueAPIError)
}

func TestRunner_DuplicateIdentifiersCollapse(t *testing.T) {
	st := newFakeStore()
	client := newFakeVendorClient()
	client.products["B001"] = freshVendorProduct("B001")

	r := newTestRunner(st, client, nil)
	job, results, err := r.IngestBatch(context.Background(), []string{"B001", "B001", "B001"}, "UK")
	require.NoError(t, err)

	assert.Equal(t, 1, job.Total)
	assert.Len(t, results, 1)
	assert.Len(t, st.snapshots, 1)
}

func TestRunner_EmptyInput(t *testing.T) {
	r := newTestRunner(newFakeStore(), newFakeVendorClient(), nil)
	_, _, err := r.IngestBatch(context.Background(), nil, "UK")
	require.Error(t, err)
}

func TestRunner_CancelledContextFinalizesJob(t *testing.T) {
	st := newFakeStore()
	client := newFakeVendorClient()
	for _, asin := range []string{"B001", "B002", "B003", "B004"} {
		client.products[asin] = freshVendorProduct(asin)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(st, client, nil)
	job, results, err := r.IngestBatch(ctx, []string{"B001", "B002", "B003", "B004"}, "UK")
	require.NoError(t, err)

	// The job record is still finalized despite cancellation.
	assert.Equal(t, model.JobStatusFailed, st.jobs[job.ID].Status)
	assert.NotEmpty(t, st.jobs[job.ID].Error)
	assert.Len(t, results, 4)
	for _, res := range results {
		assert.False(t, res.Success)
	}
}
