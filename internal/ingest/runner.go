package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

// MarketplaceSource supplies the first-party payload for one identifier.
// A nil payload with a nil error means the marketplace knows nothing about
// the identifier.
type MarketplaceSource interface {
	GetPayload(ctx context.Context, identifier, marketplace string) (*model.MarketplacePayload, error)
}

// RunnerConfig tunes batch ingestion.
type RunnerConfig struct {
	// ChunkSize is how many identifiers one worker handles per vendor call
	// sequence.
	ChunkSize int
	// Concurrency caps how many chunks run at once.
	Concurrency int
	// CacheTTL is the snapshot freshness window; identifiers refreshed
	// within it are skipped.
	CacheTTL time.Duration
	// StatsDays is the trailing window requested from the vendor and used
	// for price statistics.
	StatsDays int
	// Offers is how many marketplace offers the vendor includes per product.
	Offers int
	// EpochOffsetMinutes converts vendor timestamps to instants.
	EpochOffsetMinutes int64
}

func (c *RunnerConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	if c.StatsDays <= 0 {
		c.StatsDays = 90
	}
	if c.EpochOffsetMinutes == 0 {
		c.EpochOffsetMinutes = marketdata.DefaultEpochOffsetMinutes
	}
}

// Runner drives batch ingestion: job bookkeeping, cache filtering, chunked
// vendor fetches, and per-identifier transform and persist.
type Runner struct {
	client      marketdata.Client
	store       store.Store
	orch        *Orchestrator
	cache       *Cache
	marketplace MarketplaceSource
	cfg         RunnerConfig
}

func NewRunner(client marketdata.Client, st store.Store, orch *Orchestrator, marketplace MarketplaceSource, cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{
		client:      client,
		store:       st,
		orch:        orch,
		cache:       NewCache(st),
		marketplace: marketplace,
		cfg:         cfg,
	}
}

// IngestBatch ingests the given identifiers for one marketplace under a new
// ingestion job. Identifiers with a fresh snapshot are skipped. Chunks run
// concurrently up to the configured limit; a chunk's failure never fails the
// job, which always completes with its success, failure, and skip counts.
func (r *Runner) IngestBatch(ctx context.Context, identifiers []string, marketplace string) (*model.IngestionJob, []model.IngestResult, error) {
	identifiers = dedupe(identifiers)
	if len(identifiers) == 0 {
		return nil, nil, eris.New("ingest: no identifiers")
	}

	job, err := r.store.CreateJob(ctx, marketplace, len(identifiers))
	if err != nil {
		return nil, nil, eris.Wrap(err, "ingest: create job")
	}
	if err := r.store.StartJob(ctx, job.ID); err != nil {
		return nil, nil, eris.Wrap(err, "ingest: start job")
	}

	fresh, stale, err := r.cache.FilterNeedingRefresh(ctx, identifiers, marketplace, r.cfg.CacheTTL)
	if err != nil {
		// Cache misses just mean more vendor calls.
		zap.L().Warn("cache filter failed, refreshing all", zap.Error(err))
		fresh, stale = nil, identifiers
	}

	var mu sync.Mutex
	results := make([]model.IngestResult, 0, len(identifiers))
	for _, id := range fresh {
		results = append(results, model.IngestResult{
			Identifier:  id,
			Marketplace: marketplace,
			Success:     true,
			FromCache:   true,
		})
	}

	zap.L().Info("ingestion batch started",
		zap.String("job_id", job.ID),
		zap.String("marketplace", marketplace),
		zap.Int("total", len(identifiers)),
		zap.Int("skipped_fresh", len(fresh)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, chunk := range chunkIdentifiers(stale, r.cfg.ChunkSize) {
		chunk := chunk
		g.Go(func() error {
			// Cancellation is honored between chunks; a chunk already in
			// flight finishes its work.
			if err := gctx.Err(); err != nil {
				mu.Lock()
				for _, id := range chunk {
					results = append(results, model.IngestResult{
						Identifier:  id,
						Marketplace: marketplace,
						Success:     false,
						Error:       "batch cancelled",
					})
				}
				mu.Unlock()
				return nil
			}

			chunkResults := r.ingestChunk(gctx, chunk, marketplace, job.ID)
			mu.Lock()
			results = append(results, chunkResults...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var succeeded, failed int
	for _, res := range results {
		if res.FromCache {
			continue
		}
		if res.Success {
			succeeded++
		} else {
			failed++
		}
	}

	// The job record is finalized even when the batch was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	jobErr := ""
	if err := ctx.Err(); err != nil {
		jobErr = "batch cancelled: " + err.Error()
	}
	if err := r.store.CompleteJob(finishCtx, job.ID, succeeded, failed, len(fresh), jobErr); err != nil {
		zap.L().Error("complete job failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	job.Succeeded = succeeded
	job.Failed = failed
	job.Skipped = len(fresh)
	job.Status = model.JobStatusCompleted
	if jobErr != "" {
		job.Status = model.JobStatusFailed
		job.Error = jobErr
	}

	zap.L().Info("ingestion batch finished",
		zap.String("job_id", job.ID),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", len(fresh)),
	)
	return job, results, nil
}

// ingestChunk fetches one chunk from the vendor and transforms each
// identifier independently.
func (r *Runner) ingestChunk(ctx context.Context, chunk []string, marketplace, jobID string) []model.IngestResult {
	opts := marketdata.FetchOptions{StatsDays: r.cfg.StatsDays, Offers: r.cfg.Offers}
	fetched, err := r.client.FetchBatched(ctx, chunk, opts)
	if err != nil {
		zap.L().Warn("vendor chunk fetch aborted", zap.Int("size", len(chunk)), zap.Error(err))
	}

	results := make([]model.IngestResult, 0, len(chunk))
	for _, id := range chunk {
		payloads := model.RawPayloads{}
		transformOpts := TransformOptions{
			WindowDays:         r.cfg.StatsDays,
			EpochOffsetMinutes: r.cfg.EpochOffsetMinutes,
		}

		res, ok := fetched[id]
		switch {
		case !ok:
			transformOpts.VendorError = "no vendor response"
		case res.Err != nil:
			transformOpts.VendorError = res.Err.Error()
		default:
			payloads.Vendor = res.Product
			payloads.VendorCapturedAt = res.CapturedAt
		}

		if r.marketplace != nil {
			mp, err := r.marketplace.GetPayload(ctx, id, marketplace)
			if err != nil {
				zap.L().Warn("marketplace payload fetch failed",
					zap.String("identifier", id), zap.Error(err))
			} else {
				payloads.Marketplace = mp
			}
		}

		r.saveRawPayloads(ctx, id, marketplace, payloads)
		results = append(results, *r.orch.TransformAndPersist(ctx, id, marketplace, jobID, payloads, transformOpts))
	}
	return results
}

// saveRawPayloads archives the raw inputs for audit and replay. Failures are
// logged, not fatal: the transform can still run.
func (r *Runner) saveRawPayloads(ctx context.Context, identifier, marketplace string, payloads model.RawPayloads) {
	var rows []model.RawPayloadRow
	if payloads.Vendor != nil {
		if raw, err := json.Marshal(payloads.Vendor); err == nil {
			rows = append(rows, model.RawPayloadRow{
				Identifier:  identifier,
				Marketplace: marketplace,
				Source:      model.SourceVendor,
				Payload:     raw,
				CapturedAt:  payloads.VendorCapturedAt.UTC(),
			})
		}
	}
	if payloads.Marketplace != nil {
		if raw, err := json.Marshal(payloads.Marketplace); err == nil {
			rows = append(rows, model.RawPayloadRow{
				Identifier:  identifier,
				Marketplace: marketplace,
				Source:      model.SourceMarketplace,
				Payload:     raw,
				CapturedAt:  payloads.Marketplace.CapturedAt.UTC(),
			})
		}
	}
	if len(rows) == 0 {
		return
	}
	if _, err := r.store.SaveRawPayloads(ctx, rows); err != nil {
		zap.L().Warn("raw payload archive failed",
			zap.String("identifier", identifier), zap.Error(err))
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func chunkIdentifiers(in []string, size int) [][]string {
	if size <= 0 {
		return [][]string{in}
	}
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
