package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
)

// TransformOptions tunes one identifier's transform.
type TransformOptions struct {
	// WindowDays is the trailing window for vendor price statistics.
	WindowDays int
	// EpochOffsetMinutes converts vendor timestamps to instants.
	EpochOffsetMinutes int64
	// VendorError, when non-empty, records that the vendor call for this
	// identifier failed and the transform ran on first-party data alone.
	VendorError string
}

// Orchestrator runs the flatten, merge, derive, fingerprint, and
// data-quality stages and persists the outcome in one transaction.
type Orchestrator struct {
	store   store.Store
	quality QualityConfig
	locks   *keyedMutex
	nowFunc func() time.Time
}

func NewOrchestrator(st store.Store, quality QualityConfig) *Orchestrator {
	return &Orchestrator{
		store:   st,
		quality: quality,
		locks:   newKeyedMutex(),
		nowFunc: time.Now,
	}
}

// TransformAndPersist turns one identifier's raw payloads into a persisted
// snapshot. Missing sources flatten to all-null records rather than being
// skipped. All failures, including the persistence layer not being migrated
// yet, come back as a failure-shaped result, never a panic.
func (o *Orchestrator) TransformAndPersist(ctx context.Context, identifier, marketplace, jobID string, payloads model.RawPayloads, opts TransformOptions) *model.IngestResult {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 90
	}

	now := o.nowFunc().UTC()

	vendor := FlattenVendor(payloads.Vendor, now, opts.WindowDays, opts.EpochOffsetMinutes)
	if payloads.Vendor != nil && vendor[model.FieldVendorCaptureAt] == nil && !payloads.VendorCapturedAt.IsZero() {
		vendor[model.FieldVendorCaptureAt] = payloads.VendorCapturedAt.UTC()
	}
	marketplaceRec := FlattenMarketplace(payloads.Marketplace)

	merged := Merge(map[model.Source]model.FlatRecord{
		model.SourceVendor:      vendor,
		model.SourceMarketplace: marketplaceRec,
	})
	Derive(merged)

	snapshotTime := SnapshotTime(merged)
	if snapshotTime.IsZero() {
		// Degenerate run with no capture time from either source.
		snapshotTime = now
	}

	snap := &model.MergedSnapshot{
		Identifier:       identifier,
		Marketplace:      marketplace,
		SnapshotTime:     snapshotTime,
		Fields:           merged,
		Fingerprint:      Fingerprint(merged),
		TransformVersion: model.TransformVersion,
	}

	issues := CheckQuality(merged, o.quality, now)
	if opts.VendorError != "" {
		issues = append(issues, model.DQIssue{
			IssueType: model.IssueAPIError,
			Severity:  model.SeverityWarn,
			Message:   "vendor fetch failed: " + opts.VendorError,
		})
	}

	unlock := o.locks.Lock(identifier + "|" + marketplace)
	defer unlock()

	snapshotID, err := o.store.SaveSnapshot(ctx, store.SnapshotWrite{
		Snapshot: snap,
		JobID:    jobID,
		Issues:   issues,
	})
	if err != nil {
		if store.IsPersistenceUnavailable(err) {
			zap.L().Warn("persistence unavailable, skipping write",
				zap.String("identifier", identifier),
				zap.String("marketplace", marketplace),
			)
		} else {
			zap.L().Error("snapshot persist failed",
				zap.String("identifier", identifier),
				zap.String("marketplace", marketplace),
				zap.Error(err),
			)
		}
		return &model.IngestResult{
			Identifier:  identifier,
			Marketplace: marketplace,
			Success:     false,
			SnapshotID:  nil,
			DQIssues:    issues,
			Error:       err.Error(),
		}
	}

	return &model.IngestResult{
		Identifier:  identifier,
		Marketplace: marketplace,
		Success:     true,
		SnapshotID:  &snapshotID,
		Fingerprint: snap.Fingerprint,
		DQIssues:    issues,
	}
}
