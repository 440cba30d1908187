package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/ingest"
	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/resilience"
	"github.com/sells-group/marketsync/internal/store"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "marketsync.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initVendorClient() (marketdata.Client, error) {
	if cfg.Vendor.APIKey == "" {
		return nil, eris.New("vendor API key is required (MARKETSYNC_VENDOR_API_KEY)")
	}
	breakers := resilience.NewServiceBreakers(
		resilience.FromCircuitConfig(cfg.Ingest.BreakerLimit, cfg.Ingest.BreakerResetS))
	return marketdata.NewClient(cfg.Vendor, marketdata.WithCircuitBreaker(breakers.Get("vendor"))), nil
}

func qualityConfig() ingest.QualityConfig {
	q := ingest.DefaultQualityConfig()
	if len(cfg.DQ.RequiredFields) > 0 {
		q.RequiredFields = make([]model.Field, 0, len(cfg.DQ.RequiredFields))
		for _, f := range cfg.DQ.RequiredFields {
			q.RequiredFields = append(q.RequiredFields, model.Field(f))
		}
	}
	if cfg.DQ.MaxVendorAgeHours > 0 {
		q.MaxVendorAge = time.Duration(cfg.DQ.MaxVendorAgeHours) * time.Hour
	}
	if cfg.DQ.VolatilityThreshold > 0 {
		q.VolatilityThreshold = cfg.DQ.VolatilityThreshold
	}
	return q
}

func initRunner(st store.Store) (*ingest.Runner, error) {
	client, err := initVendorClient()
	if err != nil {
		return nil, err
	}
	orch := ingest.NewOrchestrator(st, qualityConfig())
	return ingest.NewRunner(client, st, orch, nil, ingest.RunnerConfig{
		ChunkSize:          cfg.Ingest.ChunkSize,
		Concurrency:        cfg.Ingest.Concurrency,
		CacheTTL:           cfg.Ingest.CacheTTL(),
		StatsDays:          cfg.Ingest.StatsDays,
		Offers:             cfg.Ingest.Offers,
		EpochOffsetMinutes: cfg.Vendor.EpochOffsetMinutes,
	}), nil
}
