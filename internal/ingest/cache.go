package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/internal/store"
)

// Cache answers freshness questions against the persisted current view, so
// identifiers refreshed recently are not re-fetched from the vendor.
type Cache struct {
	store store.Store
}

func NewCache(st store.Store) *Cache {
	return &Cache{store: st}
}

// GetFresh returns the current view for the identifier when its snapshot is
// younger than ttl, nil otherwise.
func (c *Cache) GetFresh(ctx context.Context, identifier, marketplace string, ttl time.Duration) (*model.CurrentView, error) {
	cv, err := c.store.GetCurrentState(ctx, identifier, marketplace)
	if err != nil {
		return nil, eris.Wrap(err, "cache: get current state")
	}
	if cv == nil || time.Since(cv.SnapshotTime) > ttl {
		return nil, nil
	}
	return cv, nil
}

// FilterNeedingRefresh splits identifiers into those still fresh within ttl
// and those needing a vendor fetch, preserving input order in the second
// return.
func (c *Cache) FilterNeedingRefresh(ctx context.Context, identifiers []string, marketplace string, ttl time.Duration) (fresh []string, stale []string, err error) {
	freshSet, err := c.store.GetFreshIdentifiers(ctx, identifiers, marketplace, ttl)
	if err != nil {
		return nil, nil, eris.Wrap(err, "cache: fresh identifiers")
	}
	for _, id := range identifiers {
		if freshSet[id] {
			fresh = append(fresh, id)
		} else {
			stale = append(stale, id)
		}
	}
	return fresh, stale, nil
}
