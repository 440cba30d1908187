package ingest

import (
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// defaultPrecedence applies to any field without an explicit entry in
// fieldPrecedence.
var defaultPrecedence = []model.Source{model.SourceMarketplace, model.SourceVendor}

// fieldPrecedence is the per-field source priority table. First-party data
// wins for our own pricing and inventory, the vendor wins for competitive
// market fields. Precedence is data so it can be audited field by field.
var fieldPrecedence = map[model.Field][]model.Source{
	model.FieldPriceIncVAT:          {model.SourceMarketplace},
	model.FieldPriceExcVAT:          {model.SourceMarketplace},
	model.FieldStock:                {model.SourceMarketplace},
	model.FieldUnitsSold30d:         {model.SourceMarketplace},
	model.FieldOurSellerID:          {model.SourceMarketplace},
	model.FieldListingStatus:        {model.SourceMarketplace},
	model.FieldFulfillmentChannel:   {model.SourceMarketplace},
	model.FieldMarketplaceCaptureAt: {model.SourceMarketplace},

	model.FieldBuyBoxPrice:     {model.SourceVendor, model.SourceMarketplace},
	model.FieldBuyBoxSellerID:  {model.SourceVendor},
	model.FieldSalesRank:       {model.SourceVendor},
	model.FieldRankDrops30d:    {model.SourceVendor},
	model.FieldOfferCount:      {model.SourceVendor},
	model.FieldReviewCount:     {model.SourceVendor},
	model.FieldRating:          {model.SourceVendor},
	model.FieldPriceMin:        {model.SourceVendor},
	model.FieldPriceMax:        {model.SourceVendor},
	model.FieldPriceMedian:     {model.SourceVendor},
	model.FieldPriceP25:        {model.SourceVendor},
	model.FieldPriceP75:        {model.SourceVendor},
	model.FieldPriceVolatility: {model.SourceVendor},
	model.FieldVendorCaptureAt: {model.SourceVendor},
}

// Merge combines per-source flattened records into one record under the
// precedence table: for each field the first source in its priority list with
// a non-nil value wins. The output always covers the complete schema.
func Merge(records map[model.Source]model.FlatRecord) model.FlatRecord {
	out := model.NewNullRecord()
	for _, f := range model.AllFields() {
		order, ok := fieldPrecedence[f]
		if !ok {
			order = defaultPrecedence
		}
		for _, src := range order {
			rec, ok := records[src]
			if !ok {
				continue
			}
			if v := rec[f]; v != nil {
				out[f] = v
				break
			}
		}
	}
	return out
}

// SnapshotTime is the capture time of the merged record: the maximum over
// the contributing payload capture times, never the wall clock of the
// transform. The zero time is returned when no source supplied one.
func SnapshotTime(merged model.FlatRecord) time.Time {
	var max time.Time
	for _, f := range []model.Field{model.FieldVendorCaptureAt, model.FieldMarketplaceCaptureAt} {
		if t := merged.Time(f); t != nil && t.After(max) {
			max = *t
		}
	}
	return max
}
