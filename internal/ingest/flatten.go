package ingest

import (
	"time"

	"github.com/sells-group/marketsync/internal/model"
	"github.com/sells-group/marketsync/pkg/marketdata"
)

// FlattenVendor converts one vendor product into the canonical flat schema.
// A nil payload yields an all-null record covering every field, never a
// partial one. Negative sentinel values in the time-series histories mean
// "unavailable" and are dropped before statistics, and only samples inside
// the trailing window ending at ref contribute.
func FlattenVendor(p *model.VendorProduct, ref time.Time, windowDays int, epochOffset int64) model.FlatRecord {
	r := model.NewNullRecord()
	if p == nil {
		return r
	}

	if p.BuyBoxPrice >= 0 {
		r[model.FieldBuyBoxPrice] = model.MoneyFromCents(p.BuyBoxPrice)
	}
	if p.BuyBoxSellerID != "" {
		r[model.FieldBuyBoxSellerID] = p.BuyBoxSellerID
	}
	if p.OfferCount >= 0 {
		r[model.FieldOfferCount] = int64(p.OfferCount)
	}
	if p.RankDrops30d >= 0 {
		r[model.FieldRankDrops30d] = int64(p.RankDrops30d)
	}
	if p.ReviewCount >= 0 {
		r[model.FieldReviewCount] = int64(p.ReviewCount)
	}
	if p.Rating >= 0 {
		r[model.FieldRating] = float64(p.Rating) / 10.0
	}
	if p.LastUpdate > 0 {
		r[model.FieldVendorCaptureAt] = marketdata.TimeFromVendorMinutes(p.LastUpdate, epochOffset)
	}

	if rank, ok := latestSeriesValue(p.RankHistory); ok {
		r[model.FieldSalesRank] = rank
	}

	prices := windowSeriesValues(p.PriceHistory, ref, windowDays, epochOffset)
	if len(prices) > 0 {
		stats := ComputeSeriesStats(prices)
		r[model.FieldPriceMin] = model.Money(stats.Min)
		r[model.FieldPriceMax] = model.Money(stats.Max)
		r[model.FieldPriceMedian] = model.Money(stats.Median)
		r[model.FieldPriceP25] = model.Money(stats.P25)
		r[model.FieldPriceP75] = model.Money(stats.P75)
		r[model.FieldPriceVolatility] = stats.Volatility
	}

	return r
}

// FlattenMarketplace converts the first-party payload into the canonical flat
// schema. A nil payload yields an all-null record.
func FlattenMarketplace(p *model.MarketplacePayload) model.FlatRecord {
	r := model.NewNullRecord()
	if p == nil {
		return r
	}

	if p.PriceIncVAT != nil {
		r[model.FieldPriceIncVAT] = model.Money(*p.PriceIncVAT)
	}
	if p.PriceExcVAT != nil {
		r[model.FieldPriceExcVAT] = model.Money(*p.PriceExcVAT)
	}
	if p.Stock != nil {
		r[model.FieldStock] = *p.Stock
	}
	if p.UnitsSold30d != nil {
		r[model.FieldUnitsSold30d] = *p.UnitsSold30d
	}
	if p.OurSellerID != "" {
		r[model.FieldOurSellerID] = p.OurSellerID
	}
	if p.ListingStatus != "" {
		r[model.FieldListingStatus] = p.ListingStatus
	}
	if p.FulfillmentChannel != "" {
		r[model.FieldFulfillmentChannel] = p.FulfillmentChannel
	}
	if !p.CapturedAt.IsZero() {
		r[model.FieldMarketplaceCaptureAt] = p.CapturedAt.UTC()
	}

	return r
}

// windowSeriesValues extracts the cent values from an alternating
// [timestamp, value] series that fall inside the trailing window and carry no
// negative sentinel, converted to 2-decimal money.
func windowSeriesValues(series []int64, ref time.Time, windowDays int, epochOffset int64) []float64 {
	if len(series) < 2 {
		return nil
	}
	cutoff := ref.Add(-time.Duration(windowDays) * 24 * time.Hour)

	var out []float64
	for i := 0; i+1 < len(series); i += 2 {
		ts := marketdata.TimeFromVendorMinutes(series[i], epochOffset)
		cents := series[i+1]
		if cents < 0 {
			continue
		}
		if ts.Before(cutoff) || ts.After(ref) {
			continue
		}
		out = append(out, model.MoneyFromCents(cents))
	}
	return out
}

// latestSeriesValue returns the most recent non-sentinel value of an
// alternating [timestamp, value] series.
func latestSeriesValue(series []int64) (int64, bool) {
	for i := (len(series)/2)*2 - 2; i >= 0; i -= 2 {
		if v := series[i+1]; v >= 0 {
			return v, true
		}
	}
	return 0, false
}
