// Package model defines the canonical domain types for the ingestion pipeline:
// the flat field schema, source payloads, merged snapshots, data-quality
// issues, and ingestion jobs.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a flattened record came from.
type Source string

const (
	// SourceVendor is the third-party market-intelligence API.
	SourceVendor Source = "vendor"
	// SourceMarketplace is the first-party catalog/pricing/inventory feed.
	SourceMarketplace Source = "marketplace"
)

// Field names a column in the canonical flat schema. Every flattener emits
// the complete field set; fields it cannot populate are nil.
type Field string

// First-party marketplace fields.
const (
	FieldPriceIncVAT          Field = "price_inc_vat"
	FieldPriceExcVAT          Field = "price_exc_vat"
	FieldStock                Field = "stock"
	FieldUnitsSold30d         Field = "units_sold_30d"
	FieldOurSellerID          Field = "our_seller_id"
	FieldListingStatus        Field = "listing_status"
	FieldFulfillmentChannel   Field = "fulfillment_channel"
	FieldMarketplaceCaptureAt Field = "marketplace_captured_at"
)

// Third-party vendor fields.
const (
	FieldBuyBoxPrice     Field = "buy_box_price"
	FieldBuyBoxSellerID  Field = "buy_box_seller_id"
	FieldSalesRank       Field = "sales_rank"
	FieldRankDrops30d    Field = "rank_drops_30d"
	FieldOfferCount      Field = "offer_count"
	FieldReviewCount     Field = "review_count"
	FieldRating          Field = "rating"
	FieldPriceMin        Field = "price_min"
	FieldPriceMax        Field = "price_max"
	FieldPriceMedian     Field = "price_median"
	FieldPriceP25        Field = "price_p25"
	FieldPriceP75        Field = "price_p75"
	FieldPriceVolatility Field = "price_volatility"
	FieldVendorCaptureAt Field = "vendor_captured_at"
)

// Derived fields computed after the merge.
const (
	FieldDaysOfCover  Field = "days_of_cover"
	FieldIsOutOfStock Field = "is_out_of_stock"
	FieldIsBuyBoxLost Field = "is_buy_box_lost"
)

// allFields is the full canonical schema in declaration order.
var allFields = []Field{
	FieldPriceIncVAT,
	FieldPriceExcVAT,
	FieldStock,
	FieldUnitsSold30d,
	FieldOurSellerID,
	FieldListingStatus,
	FieldFulfillmentChannel,
	FieldMarketplaceCaptureAt,
	FieldBuyBoxPrice,
	FieldBuyBoxSellerID,
	FieldSalesRank,
	FieldRankDrops30d,
	FieldOfferCount,
	FieldReviewCount,
	FieldRating,
	FieldPriceMin,
	FieldPriceMax,
	FieldPriceMedian,
	FieldPriceP25,
	FieldPriceP75,
	FieldPriceVolatility,
	FieldVendorCaptureAt,
	FieldDaysOfCover,
	FieldIsOutOfStock,
	FieldIsBuyBoxLost,
}

// AllFields returns a copy of the full canonical schema.
func AllFields() []Field {
	out := make([]Field, len(allFields))
	copy(out, allFields)
	return out
}

// FlatRecord is a normalized field→value map for one source. A nil value
// means "unknown", which is distinct from zero throughout the pipeline.
type FlatRecord map[Field]any

// NewNullRecord returns a FlatRecord covering the complete schema with every
// field nil. Flatteners start from this so downstream merge logic can rely on
// every key being present.
func NewNullRecord() FlatRecord {
	r := make(FlatRecord, len(allFields))
	for _, f := range allFields {
		r[f] = nil
	}
	return r
}

// Float returns the field as a float64, or nil when absent. Integer values
// that arrive as float64 after a JSON round trip are handled by Int, the
// reverse coercion here.
func (r FlatRecord) Float(f Field) *float64 {
	switch v := r[f].(type) {
	case float64:
		return &v
	case int64:
		fv := float64(v)
		return &fv
	case int:
		fv := float64(v)
		return &fv
	default:
		return nil
	}
}

// Int returns the field as an int64, or nil when absent.
func (r FlatRecord) Int(f Field) *int64 {
	switch v := r[f].(type) {
	case int64:
		return &v
	case int:
		iv := int64(v)
		return &iv
	case float64:
		iv := int64(v)
		return &iv
	default:
		return nil
	}
}

// String returns the field as a string, or nil when absent.
func (r FlatRecord) String(f Field) *string {
	if v, ok := r[f].(string); ok {
		return &v
	}
	return nil
}

// Bool returns the field as a bool, or nil when absent.
func (r FlatRecord) Bool(f Field) *bool {
	if v, ok := r[f].(bool); ok {
		return &v
	}
	return nil
}

// Time returns the field as a time.Time, or nil when absent. Times that went
// through a JSON round trip come back as RFC 3339 strings.
func (r FlatRecord) Time(f Field) *time.Time {
	switch v := r[f].(type) {
	case time.Time:
		return &v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil
		}
		return &t
	default:
		return nil
	}
}

// Clone returns a shallow copy of the record.
func (r FlatRecord) Clone() FlatRecord {
	out := make(FlatRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Money normalizes a monetary amount to fixed-point with 2 decimals,
// returned as float64 for storage in a FlatRecord.
func Money(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// MoneyFromCents converts an integer cent amount to a 2-decimal value.
func MoneyFromCents(cents int64) float64 {
	f, _ := decimal.New(cents, -2).Float64()
	return f
}
