package ingest

import (
	"github.com/sells-group/marketsync/internal/model"
)

// salesVelocityWindowDays is the window the units-sold counter covers.
const salesVelocityWindowDays = 30

// Derive computes the derived fields in place on a merged record. Every
// derived value stays nil when its inputs are unknown: null means "unknown",
// never "zero".
func Derive(r model.FlatRecord) {
	stock := r.Int(model.FieldStock)
	unitsSold := r.Int(model.FieldUnitsSold30d)

	// days_of_cover = stock / daily velocity. Null on unknown stock or zero
	// velocity rather than dividing by zero or defaulting to 0.
	if stock != nil && unitsSold != nil && *unitsSold > 0 {
		velocity := float64(*unitsSold) / float64(salesVelocityWindowDays)
		r[model.FieldDaysOfCover] = float64(*stock) / velocity
	}

	if stock != nil {
		r[model.FieldIsOutOfStock] = *stock <= 0
	}

	ourSeller := r.String(model.FieldOurSellerID)
	buyBoxSeller := r.String(model.FieldBuyBoxSellerID)
	if ourSeller != nil && buyBoxSeller != nil {
		r[model.FieldIsBuyBoxLost] = *ourSeller != *buyBoxSeller
	}
}
