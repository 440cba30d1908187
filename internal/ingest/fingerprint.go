package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// fingerprintFields is the curated subset the change fingerprint covers.
// Capture timestamps and other metadata that churn on every run are excluded
// so consumers only see a changed fingerprint when business data changed.
var fingerprintFields = []model.Field{
	model.FieldPriceIncVAT,
	model.FieldPriceExcVAT,
	model.FieldStock,
	model.FieldUnitsSold30d,
	model.FieldListingStatus,
	model.FieldFulfillmentChannel,
	model.FieldBuyBoxPrice,
	model.FieldBuyBoxSellerID,
	model.FieldSalesRank,
	model.FieldOfferCount,
	model.FieldReviewCount,
	model.FieldRating,
	model.FieldIsOutOfStock,
	model.FieldIsBuyBoxLost,
}

// Fingerprint returns a stable sha256 over the curated field subset. The
// field list is sorted before hashing so the result does not depend on map
// iteration or declaration order.
func Fingerprint(r model.FlatRecord) string {
	fields := make([]string, len(fingerprintFields))
	for i, f := range fingerprintFields {
		fields[i] = string(f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(canonicalValue(r[model.Field(f)]))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalValue renders a field value deterministically regardless of
// whether it came straight from a flattener or through a JSON round trip.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}
