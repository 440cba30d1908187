package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNullRecord_CoversFullSchema(t *testing.T) {
	r := NewNullRecord()
	require.Len(t, r, len(AllFields()))
	for _, f := range AllFields() {
		v, present := r[f]
		assert.True(t, present)
		assert.Nil(t, v)
	}
}

func TestFlatRecord_GettersCoerceJSONTypes(t *testing.T) {
	r := FlatRecord{
		FieldStock:           int64(5),
		FieldPriceIncVAT:     19.99,
		FieldOurSellerID:     "OUR",
		FieldIsOutOfStock:    false,
		FieldVendorCaptureAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var rt FlatRecord
	require.NoError(t, json.Unmarshal(raw, &rt))

	// After the round trip ints are float64 and times are strings; the
	// getters hide that.
	stock := rt.Int(FieldStock)
	require.NotNil(t, stock)
	assert.Equal(t, int64(5), *stock)

	price := rt.Float(FieldPriceIncVAT)
	require.NotNil(t, price)
	assert.InDelta(t, 19.99, *price, 1e-9)

	assert.Equal(t, "OUR", *rt.String(FieldOurSellerID))
	assert.False(t, *rt.Bool(FieldIsOutOfStock))

	capturedAt := rt.Time(FieldVendorCaptureAt)
	require.NotNil(t, capturedAt)
	assert.True(t, capturedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestFlatRecord_GettersNilOnAbsent(t *testing.T) {
	r := NewNullRecord()
	assert.Nil(t, r.Int(FieldStock))
	assert.Nil(t, r.Float(FieldPriceIncVAT))
	assert.Nil(t, r.String(FieldOurSellerID))
	assert.Nil(t, r.Bool(FieldIsOutOfStock))
	assert.Nil(t, r.Time(FieldVendorCaptureAt))
}

func TestMoney(t *testing.T) {
	assert.Equal(t, 19.99, Money(19.994))
	assert.Equal(t, 20.0, Money(19.995))
	assert.Equal(t, 10.0, MoneyFromCents(1000))
	assert.Equal(t, 0.01, MoneyFromCents(1))
	assert.Equal(t, -5.5, MoneyFromCents(-550))
}

func TestAutoResolvedIssueTypes(t *testing.T) {
	types := AutoResolvedIssueTypes()
	assert.ElementsMatch(t, []IssueType{IssueStaleData, IssueAPIError}, types)

	// Mutating the returned slice must not leak into the package.
	types[0] = IssueNegativeStock
	assert.ElementsMatch(t, []IssueType{IssueStaleData, IssueAPIError}, AutoResolvedIssueTypes())
}
