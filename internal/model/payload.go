package model

import "time"

// VendorProduct is one product entry from the market-intelligence vendor.
// Time-series histories are encoded as alternating [timestamp, value] pairs
// where timestamps are minutes since the vendor's epoch and negative values
// are "unavailable" sentinels.
type VendorProduct struct {
	ASIN           string  `json:"asin"`
	DomainID       int     `json:"domainId"`
	Title          string  `json:"title,omitempty"`
	LastUpdate     int64   `json:"lastUpdate"`      // vendor minutes
	PriceHistory   []int64 `json:"priceHistory"`    // pairs: [t, cents, t, cents, ...]
	RankHistory    []int64 `json:"rankHistory"`     // pairs: [t, rank, t, rank, ...]
	BuyBoxPrice    int64   `json:"buyBoxPrice"`     // cents, -1 when unavailable
	BuyBoxSellerID string  `json:"buyBoxSellerId"`
	OfferCount     int     `json:"offerCount"`
	RankDrops30d   int     `json:"salesRankDrops30"`
	ReviewCount    int     `json:"reviewCount"`
	Rating         int     `json:"rating"` // tenths of a star, -1 when unavailable
}

// VendorResponse is the top-level vendor API response.
type VendorResponse struct {
	Products       []VendorProduct `json:"products"`
	Error          *VendorAPIError `json:"error,omitempty"`
	TokensConsumed int             `json:"tokensConsumed,omitempty"`
}

// VendorAPIError is the error object the vendor embeds in an otherwise
// well-formed response.
type VendorAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MarketplacePayload is the first-party catalog/pricing/inventory record for
// one ASIN, consumed as an already-parsed object. Pointer fields are nullable:
// absence means unknown, not zero.
type MarketplacePayload struct {
	ASIN               string    `json:"asin"`
	Marketplace        string    `json:"marketplace"`
	PriceIncVAT        *float64  `json:"price_inc_vat,omitempty"`
	PriceExcVAT        *float64  `json:"price_exc_vat,omitempty"`
	Stock              *int64    `json:"stock,omitempty"`
	UnitsSold30d       *int64    `json:"units_sold_30d,omitempty"`
	OurSellerID        string    `json:"our_seller_id,omitempty"`
	ListingStatus      string    `json:"listing_status,omitempty"`
	FulfillmentChannel string    `json:"fulfillment_channel,omitempty"`
	CapturedAt         time.Time `json:"captured_at"`
}

// RawPayloads bundles the raw per-source inputs for one identifier's
// transform. Either source may be nil; flatteners emit all-null records for
// missing sources.
type RawPayloads struct {
	Vendor           *VendorProduct      `json:"vendor,omitempty"`
	VendorCapturedAt time.Time           `json:"vendor_captured_at,omitempty"`
	Marketplace      *MarketplacePayload `json:"marketplace,omitempty"`
}

// RawPayloadRow is one immutable stored vendor/marketplace response, kept for
// audit and replay.
type RawPayloadRow struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Marketplace string    `json:"marketplace"`
	Source      Source    `json:"source"`
	Payload     []byte    `json:"payload"`
	CapturedAt  time.Time `json:"captured_at"`
}
