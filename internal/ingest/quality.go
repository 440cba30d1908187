package ingest

import (
	"fmt"
	"time"

	"github.com/sells-group/marketsync/internal/model"
)

// QualityConfig carries the thresholds the data-quality rules evaluate
// against.
type QualityConfig struct {
	// RequiredFields must be non-null in every merged snapshot.
	RequiredFields []model.Field
	// MaxVendorAge is how old vendor data may be before it counts as stale.
	MaxVendorAge time.Duration
	// VolatilityThreshold flags suspiciously unstable price series.
	VolatilityThreshold float64
}

// DefaultQualityConfig returns the production thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		RequiredFields:      []model.Field{model.FieldPriceIncVAT, model.FieldStock},
		MaxVendorAge:        24 * time.Hour,
		VolatilityThreshold: 0.5,
	}
}

// qualityRule is one independent check over a merged record. Rules never see
// each other's output, so adding a rule never touches existing ones.
type qualityRule func(r model.FlatRecord, cfg QualityConfig, now time.Time) []model.DQIssue

var qualityRules = []qualityRule{
	checkRequiredFields,
	checkNegativeStock,
	checkNonPositivePrice,
	checkStaleVendorData,
	checkMissingVendorData,
	checkHighVolatility,
}

// CheckQuality runs every rule over the merged record and returns the
// combined findings.
func CheckQuality(r model.FlatRecord, cfg QualityConfig, now time.Time) []model.DQIssue {
	var issues []model.DQIssue
	for _, rule := range qualityRules {
		issues = append(issues, rule(r, cfg, now)...)
	}
	return issues
}

func checkRequiredFields(r model.FlatRecord, cfg QualityConfig, _ time.Time) []model.DQIssue {
	var issues []model.DQIssue
	for _, f := range cfg.RequiredFields {
		if r[f] == nil {
			issues = append(issues, model.DQIssue{
				IssueType: model.IssueMissingField,
				Severity:  model.SeverityWarn,
				Field:     f,
				Message:   fmt.Sprintf("required field %s is missing", f),
			})
		}
	}
	return issues
}

func checkNegativeStock(r model.FlatRecord, _ QualityConfig, _ time.Time) []model.DQIssue {
	stock := r.Int(model.FieldStock)
	if stock == nil || *stock >= 0 {
		return nil
	}
	return []model.DQIssue{{
		IssueType: model.IssueNegativeStock,
		Severity:  model.SeverityCritical,
		Field:     model.FieldStock,
		Message:   fmt.Sprintf("stock is negative: %d", *stock),
	}}
}

func checkNonPositivePrice(r model.FlatRecord, _ QualityConfig, _ time.Time) []model.DQIssue {
	price := r.Float(model.FieldPriceIncVAT)
	if price == nil || *price > 0 {
		return nil
	}
	return []model.DQIssue{{
		IssueType: model.IssueNonPositivePrice,
		Severity:  model.SeverityWarn,
		Field:     model.FieldPriceIncVAT,
		Message:   fmt.Sprintf("price is non-positive: %.2f", *price),
	}}
}

func checkStaleVendorData(r model.FlatRecord, cfg QualityConfig, now time.Time) []model.DQIssue {
	capturedAt := r.Time(model.FieldVendorCaptureAt)
	if capturedAt == nil || cfg.MaxVendorAge <= 0 {
		return nil
	}
	age := now.Sub(*capturedAt)
	if age <= cfg.MaxVendorAge {
		return nil
	}
	return []model.DQIssue{{
		IssueType: model.IssueStaleData,
		Severity:  model.SeverityWarn,
		Field:     model.FieldVendorCaptureAt,
		Message:   fmt.Sprintf("vendor data is %s old, max age %s", age.Round(time.Minute), cfg.MaxVendorAge),
	}}
}

func checkMissingVendorData(r model.FlatRecord, _ QualityConfig, _ time.Time) []model.DQIssue {
	if r[model.FieldVendorCaptureAt] != nil {
		return nil
	}
	return []model.DQIssue{{
		IssueType: model.IssueMissingVendor,
		Severity:  model.SeverityWarn,
		Message:   "no vendor data contributed to this snapshot",
	}}
}

func checkHighVolatility(r model.FlatRecord, cfg QualityConfig, _ time.Time) []model.DQIssue {
	vol := r.Float(model.FieldPriceVolatility)
	if vol == nil || cfg.VolatilityThreshold <= 0 || *vol <= cfg.VolatilityThreshold {
		return nil
	}
	return []model.DQIssue{{
		IssueType: model.IssueHighVolatility,
		Severity:  model.SeverityWarn,
		Field:     model.FieldPriceVolatility,
		Message:   fmt.Sprintf("price volatility %.3f exceeds threshold %.3f", *vol, cfg.VolatilityThreshold),
	}}
}
