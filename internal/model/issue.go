package model

import "time"

// Severity grades a data-quality finding.
type Severity string

const (
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// IssueType is the machine-readable class of a data-quality finding.
type IssueType string

const (
	IssueMissingField     IssueType = "MISSING_FIELD"
	IssueNegativeStock    IssueType = "NEGATIVE_STOCK"
	IssueNonPositivePrice IssueType = "NON_POSITIVE_PRICE"
	IssueStaleData        IssueType = "STALE_DATA"
	IssueMissingVendor    IssueType = "MISSING_VENDOR_DATA"
	IssueHighVolatility   IssueType = "HIGH_VOLATILITY"
	IssueAPIError         IssueType = "API_ERROR"
)

// autoResolvedTypes are issue classes that clear themselves: when a later
// transform for the same identifier no longer reproduces them, open rows are
// marked resolved (not deleted).
var autoResolvedTypes = []IssueType{IssueStaleData, IssueAPIError}

// AutoResolvedIssueTypes returns the issue classes eligible for
// auto-resolution.
func AutoResolvedIssueTypes() []IssueType {
	out := make([]IssueType, len(autoResolvedTypes))
	copy(out, autoResolvedTypes)
	return out
}

// DQIssue is one structured data-quality finding attached to a Snapshot.
type DQIssue struct {
	ID          string     `json:"id"`
	SnapshotID  string     `json:"snapshot_id"`
	Identifier  string     `json:"identifier"`
	Marketplace string     `json:"marketplace"`
	IssueType   IssueType  `json:"issue_type"`
	Severity    Severity   `json:"severity"`
	Field       Field      `json:"field,omitempty"`
	Message     string     `json:"message"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
