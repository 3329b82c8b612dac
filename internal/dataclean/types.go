package dataclean

import (
	"time"
)

// Issue classifies a data quality defect found in a batch.
type Issue string

const (
	IssueMissingValues     Issue = "missing_values"
	IssueInvalidPrices     Issue = "invalid_prices"
	IssuePriceOutliers     Issue = "price_outliers"
	IssueVolumeOutliers    Issue = "volume_outliers"
	IssueTimeGaps          Issue = "time_gaps"
	IssueDuplicateData     Issue = "duplicate_data"
	IssueInconsistentOHLC  Issue = "inconsistent_ohlc"
	IssueExtremeVolatility Issue = "extreme_volatility"
	IssueLiquidity         Issue = "liquidity_issues"
)

// Action is the remediation a rule applies when its issue is present.
type Action string

const (
	ActionRemove      Action = "remove"
	ActionInterpolate Action = "interpolate"
	ActionCap         Action = "cap"
	ActionSmooth      Action = "smooth"
	ActionFlag        Action = "flag"
)

// Record is one OHLCV row in a cleaning batch. Missing values are NaN; a
// column where every value is NaN counts as an absent column.
type Record struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// QualityIssue describes one defect class found during a cleaning pass.
type QualityIssue struct {
	Type            Issue             `json:"type"`
	Severity        float64           `json:"severity"` // 0-1
	Description     string            `json:"description"`
	AffectedRecords int               `json:"affected_records"`
	SuggestedAction Action            `json:"suggested_action"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DetectedAt      time.Time         `json:"detected_at"`
}

// RuleParams carries the knobs a cleaning rule reads. Zero values mean the
// rule's built-in default.
type RuleParams struct {
	MinPrice  float64
	MaxPrice  float64
	Method    OutlierMethod
	Limit     int
	Window    int
	Threshold float64
}

// Rule binds one issue type to one remediation action. Rules run in
// descending priority order.
type Rule struct {
	Name     string
	Issue    Issue
	Action   Action
	Params   RuleParams
	Active   bool
	Priority int
}

// Result summarizes one cleaning pass over a batch.
type Result struct {
	OriginalCount int            `json:"original_count"`
	CleanedCount  int            `json:"cleaned_count"`
	IssuesFound   []QualityIssue `json:"issues_found"`
	ActionsTaken  []string       `json:"actions_taken"`
	CleaningTime  time.Duration  `json:"cleaning_time"`
	QualityScore  float64        `json:"quality_score"` // 0-1
	Symbol        string         `json:"symbol,omitempty"`
}

// RemovedCount is the number of records dropped by the pass.
func (r Result) RemovedCount() int {
	return r.OriginalCount - r.CleanedCount
}

// RemovalPercent is the share of the batch that was dropped, in percent.
func (r Result) RemovalPercent() float64 {
	if r.OriginalCount == 0 {
		return 0
	}
	return float64(r.RemovedCount()) / float64(r.OriginalCount) * 100
}
