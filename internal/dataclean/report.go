package dataclean

import (
	"math"
)

// SeriesStats summarizes one numeric column of a cleaned batch.
type SeriesStats struct {
	Count      int     `json:"count"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Total      float64 `json:"total,omitempty"`
	MissingPct float64 `json:"missing_pct"`
}

// Report is a human-readable quality summary for one cleaning pass.
type Report struct {
	OriginalRecords int            `json:"original_records"`
	CleanedRecords  int            `json:"cleaned_records"`
	RecordsRemoved  int            `json:"records_removed"`
	RemovalPercent  float64        `json:"removal_percent"`
	QualityScore    float64        `json:"quality_score"`
	CleaningTimeMs  float64        `json:"cleaning_time_ms"`
	Issues          []QualityIssue `json:"issues"`
	ActionsTaken    []string       `json:"actions_taken"`
	PriceStats      *SeriesStats   `json:"price_stats,omitempty"`
	VolumeStats     *SeriesStats   `json:"volume_stats,omitempty"`
	Recommendations []string       `json:"recommendations"`
}

// BuildReport derives a quality report from a cleaned batch and its result.
func BuildReport(batch []Record, result Result) Report {
	rep := Report{
		OriginalRecords: result.OriginalCount,
		CleanedRecords:  result.CleanedCount,
		RecordsRemoved:  result.RemovedCount(),
		RemovalPercent:  result.RemovalPercent(),
		QualityScore:    result.QualityScore,
		CleaningTimeMs:  float64(result.CleaningTime.Microseconds()) / 1000,
		Issues:          result.IssuesFound,
		ActionsTaken:    result.ActionsTaken,
	}

	if len(batch) > 0 {
		rep.PriceStats = seriesStats(batch, colClose, false)
		rep.VolumeStats = seriesStats(batch, colVolume, true)
	}

	if result.QualityScore < 0.7 {
		rep.Recommendations = append(rep.Recommendations,
			"quality score below acceptable threshold; review source or add cleaning rules")
	}
	if result.RemovedCount() > result.OriginalCount/5 {
		rep.Recommendations = append(rep.Recommendations,
			"more than 20% of records removed; review data source quality")
	}
	for _, is := range result.IssuesFound {
		if is.Severity > 0.5 {
			rep.Recommendations = append(rep.Recommendations,
				"high severity issues detected; investigate data source")
			break
		}
	}
	if len(rep.Recommendations) == 0 {
		rep.Recommendations = []string{"data quality is acceptable"}
	}
	return rep
}

func seriesStats(batch []Record, col column, withTotal bool) *SeriesStats {
	values := presentValues(batch, col)
	if len(values) == 0 {
		return nil
	}
	st := &SeriesStats{
		Count:      len(values),
		Min:        math.Inf(1),
		Max:        math.Inf(-1),
		Mean:       meanOf(values),
		Std:        sampleStd(values),
		MissingPct: (1 - float64(len(values))/float64(len(batch))) * 100,
	}
	for _, v := range values {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		st.Total += v
	}
	if !withTotal {
		st.Total = 0
	}
	return st
}
