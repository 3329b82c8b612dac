package dataclean

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/riskengine/internal/observ"
)

// OutlierMethod selects the outlier detection statistic.
type OutlierMethod string

const (
	MethodIQR            OutlierMethod = "iqr"
	MethodZScore         OutlierMethod = "zscore"
	MethodModifiedZScore OutlierMethod = "modified_zscore"
)

// Config holds cleaner thresholds.
type Config struct {
	PriceOutlierStd    float64       `yaml:"price_outlier_std"`
	VolumeOutlierStd   float64       `yaml:"volume_outlier_std"`
	MaxTimeGap         time.Duration `yaml:"max_time_gap"`
	VolatilityZScore   float64       `yaml:"volatility_zscore"`
	MinPrice           float64       `yaml:"min_price"`
	MaxPrice           float64       `yaml:"max_price"`
	InterpolationLimit int           `yaml:"interpolation_limit"`
}

// DefaultConfig returns the thresholds used when no overrides are supplied.
func DefaultConfig() Config {
	return Config{
		PriceOutlierStd:    3.0,
		VolumeOutlierStd:   3.0,
		MaxTimeGap:         60 * time.Minute,
		VolatilityZScore:   5.0,
		MinPrice:           0.0001,
		MaxPrice:           1_000_000,
		InterpolationLimit: 5,
	}
}

// Validator inspects a batch and reports additional issues. Validators never
// mutate the batch.
type Validator func(batch []Record) []QualityIssue

// Cleaner detects and repairs quality defects in OHLCV batches. Rules run in
// descending priority over a working copy; the input batch is never mutated.
type Cleaner struct {
	cfg        Config
	rules      []Rule
	validators []Validator
	log        *zap.Logger
}

// New builds a cleaner with the default rule set.
func New(cfg Config) *Cleaner {
	c := &Cleaner{
		cfg: cfg,
		log: observ.Named("dataclean"),
	}
	c.rules = c.defaultRules()
	c.sortRules()
	return c
}

func (c *Cleaner) defaultRules() []Rule {
	return []Rule{
		{
			Name:     "remove_invalid_prices",
			Issue:    IssueInvalidPrices,
			Action:   ActionRemove,
			Params:   RuleParams{MinPrice: c.cfg.MinPrice, MaxPrice: c.cfg.MaxPrice},
			Active:   true,
			Priority: 10,
		},
		{
			Name:     "remove_inconsistent_ohlc",
			Issue:    IssueInconsistentOHLC,
			Action:   ActionRemove,
			Active:   true,
			Priority: 9,
		},
		{
			Name:     "remove_duplicates",
			Issue:    IssueDuplicateData,
			Action:   ActionRemove,
			Active:   true,
			Priority: 8,
		},
		{
			Name:     "interpolate_missing",
			Issue:    IssueMissingValues,
			Action:   ActionInterpolate,
			Params:   RuleParams{Limit: c.cfg.InterpolationLimit},
			Active:   true,
			Priority: 6,
		},
		{
			Name:     "cap_price_outliers",
			Issue:    IssuePriceOutliers,
			Action:   ActionCap,
			Params:   RuleParams{Method: MethodIQR, Threshold: c.cfg.PriceOutlierStd},
			Active:   true,
			Priority: 5,
		},
		{
			Name:     "cap_volume_outliers",
			Issue:    IssueVolumeOutliers,
			Action:   ActionCap,
			Params:   RuleParams{Method: MethodIQR, Threshold: c.cfg.VolumeOutlierStd},
			Active:   true,
			Priority: 4,
		},
		{
			Name:     "flag_extreme_volatility",
			Issue:    IssueExtremeVolatility,
			Action:   ActionFlag,
			Params:   RuleParams{Threshold: c.cfg.VolatilityZScore},
			Active:   true,
			Priority: 2,
		},
	}
}

// AddRule registers a custom rule and re-sorts the pipeline.
func (c *Cleaner) AddRule(r Rule) {
	c.rules = append(c.rules, r)
	c.sortRules()
}

// AddValidator registers a custom batch validator.
func (c *Cleaner) AddValidator(v Validator) {
	c.validators = append(c.validators, v)
}

func (c *Cleaner) sortRules() {
	sort.SliceStable(c.rules, func(i, j int) bool {
		return c.rules[i].Priority > c.rules[j].Priority
	})
}

// Clean runs the rule pipeline over a batch and returns the cleaned batch
// plus a summary. Absent required columns abort the pass: the original batch
// comes back unchanged with quality score 0.
func (c *Cleaner) Clean(symbol string, batch []Record) ([]Record, Result) {
	start := time.Now()
	defer func() {
		observ.CleanDuration.Observe(time.Since(start).Seconds())
	}()

	if len(batch) == 0 {
		return batch, Result{QualityScore: 1.0, Symbol: symbol}
	}

	if absent := absentColumns(batch); len(absent) > 0 {
		issue := QualityIssue{
			Type:            IssueMissingValues,
			Severity:        1.0,
			Description:     fmt.Sprintf("missing required columns: %v", absent),
			AffectedRecords: len(batch),
			SuggestedAction: ActionFlag,
			DetectedAt:      time.Now().UTC(),
		}
		c.log.Warn("cleaning aborted",
			zap.String("symbol", symbol),
			zap.Strings("missing_columns", absent))
		return batch, Result{
			OriginalCount: len(batch),
			IssuesFound:   []QualityIssue{issue},
			ActionsTaken:  []string{"failed: missing required columns"},
			CleaningTime:  time.Since(start),
			QualityScore:  0,
			Symbol:        symbol,
		}
	}

	work := make([]Record, len(batch))
	copy(work, batch)

	issues := c.checkQuality(work)
	var actions []string

	for _, rule := range c.rules {
		if !rule.Active {
			continue
		}
		var relevant []QualityIssue
		for _, is := range issues {
			if is.Type == rule.Issue {
				relevant = append(relevant, is)
			}
		}
		if len(relevant) == 0 {
			continue
		}
		var ruleActions []string
		work, ruleActions = c.applyRule(work, rule, relevant)
		actions = append(actions, ruleActions...)
	}

	for _, v := range c.validators {
		issues = append(issues, v(work)...)
	}

	score := qualityScore(issues)
	work = finalValidation(work)

	observ.QualityScore.WithLabelValues(symbol).Set(score)

	result := Result{
		OriginalCount: len(batch),
		CleanedCount:  len(work),
		IssuesFound:   issues,
		ActionsTaken:  actions,
		CleaningTime:  time.Since(start),
		QualityScore:  score,
		Symbol:        symbol,
	}
	if len(issues) > 0 {
		c.log.Debug("batch cleaned",
			zap.String("symbol", symbol),
			zap.Int("original", result.OriginalCount),
			zap.Int("cleaned", result.CleanedCount),
			zap.Int("issues", len(issues)),
			zap.Float64("quality_score", score))
	}
	return work, result
}

type column int

const (
	colOpen column = iota
	colHigh
	colLow
	colClose
	colVolume
)

var columnNames = map[column]string{
	colOpen:   "open",
	colHigh:   "high",
	colLow:    "low",
	colClose:  "close",
	colVolume: "volume",
}

var priceColumns = []column{colOpen, colHigh, colLow, colClose}

func colValue(r Record, c column) float64 {
	switch c {
	case colOpen:
		return r.Open
	case colHigh:
		return r.High
	case colLow:
		return r.Low
	case colClose:
		return r.Close
	default:
		return r.Volume
	}
}

func setColValue(r *Record, c column, v float64) {
	switch c {
	case colOpen:
		r.Open = v
	case colHigh:
		r.High = v
	case colLow:
		r.Low = v
	case colClose:
		r.Close = v
	default:
		r.Volume = v
	}
}

func absentColumns(batch []Record) []string {
	var absent []string
	for col := colOpen; col <= colVolume; col++ {
		all := true
		for _, r := range batch {
			if !math.IsNaN(colValue(r, col)) {
				all = false
				break
			}
		}
		if all {
			absent = append(absent, columnNames[col])
		}
	}
	return absent
}

func (c *Cleaner) checkQuality(batch []Record) []QualityIssue {
	var issues []QualityIssue
	n := len(batch)
	if n == 0 {
		return issues
	}
	now := time.Now().UTC()

	// Missing values per column.
	for col := colOpen; col <= colVolume; col++ {
		missing := 0
		for _, r := range batch {
			if math.IsNaN(colValue(r, col)) {
				missing++
			}
		}
		if missing > 0 {
			sev := math.Min(1.0, float64(missing)/float64(n))
			issues = append(issues, QualityIssue{
				Type:            IssueMissingValues,
				Severity:        sev,
				Description:     fmt.Sprintf("missing values in %s: %d (%.1f%%)", columnNames[col], missing, sev*100),
				AffectedRecords: missing,
				SuggestedAction: ActionInterpolate,
				DetectedAt:      now,
			})
		}
	}

	// Non-positive prices.
	for _, col := range priceColumns {
		invalid := 0
		for _, r := range batch {
			v := colValue(r, col)
			if !math.IsNaN(v) && v <= 0 {
				invalid++
			}
		}
		if invalid > 0 {
			issues = append(issues, QualityIssue{
				Type:            IssueInvalidPrices,
				Severity:        math.Min(1.0, float64(invalid)/float64(n)),
				Description:     fmt.Sprintf("invalid prices in %s: %d", columnNames[col], invalid),
				AffectedRecords: invalid,
				SuggestedAction: ActionRemove,
				DetectedAt:      now,
			})
		}
	}

	// OHLC consistency. Rows with a missing price are left to interpolation.
	inconsistent := 0
	for _, r := range batch {
		if anyPriceMissing(r) {
			continue
		}
		if r.High < r.Low || r.High < r.Open || r.High < r.Close ||
			r.Low > r.Open || r.Low > r.Close || r.Open <= 0 || r.Close <= 0 {
			inconsistent++
		}
	}
	if inconsistent > 0 {
		issues = append(issues, QualityIssue{
			Type:            IssueInconsistentOHLC,
			Severity:        math.Min(1.0, float64(inconsistent)/float64(n)),
			Description:     fmt.Sprintf("inconsistent OHLC rows: %d", inconsistent),
			AffectedRecords: inconsistent,
			SuggestedAction: ActionRemove,
			DetectedAt:      now,
		})
	}

	// Close-price outliers.
	closes := presentValues(batch, colClose)
	if outliers := detectOutliers(closes, MethodIQR, c.cfg.PriceOutlierStd); len(outliers) > 0 {
		issues = append(issues, QualityIssue{
			Type:            IssuePriceOutliers,
			Severity:        math.Min(1.0, float64(len(outliers))/float64(n)),
			Description:     fmt.Sprintf("price outliers detected: %d", len(outliers)),
			AffectedRecords: len(outliers),
			SuggestedAction: ActionCap,
			DetectedAt:      now,
		})
	}

	// Volume outliers weigh less than price outliers.
	volumes := presentValues(batch, colVolume)
	if outliers := detectOutliers(volumes, MethodIQR, c.cfg.VolumeOutlierStd); len(outliers) > 0 {
		issues = append(issues, QualityIssue{
			Type:            IssueVolumeOutliers,
			Severity:        math.Min(0.5, float64(len(outliers))/float64(n)),
			Description:     fmt.Sprintf("volume outliers detected: %d", len(outliers)),
			AffectedRecords: len(outliers),
			SuggestedAction: ActionCap,
			DetectedAt:      now,
		})
	}

	// Extreme volatility on the close return series.
	if returns := closeReturns(batch); len(returns) > 10 {
		mu := meanOf(returns)
		vol := sampleStd(returns)
		extreme := 0
		if vol > 0 {
			for _, r := range returns {
				if math.Abs((r-mu)/vol) > c.cfg.VolatilityZScore {
					extreme++
				}
			}
		}
		if extreme > 0 {
			issues = append(issues, QualityIssue{
				Type:            IssueExtremeVolatility,
				Severity:        math.Min(0.8, float64(extreme)/float64(len(returns))),
				Description:     fmt.Sprintf("extreme volatility periods: %d", extreme),
				AffectedRecords: extreme,
				SuggestedAction: ActionFlag,
				Metadata:        map[string]string{"volatility": fmt.Sprintf("%.6f", vol)},
				DetectedAt:      now,
			})
		}
	}

	// Time gaps between consecutive records.
	gaps := 0
	for i := 1; i < n; i++ {
		if batch[i].Timestamp.Sub(batch[i-1].Timestamp) > c.cfg.MaxTimeGap {
			gaps++
		}
	}
	if gaps > 0 {
		issues = append(issues, QualityIssue{
			Type:            IssueTimeGaps,
			Severity:        math.Min(0.5, float64(gaps)/float64(n)),
			Description:     fmt.Sprintf("large time gaps: %d", gaps),
			AffectedRecords: gaps,
			SuggestedAction: ActionFlag,
			DetectedAt:      now,
		})
	}

	// Duplicate timestamps.
	seen := make(map[int64]bool, n)
	dups := 0
	for _, r := range batch {
		key := r.Timestamp.UnixNano()
		if seen[key] {
			dups++
		}
		seen[key] = true
	}
	if dups > 0 {
		issues = append(issues, QualityIssue{
			Type:            IssueDuplicateData,
			Severity:        math.Min(0.7, float64(dups)/float64(n)),
			Description:     fmt.Sprintf("duplicate timestamps: %d", dups),
			AffectedRecords: dups,
			SuggestedAction: ActionRemove,
			DetectedAt:      now,
		})
	}

	return issues
}

func (c *Cleaner) applyRule(batch []Record, rule Rule, issues []QualityIssue) ([]Record, []string) {
	var actions []string

	switch rule.Action {
	case ActionRemove:
		before := len(batch)
		switch rule.Issue {
		case IssueInvalidPrices:
			minP, maxP := rule.Params.MinPrice, rule.Params.MaxPrice
			if minP == 0 {
				minP = c.cfg.MinPrice
			}
			if maxP == 0 {
				maxP = c.cfg.MaxPrice
			}
			batch = filterRecords(batch, func(r Record) bool {
				for _, col := range priceColumns {
					v := colValue(r, col)
					if !math.IsNaN(v) && (v < minP || v > maxP) {
						return false
					}
				}
				return true
			})
		case IssueInconsistentOHLC:
			batch = filterRecords(batch, func(r Record) bool {
				if anyPriceMissing(r) {
					return true
				}
				return r.High >= r.Low && r.High >= r.Open && r.High >= r.Close &&
					r.Low <= r.Open && r.Low <= r.Close && r.Open > 0 && r.Close > 0
			})
		case IssueDuplicateData:
			seen := make(map[int64]bool, len(batch))
			batch = filterRecords(batch, func(r Record) bool {
				key := r.Timestamp.UnixNano()
				if seen[key] {
					return false
				}
				seen[key] = true
				return true
			})
		}
		if removed := before - len(batch); removed > 0 {
			actions = append(actions, fmt.Sprintf("removed %d records (%s)", removed, rule.Name))
		}

	case ActionCap:
		col := colClose
		if rule.Issue == IssueVolumeOutliers {
			col = colVolume
		}
		if capped := capOutliers(batch, col); capped > 0 {
			actions = append(actions, fmt.Sprintf("capped %d outliers in %s", capped, columnNames[col]))
		}

	case ActionInterpolate:
		limit := rule.Params.Limit
		if limit <= 0 {
			limit = c.cfg.InterpolationLimit
		}
		filled := 0
		for col := colOpen; col <= colVolume; col++ {
			filled += interpolateColumn(batch, col, limit)
		}
		if filled > 0 {
			actions = append(actions, fmt.Sprintf("interpolated %d missing values", filled))
		}

	case ActionSmooth:
		window := rule.Params.Window
		if window <= 0 {
			window = 3
		}
		smoothColumn(batch, colClose, window)
		actions = append(actions, fmt.Sprintf("applied smoothing with window %d", window))

	case ActionFlag:
		flagged := 0
		for _, is := range issues {
			flagged += is.AffectedRecords
		}
		actions = append(actions, fmt.Sprintf("flagged %d records for %s", flagged, rule.Issue))
	}

	return batch, actions
}

func anyPriceMissing(r Record) bool {
	return math.IsNaN(r.Open) || math.IsNaN(r.High) || math.IsNaN(r.Low) || math.IsNaN(r.Close)
}

func filterRecords(batch []Record, keep func(Record) bool) []Record {
	out := batch[:0:len(batch)]
	for _, r := range batch {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func presentValues(batch []Record, col column) []float64 {
	out := make([]float64, 0, len(batch))
	for _, r := range batch {
		if v := colValue(r, col); !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func closeReturns(batch []Record) []float64 {
	closes := presentValues(batch, colClose)
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			out = append(out, closes[i]/closes[i-1]-1)
		}
	}
	return out
}

// detectOutliers returns the indices (into values) of outlying observations.
func detectOutliers(values []float64, method OutlierMethod, stdThreshold float64) []int {
	if len(values) < 4 {
		return nil
	}

	switch method {
	case MethodZScore:
		mean := meanOf(values)
		std := sampleStd(values)
		if std == 0 {
			return nil
		}
		var out []int
		for i, v := range values {
			if math.Abs((v-mean)/std) > stdThreshold {
				out = append(out, i)
			}
		}
		return out

	case MethodModifiedZScore:
		med := median(values)
		devs := make([]float64, len(values))
		for i, v := range values {
			devs[i] = math.Abs(v - med)
		}
		mad := median(devs)
		if mad == 0 {
			return nil
		}
		var out []int
		for i, v := range values {
			if math.Abs(0.6745*(v-med)/mad) > 3.5 {
				out = append(out, i)
			}
		}
		return out

	default: // IQR
		lower, upper := iqrFences(values)
		var out []int
		for i, v := range values {
			if v < lower || v > upper {
				out = append(out, i)
			}
		}
		return out
	}
}

// capOutliers clips column values to the IQR fences and reports how many
// records changed. Capped values land inside the fences, so a second pass
// finds nothing to cap.
func capOutliers(batch []Record, col column) int {
	values := presentValues(batch, col)
	if len(values) < 4 {
		return 0
	}
	lower, upper := iqrFences(values)
	capped := 0
	for i := range batch {
		cur := colValue(batch[i], col)
		if math.IsNaN(cur) {
			continue
		}
		if cur < lower {
			setColValue(&batch[i], col, lower)
			capped++
		} else if cur > upper {
			setColValue(&batch[i], col, upper)
			capped++
		}
	}
	return capped
}

func iqrFences(values []float64) (lower, upper float64) {
	q1 := quantile(values, 0.25)
	q3 := quantile(values, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

// interpolateColumn fills interior NaN runs of at most limit values by linear
// interpolation between the surrounding observations. Trailing gaps hold the
// last value; leading gaps stay missing.
func interpolateColumn(batch []Record, col column, limit int) int {
	filled := 0
	lastValid := -1
	for i := 0; i < len(batch); i++ {
		v := colValue(batch[i], col)
		if !math.IsNaN(v) {
			lastValid = i
			continue
		}
		if lastValid < 0 {
			continue
		}
		// Find the end of the NaN run.
		j := i
		for j < len(batch) && math.IsNaN(colValue(batch[j], col)) {
			j++
		}
		run := j - i
		if run > limit {
			i = j - 1
			lastValid = -1
			if j < len(batch) {
				lastValid = j
			}
			continue
		}
		left := colValue(batch[lastValid], col)
		if j < len(batch) {
			right := colValue(batch[j], col)
			step := (right - left) / float64(run+1)
			for k := 0; k < run; k++ {
				setColValue(&batch[i+k], col, left+step*float64(k+1))
				filled++
			}
		} else {
			for k := 0; k < run; k++ {
				setColValue(&batch[i+k], col, left)
				filled++
			}
		}
		i = j - 1
	}
	return filled
}

func smoothColumn(batch []Record, col column, window int) {
	if len(batch) < window {
		return
	}
	orig := make([]float64, len(batch))
	for i, r := range batch {
		orig[i] = colValue(r, col)
	}
	half := window / 2
	for i := range batch {
		lo, hi := i-half, i+half
		if lo < 0 || hi >= len(batch) {
			continue
		}
		sum, cnt := 0.0, 0
		for k := lo; k <= hi; k++ {
			if !math.IsNaN(orig[k]) {
				sum += orig[k]
				cnt++
			}
		}
		if cnt == window {
			setColValue(&batch[i], col, sum/float64(cnt))
		}
	}
}

var issueWeights = map[Issue]float64{
	IssueInvalidPrices:     0.30,
	IssueInconsistentOHLC:  0.25,
	IssueMissingValues:     0.20,
	IssueDuplicateData:     0.15,
	IssuePriceOutliers:     0.10,
	IssueTimeGaps:          0.10,
	IssueLiquidity:         0.10,
	IssueVolumeOutliers:    0.05,
	IssueExtremeVolatility: 0.05,
}

// qualityScore starts at 1.0 and deducts severity times the issue weight,
// floored at 0.
func qualityScore(issues []QualityIssue) float64 {
	score := 1.0
	for _, is := range issues {
		w, ok := issueWeights[is.Type]
		if !ok {
			w = 0.1
		}
		score -= is.Severity * w
	}
	return math.Max(0, math.Min(1, score))
}

// finalValidation drops rows still missing a price, clamps negative volume
// and restores time order.
func finalValidation(batch []Record) []Record {
	batch = filterRecords(batch, func(r Record) bool {
		return !anyPriceMissing(r)
	})
	for i := range batch {
		if !math.IsNaN(batch[i].Volume) && batch[i].Volume < 0 {
			batch[i].Volume = 0
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
	return batch
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStd(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := meanOf(values)
	sum := 0.0
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

func median(values []float64) float64 {
	return quantile(values, 0.5)
}

// quantile computes the q-th quantile with linear interpolation between
// order statistics.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	h := q * float64(len(s)-1)
	lo := int(math.Floor(h))
	frac := h - float64(lo)
	if lo+1 >= len(s) {
		return s[len(s)-1]
	}
	return s[lo] + frac*(s[lo+1]-s[lo])
}
