// Package analysis derives data-quality findings and summary metrics from a
// query result.
package analysis

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/query"
)

const DefaultSlowThreshold = 5 * time.Second

var (
	amountKeywords  = []string{"amount", "amnt", "balance", "income", "rate"}
	defaultStatuses = []string{"Charged Off", "Default"}
)

type FinancialMetrics struct {
	Total   float64 `json:"total"`
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	StdDev  float64 `json:"std_dev"`
	Count   int     `json:"count"`
}

type Report struct {
	DataQualityIssues []string       `json:"data_quality_issues"`
	DerivedMetrics    map[string]any `json:"derived_metrics"`
	Warnings          []string       `json:"warnings"`
}

type Analyzer struct {
	SlowThreshold time.Duration
}

func (a Analyzer) Analyze(result query.Result) Report {
	return Report{
		DataQualityIssues: QualityIssues(result),
		DerivedMetrics:    DerivedMetrics(result),
		Warnings:          a.warnings(result),
	}
}

func QualityIssues(result query.Result) []string {
	if len(result.Rows) == 0 {
		return []string{"Query returned no results"}
	}

	issues := []string{}
	total := len(result.Rows)
	for _, name := range columnNames(result) {
		nulls := 0
		for _, row := range result.Rows {
			if value, _ := row.Get(name); value == nil {
				nulls++
			}
		}
		if nulls > 0 {
			pct := float64(nulls) / float64(total) * 100
			issues = append(issues, fmt.Sprintf("%s: %d null values (%.1f%%)", name, nulls, pct))
		}
	}

	seen := make(map[string]struct{}, total)
	for _, row := range result.Rows {
		seen[fmt.Sprintf("%#v", row.Values())] = struct{}{}
	}
	if duplicates := total - len(seen); duplicates > 0 {
		issues = append(issues, fmt.Sprintf("%d duplicate rows detected", duplicates))
	}
	return issues
}

// DerivedMetrics summarizes amount-like numeric columns and, when a
// loan_status column is present, the share of defaulted rows.
func DerivedMetrics(result query.Result) map[string]any {
	metrics := map[string]any{}
	if len(result.Rows) == 0 {
		return metrics
	}
	first := result.Rows[0]

	for _, field := range first {
		if _, ok := toFloat(field.Value); !ok || !isAmountColumn(field.Name) {
			continue
		}
		if summary, ok := Financial(result.Rows, field.Name); ok {
			metrics[field.Name+"_metrics"] = summary
		}
	}
	if _, ok := first.Get("loan_status"); ok {
		metrics["default_rate"] = Rate(result.Rows, "loan_status", defaultStatuses)
	}
	return metrics
}

// Financial computes totals and spread over the non-null values of column.
func Financial(rows []query.Row, column string) (FinancialMetrics, bool) {
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		raw, _ := row.Get(column)
		if value, ok := toFloat(raw); ok {
			values = append(values, value)
		}
	}
	if len(values) == 0 {
		return FinancialMetrics{}, false
	}

	sum := 0.0
	for _, value := range values {
		sum += value
	}
	mean := sum / float64(len(values))

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	return FinancialMetrics{
		Total:   sum,
		Average: mean,
		Median:  median(sorted),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		StdDev:  sampleStdDev(values, mean),
		Count:   len(values),
	}, true
}

// Rate returns the percentage of rows whose column equals one of matches,
// rounded to two decimals.
func Rate(rows []query.Row, column string, matches []string) float64 {
	if len(rows) == 0 {
		return 0
	}
	matching := 0
	for _, row := range rows {
		value, _ := row.Get(column)
		if text, ok := value.(string); ok && slices.Contains(matches, text) {
			matching++
		}
	}
	return math.Round(float64(matching)/float64(len(rows))*100*100) / 100
}

func (a Analyzer) warnings(result query.Result) []string {
	threshold := a.SlowThreshold
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}
	warnings := []string{}
	if result.Truncated {
		warnings = append(warnings, fmt.Sprintf(
			"Results truncated to %d rows. Consider adding filters for more specific results.", len(result.Rows)))
	}
	if result.Duration > threshold {
		warnings = append(warnings, fmt.Sprintf(
			"Query took %.1fs. Consider optimizing with indexes or filters.", result.Duration.Seconds()))
	}
	return warnings
}

func columnNames(result query.Result) []string {
	if len(result.Columns) > 0 {
		return result.ColumnNames()
	}
	names := make([]string, 0, len(result.Rows[0]))
	for _, field := range result.Rows[0] {
		names = append(names, field.Name)
	}
	return names
}

func isAmountColumn(name string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range amountKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func toFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case int64:
		f = float64(v)
	case float64:
		f = v
	case int:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float32:
		f = float64(v)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sumSquares := 0.0
	for _, value := range values {
		diff := value - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
