// Package insight asks the language model for a short narrative about a
// result and parses it into insights and recommendations.
package insight

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/askdb/askdb/internal/analysis"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/query"
)

const sampleSize = 5

type Request struct {
	Question string
	Result   query.Result
	Metrics  map[string]any
}

type Insight struct {
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
}

type Synthesizer struct {
	Completer llm.Completer
}

func NewSynthesizer(completer llm.Completer) *Synthesizer {
	return &Synthesizer{Completer: completer}
}

// Synthesize skips the model call for empty results.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Insight, error) {
	if len(req.Result.Rows) == 0 {
		return Insight{Insights: []string{}, Recommendations: []string{}}, nil
	}
	response, err := s.Completer.Complete(ctx, llm.Request{Prompt: BuildPrompt(req)})
	if err != nil {
		return Insight{}, fmt.Errorf("insight generation failed: %w", err)
	}
	return Parse(response), nil
}

func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a senior business analyst presenting insights to executives.\n\n")
	fmt.Fprintf(&b, "User Question: %s\n\n", strings.TrimSpace(req.Question))
	b.WriteString("Data Summary:\n")
	fmt.Fprintf(&b, "Query returned %d rows.\n", len(req.Result.Rows))

	if len(req.Metrics) > 0 {
		b.WriteString("\nKey Metrics:\n")
		keys := make([]string, 0, len(req.Metrics))
		for key := range req.Metrics {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			writeMetric(&b, key, req.Metrics[key])
		}
	}

	sample := req.Result.Rows
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	fmt.Fprintf(&b, "\nSample Data (first %d rows):\n", len(sample))
	for i, row := range sample {
		parts := make([]string, 0, len(row))
		for _, field := range row {
			parts = append(parts, fmt.Sprintf("%s: %v", field.Name, field.Value))
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(parts, ", "))
	}

	b.WriteString(`
Generate 3-5 concise business insights in bullet points.
Then provide 2-3 actionable recommendations.

Format your response as:

INSIGHTS:
- [insight 1]
- [insight 2]
- [insight 3]

RECOMMENDATIONS:
- [recommendation 1]
- [recommendation 2]

Use clear, executive-friendly language with quantified findings.`)
	return b.String()
}

func writeMetric(b *strings.Builder, key string, value any) {
	switch v := value.(type) {
	case analysis.FinancialMetrics:
		fmt.Fprintf(b, "\n%s:\n", key)
		fmt.Fprintf(b, "  - total: %.2f\n  - average: %.2f\n  - median: %.2f\n", v.Total, v.Average, v.Median)
		fmt.Fprintf(b, "  - min: %.2f\n  - max: %.2f\n  - std_dev: %.2f\n", v.Min, v.Max, v.StdDev)
		fmt.Fprintf(b, "  - count: %d\n", v.Count)
	case float64:
		fmt.Fprintf(b, "- %s: %.2f\n", key, v)
	default:
		fmt.Fprintf(b, "- %s: %v\n", key, v)
	}
}

// Parse collects "-" bullets under the INSIGHTS: and RECOMMENDATIONS:
// headings. Bullets before any heading are dropped.
func Parse(response string) Insight {
	out := Insight{Insights: []string{}, Recommendations: []string{}}
	var section *[]string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "INSIGHTS:"):
			section = &out.Insights
			continue
		case strings.Contains(upper, "RECOMMENDATIONS:"):
			section = &out.Recommendations
			continue
		}
		if section == nil || !strings.HasPrefix(line, "-") {
			continue
		}
		if content := strings.TrimSpace(strings.TrimPrefix(line, "-")); content != "" {
			*section = append(*section, content)
		}
	}
	return out
}
