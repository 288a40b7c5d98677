// Package viz picks a chart type for a result and builds a declarative chart
// spec that a front-end can render.
package viz

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/askdb/askdb/internal/query"
)

type ChartType string

const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
)

const maxTitleLength = 60

var (
	temporalKeywords    = []string{"trend", "over time", "monthly", "daily", "quarterly", "yearly"}
	comparisonKeywords  = []string{"top", "bottom", "highest", "lowest", "compare"}
	compositionKeywords = []string{"percentage", "proportion", "distribution", "breakdown"}
	timeColumnKeywords  = []string{"date", "time", "month", "year"}
)

var defaultColors = []string{
	"#4F46E5", "#10B981", "#F59E0B", "#EF4444", "#8B5CF6",
	"#06B6D4", "#EC4899", "#84CC16", "#F97316", "#6366F1",
}

type ChartSpec struct {
	Type        ChartType `json:"chart_type"`
	Title       string    `json:"title"`
	XField      string    `json:"x_field,omitempty"`
	YField      string    `json:"y_field,omitempty"`
	ColorField  string    `json:"color_field,omitempty"`
	XLabel      string    `json:"x_label,omitempty"`
	YLabel      string    `json:"y_label,omitempty"`
	Orientation string    `json:"orientation,omitempty"`
	Series      []Series  `json:"series"`
	Colors      []string  `json:"colors,omitempty"`
	ShowLegend  bool      `json:"show_legend"`
	ShowGrid    bool      `json:"show_grid"`
}

type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
	Color  string  `json:"color,omitempty"`
}

// Point holds one mark. X is a category label, a timestamp or a number
// depending on the chart type.
type Point struct {
	X     any      `json:"x"`
	Y     float64  `json:"y"`
	Color *float64 `json:"color,omitempty"`
}

// SelectType applies keyword and shape rules in order: temporal wording wins,
// then small compositions, then comparisons or small results.
func SelectType(rows []query.Row, question string) ChartType {
	if len(rows) == 0 {
		return ChartBar
	}
	lower := strings.ToLower(question)
	switch {
	case containsAny(lower, temporalKeywords):
		return ChartLine
	case containsAny(lower, compositionKeywords) && len(rows) <= 7:
		return ChartPie
	case containsAny(lower, comparisonKeywords) || len(rows) <= 20:
		return ChartBar
	case len(rows[0]) >= 3:
		return ChartScatter
	default:
		return ChartBar
	}
}

// Build returns nil and a warning when the result has no column layout the
// selected chart type can use.
func Build(result query.Result, question string) (*ChartSpec, []string) {
	if len(result.Rows) == 0 {
		return nil, []string{"No data available for visualization"}
	}

	chartType := SelectType(result.Rows, question)
	categorical, numeric := classifyColumns(result.Rows[0])
	title := Title(question)

	var spec *ChartSpec
	switch chartType {
	case ChartLine:
		spec = buildLine(result.Rows, numeric, title)
	case ChartPie:
		spec = buildPie(result.Rows, categorical, numeric, title)
	case ChartScatter:
		spec = buildScatter(result.Rows, numeric, title)
	default:
		spec = buildBar(result.Rows, categorical, numeric, title)
	}
	if spec == nil {
		return nil, []string{fmt.Sprintf("No suitable columns for a %s chart", chartType)}
	}
	return spec, nil
}

// Title capitalizes the question and caps it at 60 characters.
func Title(question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		return "Data Analysis"
	}
	first, size := utf8.DecodeRuneInString(question)
	title := string(unicode.ToUpper(first)) + question[size:]
	if utf8.RuneCountInString(title) > maxTitleLength {
		runes := []rune(title)
		title = string(runes[:maxTitleLength-3]) + "..."
	}
	return title
}

func buildBar(rows []query.Row, categorical, numeric []string, title string) *ChartSpec {
	if len(categorical) == 0 || len(numeric) == 0 {
		return nil
	}
	x, y := categorical[0], numeric[0]
	orientation := "v"
	if len(rows) > 10 {
		orientation = "h"
	}
	return &ChartSpec{
		Type:        ChartBar,
		Title:       title,
		XField:      x,
		YField:      y,
		XLabel:      x,
		YLabel:      y,
		Orientation: orientation,
		Series:      []Series{{Name: y, Points: points(rows, x, y), Color: defaultColors[0]}},
		Colors:      assignColors(1),
		ShowGrid:    true,
	}
}

func buildLine(rows []query.Row, numeric []string, title string) *ChartSpec {
	if len(numeric) == 0 {
		return nil
	}
	x := rows[0][0].Name
	for _, field := range rows[0] {
		if containsAny(strings.ToLower(field.Name), timeColumnKeywords) {
			x = field.Name
			break
		}
	}
	y := numeric[0]
	return &ChartSpec{
		Type:     ChartLine,
		Title:    title,
		XField:   x,
		YField:   y,
		XLabel:   x,
		YLabel:   y,
		Series:   []Series{{Name: y, Points: points(rows, x, y), Color: defaultColors[0]}},
		Colors:   assignColors(1),
		ShowGrid: true,
	}
}

func buildPie(rows []query.Row, categorical, numeric []string, title string) *ChartSpec {
	if len(categorical) == 0 || len(numeric) == 0 {
		return nil
	}
	x, y := categorical[0], numeric[0]
	return &ChartSpec{
		Type:       ChartPie,
		Title:      title,
		XField:     x,
		YField:     y,
		Series:     []Series{{Name: y, Points: points(rows, x, y)}},
		Colors:     assignColors(len(rows)),
		ShowLegend: true,
	}
}

func buildScatter(rows []query.Row, numeric []string, title string) *ChartSpec {
	if len(numeric) < 2 {
		return nil
	}
	x, y := numeric[0], numeric[1]
	colorField := ""
	if len(numeric) > 2 {
		colorField = numeric[2]
	}

	series := Series{Name: y, Color: defaultColors[0]}
	for _, row := range rows {
		xRaw, _ := row.Get(x)
		xValue, okX := toFloat(xRaw)
		yRaw, _ := row.Get(y)
		yValue, okY := toFloat(yRaw)
		if !okX || !okY {
			continue
		}
		point := Point{X: roundTo2(xValue), Y: roundTo2(yValue)}
		if colorField != "" {
			if raw, _ := row.Get(colorField); raw != nil {
				if value, ok := toFloat(raw); ok {
					point.Color = &value
				}
			}
		}
		series.Points = append(series.Points, point)
	}
	return &ChartSpec{
		Type:       ChartScatter,
		Title:      title,
		XField:     x,
		YField:     y,
		ColorField: colorField,
		XLabel:     x,
		YLabel:     y,
		Series:     []Series{series},
		Colors:     assignColors(1),
		ShowGrid:   true,
	}
}

func points(rows []query.Row, x, y string) []Point {
	out := make([]Point, 0, len(rows))
	for _, row := range rows {
		label, _ := row.Get(x)
		raw, _ := row.Get(y)
		value, ok := toFloat(raw)
		if !ok {
			continue
		}
		out = append(out, Point{X: label, Y: roundTo2(value)})
	}
	return out
}

// classifyColumns sorts columns by the first row's values: strings and nulls
// are categorical, numbers are numeric.
func classifyColumns(row query.Row) (categorical, numeric []string) {
	for _, field := range row {
		switch field.Value.(type) {
		case string, nil:
			categorical = append(categorical, field.Name)
		case int64, float64, int, float32:
			numeric = append(numeric, field.Name)
		}
	}
	return categorical, numeric
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func assignColors(count int) []string {
	colors := make([]string, count)
	for i := range colors {
		colors[i] = defaultColors[i%len(defaultColors)]
	}
	return colors
}

func roundTo2(value float64) float64 {
	return math.Round(value*100) / 100
}
