package viz

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/query"
)

func gradeRows(n int) []query.Row {
	rows := make([]query.Row, n)
	for i := range rows {
		rows[i] = query.Row{
			{Name: "grade", Value: fmt.Sprintf("G%d", i)},
			{Name: "total", Value: int64(i * 10)},
		}
	}
	return rows
}

func TestSelectType(t *testing.T) {
	cases := []struct {
		name     string
		question string
		rows     []query.Row
		want     ChartType
	}{
		{name: "temporal", question: "Loan volume trend by month", rows: gradeRows(50), want: ChartLine},
		{name: "small composition", question: "Breakdown of loans by grade", rows: gradeRows(7), want: ChartPie},
		{name: "large composition", question: "Distribution of loans by grade", rows: gradeRows(8), want: ChartBar},
		{name: "comparison", question: "Top states by volume", rows: gradeRows(50), want: ChartBar},
		{name: "small result", question: "loans by grade", rows: gradeRows(20), want: ChartBar},
		{name: "empty", question: "anything", rows: nil, want: ChartBar},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SelectType(tc.rows, tc.question); got != tc.want {
				t.Fatalf("SelectType() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSelectTypeScatterForWideLargeResults(t *testing.T) {
	rows := make([]query.Row, 25)
	for i := range rows {
		rows[i] = query.Row{
			{Name: "int_rate", Value: float64(i)},
			{Name: "dti", Value: float64(i) / 2},
			{Name: "loan_amnt", Value: int64(i * 100)},
		}
	}
	if got := SelectType(rows, "interest rate against dti"); got != ChartScatter {
		t.Fatalf("SelectType() = %q, want scatter", got)
	}

	spec, warnings := Build(query.Result{Rows: rows}, "interest rate against dti")
	if len(warnings) != 0 || spec == nil {
		t.Fatalf("Build() = %#v, %#v", spec, warnings)
	}
	if spec.XField != "int_rate" || spec.YField != "dti" || spec.ColorField != "loan_amnt" {
		t.Fatalf("spec fields = %#v", spec)
	}
	if len(spec.Series[0].Points) != 25 || spec.Series[0].Points[3].Color == nil {
		t.Fatalf("scatter points = %#v", spec.Series[0].Points)
	}
}

func TestBuildBarOrientation(t *testing.T) {
	spec, _ := Build(query.Result{Rows: gradeRows(5)}, "loans by grade")
	if spec == nil || spec.Type != ChartBar || spec.Orientation != "v" {
		t.Fatalf("spec = %#v", spec)
	}
	spec, _ = Build(query.Result{Rows: gradeRows(15)}, "top grades")
	if spec == nil || spec.Orientation != "h" {
		t.Fatalf("spec = %#v", spec)
	}
	if spec.XField != "grade" || spec.YField != "total" || len(spec.Series[0].Points) != 15 {
		t.Fatalf("spec = %#v", spec)
	}
}

func TestBuildLinePrefersTimeColumn(t *testing.T) {
	rows := []query.Row{
		{{Name: "grade", Value: "A"}, {Name: "issue_month", Value: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, {Name: "volume", Value: 10.5}},
		{{Name: "grade", Value: "A"}, {Name: "issue_month", Value: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}, {Name: "volume", Value: 12.25}},
	}
	spec, warnings := Build(query.Result{Rows: rows}, "monthly volume")
	if len(warnings) != 0 || spec == nil {
		t.Fatalf("Build() = %#v, %#v", spec, warnings)
	}
	if spec.Type != ChartLine || spec.XField != "issue_month" || spec.YField != "volume" {
		t.Fatalf("spec = %#v", spec)
	}
}

func TestBuildWarnsWithoutUsableColumns(t *testing.T) {
	rows := []query.Row{{{Name: "grade", Value: "A"}, {Name: "sub_grade", Value: "A1"}}}
	spec, warnings := Build(query.Result{Rows: rows}, "list grades")
	if spec != nil {
		t.Fatalf("spec = %#v, want nil", spec)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "bar chart") {
		t.Fatalf("warnings = %#v", warnings)
	}

	spec, warnings = Build(query.Result{}, "anything")
	if spec != nil || len(warnings) != 1 || warnings[0] != "No data available for visualization" {
		t.Fatalf("Build(empty) = %#v, %#v", spec, warnings)
	}
}

func TestTitle(t *testing.T) {
	if got := Title("show loans"); got != "Show loans" {
		t.Fatalf("Title() = %q", got)
	}
	if got := Title(""); got != "Data Analysis" {
		t.Fatalf("Title(empty) = %q", got)
	}
	long := Title(strings.Repeat("a", 80))
	if len(long) != 60 || !strings.HasSuffix(long, "...") {
		t.Fatalf("Title(long) = %q (%d)", long, len(long))
	}
}
