package pipeline

import (
	"time"

	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/viz"
)

// State is the mutable record of one run. Output fields stay nil until the
// stage that produces them succeeds.
type State struct {
	Question     string
	SessionID    string
	ConnectionID string
	Dialect      dialect.Name

	SQL               *string
	Result            *query.Result
	Execution         query.ExecutionMeta
	DerivedMetrics    map[string]any
	DataQualityIssues []string
	Chart             *viz.ChartSpec
	Insights          []string
	Recommendations   []string

	Errors         []string
	Warnings       []string
	StageDurations map[Stage]time.Duration
	Current        Stage
	StartedAt      time.Time
	Total          time.Duration

	tenant *Tenant
}

func (s *State) addError(message string) {
	s.Errors = append(s.Errors, message)
}

func (s *State) addWarnings(messages ...string) {
	s.Warnings = append(s.Warnings, messages...)
}

func (s *State) RowCount() int {
	if s.Result == nil {
		return 0
	}
	return s.Result.RowCount
}

func (s *State) Succeeded() bool {
	return s.Current == StageDone
}

// Response is the JSON shape returned to callers.
type Response struct {
	SessionID         string           `json:"session_id"`
	ConnectionID      string           `json:"connection_id,omitempty"`
	State             Stage            `json:"state"`
	SQLQuery          *string          `json:"sql_query"`
	Columns           []query.Column   `json:"columns,omitempty"`
	Rows              []query.Row      `json:"rows"`
	RowCount          int              `json:"row_count"`
	Truncated         bool             `json:"truncated"`
	DerivedMetrics    map[string]any   `json:"derived_metrics"`
	DataQualityIssues []string         `json:"data_quality_issues"`
	ChartType         *viz.ChartType   `json:"chart_type"`
	ChartSpec         *viz.ChartSpec   `json:"chart_spec"`
	Insights          []string         `json:"insights"`
	Recommendations   []string         `json:"recommendations"`
	Errors            []string         `json:"errors"`
	Warnings          []string         `json:"warnings"`
	StageDurationsMS  map[string]int64 `json:"stage_durations_ms"`
	TotalDurationMS   int64            `json:"total_duration_ms"`
	RetryCount        int              `json:"retry_count"`
}

func (s *State) Response() Response {
	resp := Response{
		SessionID:         s.SessionID,
		ConnectionID:      s.ConnectionID,
		State:             s.Current,
		SQLQuery:          s.SQL,
		DerivedMetrics:    s.DerivedMetrics,
		DataQualityIssues: nonNil(s.DataQualityIssues),
		ChartSpec:         s.Chart,
		Insights:          nonNil(s.Insights),
		Recommendations:   nonNil(s.Recommendations),
		Errors:            nonNil(s.Errors),
		Warnings:          nonNil(s.Warnings),
		StageDurationsMS:  make(map[string]int64, len(s.StageDurations)),
		TotalDurationMS:   s.Total.Milliseconds(),
		RetryCount:        s.Execution.RetryCount,
	}
	if s.Result != nil {
		resp.Columns = s.Result.Columns
		resp.Rows = s.Result.Rows
		if resp.Rows == nil {
			resp.Rows = []query.Row{}
		}
		resp.RowCount = s.Result.RowCount
		resp.Truncated = s.Result.Truncated
	}
	if s.Chart != nil {
		chartType := s.Chart.Type
		resp.ChartType = &chartType
	}
	for name, elapsed := range s.StageDurations {
		resp.StageDurationsMS[string(name)] = elapsed.Milliseconds()
	}
	return resp
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
