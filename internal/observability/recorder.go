package observability

import (
	"context"
	"log/slog"
	"time"
)

const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// StageEvent is emitted synchronously by the pipeline around every stage.
type StageEvent struct {
	SessionID    string
	ConnectionID string
	Stage        string
	Outcome      string
	Duration     time.Duration
	Errors       []string
	Warnings     []string
}

// RunEvent is emitted once when a pipeline reaches a terminal state.
type RunEvent struct {
	SessionID      string
	ConnectionID   string
	State          string
	StageDurations map[string]time.Duration
	Total          time.Duration
	RetryCount     int
	RowCount       int
}

// StageRecorder writes stage events to the structured log and the
// prometheus registry.
type StageRecorder struct {
	Logger *slog.Logger
}

func NewStageRecorder(logger *slog.Logger) *StageRecorder {
	return &StageRecorder{Logger: logger}
}

func (r *StageRecorder) RecordStage(ctx context.Context, event StageEvent) error {
	if event.Outcome != OutcomeStarted {
		ObserveStage(event.Stage, event.Outcome, event.Duration)
	}
	if r.Logger == nil {
		return nil
	}

	attrs := []slog.Attr{
		slog.String("trace_id", TraceIDFromContext(ctx)),
		slog.String("session_id", event.SessionID),
		slog.String("stage", event.Stage),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("connection_id", event.ConnectionID))
	}
	level := slog.LevelInfo
	switch event.Outcome {
	case OutcomeStarted:
		level = slog.LevelDebug
	case OutcomeFailed:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("errors", event.Errors))
	case OutcomeSkipped:
		level = slog.LevelDebug
	}
	if event.Outcome != OutcomeStarted {
		attrs = append(attrs, slog.String("duration", event.Duration.String()))
	}
	if len(event.Warnings) > 0 {
		attrs = append(attrs, slog.Any("warnings", event.Warnings))
	}
	r.Logger.LogAttrs(ctx, level, "stage_"+event.Outcome, attrs...)
	return nil
}

func (r *StageRecorder) RecordRun(ctx context.Context, event RunEvent) error {
	ObservePipelineRun(event.State)
	if r.Logger == nil {
		return nil
	}
	breakdown := make([]any, 0, len(event.StageDurations))
	for stage, elapsed := range event.StageDurations {
		breakdown = append(breakdown, slog.Int64(stage+"_ms", elapsed.Milliseconds()))
	}
	r.Logger.LogAttrs(ctx, slog.LevelInfo, "pipeline_finished",
		slog.String("trace_id", TraceIDFromContext(ctx)),
		slog.String("session_id", event.SessionID),
		slog.String("connection_id", event.ConnectionID),
		slog.String("state", event.State),
		slog.Int64("total_ms", event.Total.Milliseconds()),
		slog.Int("retry_count", event.RetryCount),
		slog.Int("row_count", event.RowCount),
		slog.Group("stages", breakdown...),
	)
	return nil
}
