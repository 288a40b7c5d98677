package api

import (
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/pipeline"
)

type queryRequest struct {
	Question     string `json:"question"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

// handleQuery answers 200 whenever the pipeline ran. Stage failures are
// reported in the body's errors list.
func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	runPipeline(deps, w, r, false)
}

func handleDemoQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	runPipeline(deps, w, r, true)
}

func runPipeline(deps Dependencies, w http.ResponseWriter, r *http.Request, builtInOnly bool) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query pipeline is not configured", false, nil)
		return
	}

	var request queryRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if utf8.RuneCountInString(question) > pipeline.MaxQuestionLength {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_TOO_LONG", "question is too long", false, map[string]any{"max_length": pipeline.MaxQuestionLength})
		return
	}
	connectionID := strings.TrimSpace(request.ConnectionID)
	if builtInOnly {
		connectionID = ""
	}

	state := deps.Pipeline.Run(r.Context(), pipeline.Request{
		Question:     question,
		SessionID:    request.SessionID,
		ConnectionID: connectionID,
	})
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "query_completed",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("session_id", state.SessionID),
			slog.String("connection_id", state.ConnectionID),
			slog.Bool("success", state.Succeeded()),
			slog.Int("row_count", state.RowCount()),
			slog.Int64("duration_ms", state.Total.Milliseconds()),
		)
	}
	writeJSON(w, http.StatusOK, state.Response())
}
