package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/askdb/askdb/internal/analysis"
	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/insight"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/viz"
)

// translate resolves the tenant, enforces the monthly quota and asks the
// translator for SQL. The quota check runs first so an exhausted tenant
// never reaches the model or the database.
func (c *Coordinator) translate(ctx context.Context, state *State) {
	req := nl2sql.Request{Question: state.Question, MaxRows: c.Config.MaxRows}

	if state.ConnectionID == "" {
		req.BuiltIn = true
	} else {
		if c.Connections == nil {
			state.addError("tenant connections are not configured")
			return
		}
		resolved, err := c.Connections.Resolve(ctx, state.ConnectionID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			state.addError("Connection not found")
			return
		case errors.Is(err, ErrConnectionInactive):
			state.addError("Connection is inactive")
			return
		case err != nil:
			state.addError(fmt.Sprintf("resolve connection: %v", err))
			return
		}
		state.tenant = &resolved
		state.Dialect = resolved.Dialect
		req.Dialect = resolved.Dialect
		req.Tables = resolved.Tables

		if c.Usage != nil {
			allowed, err := c.Usage.CheckAndReserve(ctx, state.ConnectionID, c.Config.MonthlyLimit)
			if err != nil {
				state.addError(fmt.Sprintf("check query quota: %v", err))
				return
			}
			if !allowed {
				state.addError(fmt.Sprintf("Monthly query limit reached (%d queries). The limit resets at the start of next month.", c.Config.MonthlyLimit))
				return
			}
		}
	}

	if c.Translator == nil {
		state.addError("translator is not configured")
		return
	}
	result, err := c.Translator.Translate(ctx, req)
	if err != nil {
		state.addError(err.Error())
		return
	}
	sqlText := result.SQL
	state.SQL = &sqlText
}

// execute validates the generated SQL and runs it. Tenant queries go through
// the retrying manager; the built-in dataset runs once.
func (c *Coordinator) execute(ctx context.Context, state *State) {
	if state.SQL == nil {
		state.addError("No SQL query provided")
		return
	}
	statement, err := c.Validator.Validate(*state.SQL)
	if err != nil {
		state.addError(err.Error())
		return
	}
	limited := query.InjectLimit(statement, c.Config.MaxRows)
	state.SQL = &limited

	if c.Engine == nil {
		state.addError("query engine is not configured")
		return
	}
	request := query.Request{SQL: limited, MaxRows: c.Config.MaxRows, Timeout: c.Config.QueryTimeout}

	var result query.Result
	state.Execution = query.ExecutionMeta{SQL: limited}
	if state.tenant != nil {
		if c.Tenants == nil {
			state.addError("tenant connections are not configured")
			return
		}
		stats, err := c.Tenants.WithRetry(ctx, state.tenant.ConnectionID, state.tenant.Target, func(ctx context.Context, db *sql.DB) error {
			request.Pool = db
			var execErr error
			result, execErr = c.Engine.Execute(ctx, request)
			return execErr
		})
		state.Execution.Attempts = stats.Attempts
		state.Execution.RetryCount = stats.Retries
		if err != nil {
			state.addError(err.Error())
			return
		}
	} else {
		if c.BuiltIn == nil {
			state.addError("built-in dataset is not configured")
			return
		}
		request.Pool = c.BuiltIn
		state.Execution.Attempts = 1
		result, err = c.Engine.Execute(ctx, request)
		if err != nil {
			state.addError(err.Error())
			return
		}
	}

	state.Result = &result
	state.Execution.Duration = result.Duration
	state.Execution.RowCount = result.RowCount
	state.Execution.Truncated = result.Truncated

	if state.tenant != nil && c.Usage != nil {
		if err := c.Usage.RecordSuccess(ctx, state.tenant.ConnectionID); err != nil {
			state.addWarnings("Query usage could not be recorded")
			c.Logger.WarnContext(ctx, "record query usage failed",
				slog.String("session_id", state.SessionID),
				slog.String("connection_id", state.tenant.ConnectionID),
				slog.Any("error", err),
			)
		}
	}

	c.degrade(ctx, state, "analysis", func() {
		report := analysis.Analyzer{SlowThreshold: c.Config.SlowThreshold}.Analyze(result)
		state.DerivedMetrics = report.DerivedMetrics
		state.DataQualityIssues = report.DataQualityIssues
		state.addWarnings(report.Warnings...)
	})
}

func (c *Coordinator) visualize(ctx context.Context, state *State) {
	if state.Result == nil {
		state.addWarnings("No data available for visualization")
		return
	}
	c.degrade(ctx, state, "visualization", func() {
		spec, warnings := viz.Build(*state.Result, state.Question)
		state.Chart = spec
		state.addWarnings(warnings...)
	})
}

func (c *Coordinator) synthesize(ctx context.Context, state *State) {
	if c.Synthesizer == nil || state.Result == nil {
		return
	}
	c.degrade(ctx, state, "insight", func() {
		out, err := c.Synthesizer.Synthesize(ctx, insight.Request{
			Question: state.Question,
			Result:   *state.Result,
			Metrics:  state.DerivedMetrics,
		})
		if err != nil {
			state.addWarnings(err.Error())
			return
		}
		state.Insights = out.Insights
		state.Recommendations = out.Recommendations
	})
}

// degrade runs optional work whose panics become warnings instead of errors.
func (c *Coordinator) degrade(ctx context.Context, state *State, name string, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			state.addWarnings(fmt.Sprintf("%s failed", name))
			c.Logger.ErrorContext(ctx, "optional pipeline step panicked",
				slog.String("session_id", state.SessionID),
				slog.String("step", name),
				slog.Any("panic", recovered),
			)
		}
	}()
	fn()
}
