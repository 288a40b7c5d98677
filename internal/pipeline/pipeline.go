// Package pipeline runs one natural-language question through translation,
// execution, visualization and insight synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/insight"
	"github.com/askdb/askdb/internal/nl2sql"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/sqlguard"
	"github.com/askdb/askdb/internal/tenant"
)

type Stage string

const (
	StageTranslating  Stage = "translating"
	StageExecuting    Stage = "executing"
	StageVisualizing  Stage = "visualizing"
	StageSynthesizing Stage = "synthesizing"
	StageDone         Stage = "done"
	StageErrored      Stage = "errored"
)

const MaxQuestionLength = 500

var ErrConnectionInactive = errors.New("connection is inactive")

type Request struct {
	Question     string
	SessionID    string
	ConnectionID string
}

// Tenant is a resolved, active tenant connection with its decrypted target
// and enabled tables.
type Tenant struct {
	ConnectionID string
	Dialect      dialect.Name
	Target       tenant.Target
	Tables       []catalog.TableDescriptor
}

type ConnectionResolver interface {
	Resolve(ctx context.Context, connectionID string) (Tenant, error)
}

type RetryRunner interface {
	WithRetry(ctx context.Context, connectionID string, target tenant.Target, op tenant.Operation) (tenant.RetryStats, error)
}

type QuotaTracker interface {
	CheckAndReserve(ctx context.Context, connectionID string, limit int) (bool, error)
	RecordSuccess(ctx context.Context, connectionID string) error
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req insight.Request) (insight.Insight, error)
}

// Observer receives stage and run events synchronously. Its errors and
// panics never change a pipeline outcome.
type Observer interface {
	RecordStage(ctx context.Context, event observability.StageEvent) error
	RecordRun(ctx context.Context, event observability.RunEvent) error
}

type Config struct {
	MaxRows       int
	QueryTimeout  time.Duration
	MonthlyLimit  int
	Workers       int
	SlowThreshold time.Duration
}

// Coordinator owns the stage sequence. Questions without a connection id run
// against BuiltIn, the pool of the loans dataset.
type Coordinator struct {
	Translator  nl2sql.Translator
	Validator   *sqlguard.Validator
	Engine      query.Engine
	Connections ConnectionResolver
	Tenants     RetryRunner
	Usage       QuotaTracker
	Synthesizer Synthesizer
	Observer    Observer
	BuiltIn     query.Pool
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time

	initOnce sync.Once
	workers  *semaphore.Weighted
}

func (c *Coordinator) ensureDefaults() {
	c.initOnce.Do(func() {
		if c.Clock == nil {
			c.Clock = time.Now
		}
		if c.Logger == nil {
			c.Logger = slog.Default()
		}
		if c.Observer == nil {
			c.Observer = observability.NewStageRecorder(c.Logger)
		}
		if c.Validator == nil {
			c.Validator = sqlguard.New(nil)
		}
		if c.Config.MaxRows <= 0 {
			c.Config.MaxRows = 1000
		}
		if c.Config.QueryTimeout <= 0 {
			c.Config.QueryTimeout = 30 * time.Second
		}
		if c.Config.MonthlyLimit < 0 {
			c.Config.MonthlyLimit = 0
		}
		if c.Config.Workers <= 0 {
			c.Config.Workers = 16
		}
		c.workers = semaphore.NewWeighted(int64(c.Config.Workers))
	})
}

type stage struct {
	name Stage
	run  func(ctx context.Context, state *State)
}

// Run processes one question and always returns the accumulated state.
// Failures are reported in State.Errors. Work continues after the caller's
// context is cancelled so in-flight calls finish or time out on their own.
func (c *Coordinator) Run(ctx context.Context, req Request) *State {
	c.ensureDefaults()
	state := newState(req, c.Clock())

	if err := validateRequest(req); err != nil {
		state.addError(err.Error())
		c.finish(ctx, state)
		return state
	}
	if err := c.workers.Acquire(ctx, 1); err != nil {
		state.addError("request cancelled while waiting for a worker")
		c.finish(ctx, state)
		return state
	}
	defer c.workers.Release(1)

	work := context.WithoutCancel(ctx)
	stages := []stage{
		{name: StageTranslating, run: c.translate},
		{name: StageExecuting, run: c.execute},
		{name: StageVisualizing, run: c.visualize},
		{name: StageSynthesizing, run: c.synthesize},
	}
	for i, s := range stages {
		state.Current = s.name
		c.observeStage(work, state, s.name, observability.OutcomeStarted, 0)

		start := c.Clock()
		c.runStage(work, state, s)
		elapsed := c.Clock().Sub(start)
		state.StageDurations[s.name] = elapsed

		if len(state.Errors) > 0 {
			c.observeStage(work, state, s.name, observability.OutcomeFailed, elapsed)
			for _, skipped := range stages[i+1:] {
				c.observeStage(work, state, skipped.name, observability.OutcomeSkipped, 0)
			}
			break
		}
		c.observeStage(work, state, s.name, observability.OutcomeCompleted, elapsed)
	}
	c.finish(work, state)
	return state
}

func (c *Coordinator) runStage(ctx context.Context, state *State, s stage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			state.addError(fmt.Sprintf("internal error during %s", s.name))
			c.Logger.ErrorContext(ctx, "pipeline stage panicked",
				slog.String("session_id", state.SessionID),
				slog.String("stage", string(s.name)),
				slog.Any("panic", recovered),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.run(ctx, state)
}

func (c *Coordinator) finish(ctx context.Context, state *State) {
	if len(state.Errors) > 0 {
		state.Current = StageErrored
	} else {
		state.Current = StageDone
	}
	var total time.Duration
	for _, elapsed := range state.StageDurations {
		total += elapsed
	}
	state.Total = total

	durations := make(map[string]time.Duration, len(state.StageDurations))
	for name, elapsed := range state.StageDurations {
		durations[string(name)] = elapsed
	}
	c.notify(ctx, state, func(ctx context.Context) error {
		return c.Observer.RecordRun(ctx, observability.RunEvent{
			SessionID:      state.SessionID,
			ConnectionID:   state.ConnectionID,
			State:          string(state.Current),
			StageDurations: durations,
			Total:          total,
			RetryCount:     state.Execution.RetryCount,
			RowCount:       state.RowCount(),
		})
	})
}

func (c *Coordinator) observeStage(ctx context.Context, state *State, name Stage, outcome string, elapsed time.Duration) {
	event := observability.StageEvent{
		SessionID:    state.SessionID,
		ConnectionID: state.ConnectionID,
		Stage:        string(name),
		Outcome:      outcome,
		Duration:     elapsed,
	}
	if outcome == observability.OutcomeFailed {
		event.Errors = append([]string(nil), state.Errors...)
	}
	c.notify(ctx, state, func(ctx context.Context) error {
		return c.Observer.RecordStage(ctx, event)
	})
}

func (c *Coordinator) notify(ctx context.Context, state *State, fn func(ctx context.Context) error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			observability.IncrementObserverFailure()
			c.Logger.WarnContext(ctx, "pipeline observer panicked",
				slog.String("session_id", state.SessionID),
				slog.Any("panic", recovered),
			)
		}
	}()
	if err := fn(ctx); err != nil {
		observability.IncrementObserverFailure()
		c.Logger.WarnContext(ctx, "pipeline observer failed",
			slog.String("session_id", state.SessionID),
			slog.Any("error", err),
		)
	}
}

func validateRequest(req Request) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return errors.New("question is required")
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return fmt.Errorf("question exceeds %d characters", MaxQuestionLength)
	}
	return nil
}

func newState(req Request, now time.Time) *State {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &State{
		Question:       strings.TrimSpace(req.Question),
		SessionID:      sessionID,
		ConnectionID:   strings.TrimSpace(req.ConnectionID),
		StageDurations: map[Stage]time.Duration{},
		Errors:         []string{},
		Warnings:       []string{},
		StartedAt:      now,
	}
}
