// Package nl2sql turns natural-language questions into a single SELECT
// statement using a language model and a schema description.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/llm"
	"github.com/askdb/askdb/internal/sqlguard"
)

// Request carries a question and the schema it may use. Tables are the
// enabled tables of a tenant connection and are ignored when BuiltIn is set.
type Request struct {
	Question string
	Dialect  dialect.Name
	Tables   []catalog.TableDescriptor
	BuiltIn  bool
	MaxRows  int
}

type Result struct {
	SQL      string `json:"sql"`
	Response string `json:"-"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

var ErrNoEnabledTables = errors.New("connection has no enabled tables")

// TranslationError means no usable SQL could be produced for a question.
type TranslationError struct {
	Reason string
	Err    error
}

func (e *TranslationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("SQL generation failed: %s: %v", e.Reason, e.Err)
	}
	return "SQL generation failed: " + e.Reason
}

func (e *TranslationError) Unwrap() error { return e.Err }

type LLMTranslator struct {
	Completer llm.Completer
}

func NewLLMTranslator(completer llm.Completer) *LLMTranslator {
	return &LLMTranslator{Completer: completer}
}

func (t *LLMTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Result{}, &TranslationError{Reason: "question is empty"}
	}
	if !req.BuiltIn && len(req.Tables) == 0 {
		return Result{}, &TranslationError{Reason: "no schema available", Err: ErrNoEnabledTables}
	}

	response, err := t.Completer.Complete(ctx, llm.Request{
		System: systemPrompt,
		Prompt: buildPrompt(req, question),
	})
	if err != nil {
		return Result{}, &TranslationError{Reason: "language model call failed", Err: err}
	}

	sql := extractSQL(response)
	if !sqlguard.HasToken(sql, "SELECT") {
		return Result{Response: response}, &TranslationError{Reason: "model response contained no SELECT statement"}
	}
	return Result{SQL: sql, Response: response}, nil
}

var (
	fencePattern  = regexp.MustCompile("```(?:sql|SQL)?\\n?")
	selectPattern = regexp.MustCompile(`(?is)(SELECT\s+.*?;?)\s*$`)
)

// extractSQL removes markdown fences and surrounding prose, returning the
// trailing SELECT statement without its semicolon.
func extractSQL(response string) string {
	cleaned := fencePattern.ReplaceAllString(response, "")
	if match := selectPattern.FindStringSubmatch(cleaned); match != nil {
		return strings.TrimRight(strings.TrimSpace(match[1]), ";")
	}
	return strings.TrimRight(strings.TrimSpace(cleaned), ";")
}
