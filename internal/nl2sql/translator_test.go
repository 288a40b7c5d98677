package nl2sql

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/catalog"
	"github.com/askdb/askdb/internal/dialect"
	"github.com/askdb/askdb/internal/llm"
)

type scriptedCompleter struct {
	response string
	err      error
	requests []llm.Request
}

func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.requests = append(c.requests, req)
	return c.response, c.err
}

func TestExtractSQL(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{input: "```sql\nSELECT 1;\n```", want: "SELECT 1"},
		{input: "SELECT loan_amnt FROM loans LIMIT 10;", want: "SELECT loan_amnt FROM loans LIMIT 10"},
		{input: "Here you go:\nSELECT grade FROM loans GROUP BY 1", want: "SELECT grade FROM loans GROUP BY 1"},
		{input: "```\nselect count(*) from loans\n```", want: "select count(*) from loans"},
		{input: "I cannot answer that.", want: "I cannot answer that."},
	}
	for _, tc := range cases {
		if got := extractSQL(tc.input); got != tc.want {
			t.Fatalf("extractSQL(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestTranslateBuiltInUsesLoansSchema(t *testing.T) {
	completer := &scriptedCompleter{response: "```sql\nSELECT loan_amnt, grade FROM loans ORDER BY loan_amnt DESC LIMIT 10;\n```"}
	translator := NewLLMTranslator(completer)

	result, err := translator.Translate(context.Background(), Request{Question: "Show top 10 loans by amount", BuiltIn: true, MaxRows: 1000})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT loan_amnt, grade FROM loans ORDER BY loan_amnt DESC LIMIT 10" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	prompt := completer.requests[0].Prompt
	for _, want := range []string{"Available table: loans", "User Question: Show top 10 loans by amount", "default 1000 for safety", "PostgreSQL"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestTranslateTenantPromptListsOnlyGivenTables(t *testing.T) {
	completer := &scriptedCompleter{response: "SELECT id FROM shop.orders"}
	translator := NewLLMTranslator(completer)

	_, err := translator.Translate(context.Background(), Request{
		Question: "how many orders?",
		Dialect:  dialect.MySQL,
		Tables: []catalog.TableDescriptor{{
			SchemaName: "shop",
			TableName:  "orders",
			Columns:    []catalog.ColumnDescriptor{{Name: "id", DataType: "int"}, {Name: "note", DataType: "text", Nullable: true}},
		}},
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	prompt := completer.requests[0].Prompt
	if strings.Contains(prompt, "loans") {
		t.Fatalf("tenant prompt leaked built-in schema:\n%s", prompt)
	}
	for _, want := range []string{"Table: shop.orders", "- id (int)", "- note (text, nullable)", "MySQL SELECT query"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestTranslateWithoutEnabledTablesFailsBeforeModelCall(t *testing.T) {
	completer := &scriptedCompleter{response: "SELECT 1"}
	translator := NewLLMTranslator(completer)

	_, err := translator.Translate(context.Background(), Request{Question: "anything"})
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) {
		t.Fatalf("Translate() error = %v, want TranslationError", err)
	}
	if !errors.Is(err, ErrNoEnabledTables) {
		t.Fatalf("Translate() error = %v, want ErrNoEnabledTables", err)
	}
	if len(completer.requests) != 0 {
		t.Fatal("model was called without a schema")
	}
}

func TestTranslateRejectsResponseWithoutSelect(t *testing.T) {
	translator := NewLLMTranslator(&scriptedCompleter{response: "Sorry, I can't help with that."})
	_, err := translator.Translate(context.Background(), Request{Question: "q", BuiltIn: true})
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) {
		t.Fatalf("Translate() error = %v, want TranslationError", err)
	}
}

func TestTranslateWrapsCompleterError(t *testing.T) {
	translator := NewLLMTranslator(llm.Disabled{})
	_, err := translator.Translate(context.Background(), Request{Question: "q", BuiltIn: true})
	if !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("Translate() error = %v, want ErrNotConfigured", err)
	}
}
