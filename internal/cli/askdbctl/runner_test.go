package askdbctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRunAskCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sql_query":"SELECT 1 LIMIT 1000","errors":[]}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"-connection-id", "c-1",
		"ask", "top", "loans", "by", "amount",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/query" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" {
		t.Fatalf("api key = %q", gotAPIKey)
	}
	if gotBody["question"] != "top loans by amount" || gotBody["connection_id"] != "c-1" {
		t.Fatalf("body = %#v", gotBody)
	}
	if !strings.Contains(stdout.String(), "LIMIT 1000") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunAskExitsNonZeroOnPipelineErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errors":["Connection not found"]}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "ask", "anything"}, Options{Stdout: &stdout})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "Connection not found") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunUsageCommand(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"queries_used":3}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "usage", "c-1"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/connections/c-1/usage" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestRunConnectionsCommand(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"connections":[]}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-include-inactive", "connections"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotPath != "/v1/connections" || gotQuery != "include_inactive=true" {
		t.Fatalf("request = %s?%s", gotPath, gotQuery)
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code":"FORBIDDEN"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "health"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 403") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunRejectsMissingArguments(t *testing.T) {
	for _, args := range [][]string{{"unknown"}, {"ask"}, {"usage"}, {}} {
		var stderr bytes.Buffer
		code := Run(context.Background(), args, Options{Stderr: &stderr})
		if code != 2 {
			t.Fatalf("args %v: exit code = %d", args, code)
		}
		if stderr.Len() == 0 {
			t.Fatalf("args %v: expected usage output", args)
		}
	}
}
