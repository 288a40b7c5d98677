package query

import (
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindQueryFailed ErrorKind = "query_failed"
)

// ExecutionError is a statement failure. It is never retried because a
// failed statement is not known to be safe to re-run.
type ExecutionError struct {
	Kind    ErrorKind
	Timeout time.Duration
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Kind == KindTimeout {
		return fmt.Sprintf("query timeout after %s", e.Timeout)
	}
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConnectionError is a failure to obtain or keep a usable connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
