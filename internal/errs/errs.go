// Package errs defines the typed error kinds shared by the execution core
// so the shuttle and the HTTP surface can classify failures, in particular
// which ones are retryable.
package errs

import "fmt"

// Kind classifies a failure.
type Kind string

// The error kinds the core produces.
const (
	BadInsert         Kind = "bad_insert"
	BadSchema         Kind = "bad_schema"
	BadRecord         Kind = "bad_record"
	PartitionMigrated Kind = "partition_migrated"
	QueryCompile      Kind = "query_compile"
	QueryRuntime      Kind = "query_runtime"
	Timeout           Kind = "timeout"
	NodeUnreachable   Kind = "node_unreachable"
)

// Error carries a kind plus a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Msg
}

// Retryable reports whether a caller may safely retry the operation.
func (e *Error) Retryable() bool {
	return e.Kind == PartitionMigrated || e.Kind == Timeout
}

// KindOf extracts the Kind from an error, or QueryRuntime for foreign
// errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return QueryRuntime
}
