// Package errs classifies the error kinds named in the replication design.
// Transport, Permission, Decode, Gap and WriteConflict each have a type that
// callers can match with errors.As (AsGap does this for GapError).
// Idempotent-expected server errors have no type of their own; they are
// recognized by message with IsIdempotentOK.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError wraps a connection loss, socket timeout, or other driver
// error that the supervisor boundary should retry with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// PermissionError is fatal: the process should exit with a diagnostic
// naming the URI, database and underlying cause.
type PermissionError struct {
	URI string
	DB  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied connecting to %s (db %s): %v", e.URI, e.DB, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func Permission(uri, db string, err error) error {
	return &PermissionError{URI: uri, DB: db, Err: err}
}

// DecodeError marks a log entry that could not be classified: a missing
// required field or an unrecognized op value. Fatal to the batch it
// belongs to.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Decode(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// GapError indicates the oplog store's earliest retained timestamp is newer
// than the last trusted position (Resume-Point on capture start, or
// Applied-Checkpoint on replicator start). Triggers re-initialization.
type GapError struct {
	Component string
	Detail    string
}

func (e *GapError) Error() string {
	return fmt.Sprintf("unrecoverable gap in %s: %s", e.Component, e.Detail)
}

func Gap(component, detail string) error {
	return &GapError{Component: component, Detail: detail}
}

// WriteConflictError wraps a bulk write response containing writeErrors.
// Fatal to the batch; the applied checkpoint must not advance.
type WriteConflictError struct {
	Response string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("bulk write reported errors: %s", e.Response)
}

func WriteConflict(response string) error {
	return &WriteConflictError{Response: response}
}

// idempotentSubstrings lists server error text fragments that the DDL
// Executor and Bulk Apply Engine treat as successful no-ops rather than
// failures, per the idempotence rules in the DDL sub-kind table.
var idempotentSubstrings = []string{
	"already exists",
	"ns not found",
	"not found",
	"NamespaceNotFound",
	"NamespaceExists",
	"IndexNotFound",
	"collection does not exist",
}

// IsIdempotentOK reports whether err represents a server response that the
// DDL Executor should treat as a successful idempotent no-op, given the
// additional expected substrings for the specific operation being retried.
func IsIdempotentOK(err error, expectedSubstrings ...string) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range idempotentSubstrings {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	for _, s := range expectedSubstrings {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// AsGap reports whether err is or wraps a GapError.
func AsGap(err error) bool {
	var g *GapError
	return errors.As(err, &g)
}
