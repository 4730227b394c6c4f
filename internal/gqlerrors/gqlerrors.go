// Package gqlerrors converts arbitrary Go errors into GraphQL response errors
// and applies the redaction policy used before they are written to clients.
package gqlerrors

import (
	"fmt"
	"maps"

	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Error codes placed under extensions.code.
const (
	CodeInternalServerError        = "INTERNAL_SERVER_ERROR"
	CodeParseFailed                = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed           = "GRAPHQL_VALIDATION_FAILED"
	CodeBadUserInput               = "BAD_USER_INPUT"
	CodePersistedQueryNotSupported = "PERSISTED_QUERY_NOT_SUPPORTED"
	CodePersistedQueryNotFound     = "PERSISTED_QUERY_NOT_FOUND"
)

// Formatter rewrites an error before it is sent to the client.
type Formatter func(*gqlerror.Error) *gqlerror.Error

// FormatOptions controls Format.
type FormatOptions struct {
	// Debug keeps exception details such as stack traces in extensions.
	Debug bool
	// Formatter runs after enrichment; nil leaves errors untouched.
	Formatter Formatter
}

// New returns a GraphQL error with the given message and code.
func New(code, message string) *gqlerror.Error {
	return &gqlerror.Error{Message: message, Extensions: map[string]any{"code": code}}
}

// WithCode tags every error in errs that has no code yet.
func WithCode(errs gqlerror.List, code string) gqlerror.List {
	for _, e := range errs {
		if Code(e) != "" {
			continue
		}
		if e.Extensions == nil {
			e.Extensions = map[string]any{}
		}
		e.Extensions["code"] = code
	}
	return errs
}

// Code reports extensions.code of err, or "" when absent.
func Code(err *gqlerror.Error) string {
	if err == nil || err.Extensions == nil {
		return ""
	}
	code, _ := err.Extensions["code"].(string)
	return code
}

// HasPersistedQueryError reports whether errs contains a persisted query
// error. Responses carrying one must not be cached by intermediaries.
func HasPersistedQueryError(errs []*gqlerror.Error) bool {
	for _, e := range errs {
		switch Code(e) {
		case CodePersistedQueryNotFound, CodePersistedQueryNotSupported:
			return true
		}
	}
	return false
}

// Format converts errs into client-facing GraphQL errors.
func Format(errs []error, opts FormatOptions) gqlerror.List {
	out := make(gqlerror.List, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		out = append(out, formatOne(err, opts))
	}
	return out
}

// FormatList is Format for errors that are already GraphQL errors.
func FormatList(errs gqlerror.List, opts FormatOptions) gqlerror.List {
	in := make([]error, len(errs))
	for i, e := range errs {
		in[i] = e
	}
	return Format(in, opts)
}

func formatOne(err error, opts FormatOptions) (out *gqlerror.Error) {
	enriched := enrich(err, opts.Debug)
	if opts.Formatter == nil {
		return enriched
	}
	defer func() {
		if r := recover(); r != nil {
			out = internalError(enriched, opts.Debug)
		}
	}()
	if formatted := opts.Formatter(enriched); formatted != nil {
		return formatted
	}
	return internalError(enriched, opts.Debug)
}

func internalError(enriched *gqlerror.Error, debug bool) *gqlerror.Error {
	if debug {
		return enriched
	}
	return New(CodeInternalServerError, "Internal server error")
}

// enrich copies err into a fresh *gqlerror.Error so callers never observe
// mutations of errors they still hold.
func enrich(err error, debug bool) *gqlerror.Error {
	var out gqlerror.Error
	var ge *gqlerror.Error
	if errors.As(err, &ge) && ge != nil {
		out = *ge
		out.Extensions = maps.Clone(ge.Extensions)
	} else {
		out = gqlerror.Error{Message: err.Error(), Err: err}
	}
	if out.Extensions == nil {
		out.Extensions = map[string]any{}
	}
	if _, ok := out.Extensions["code"]; !ok {
		out.Extensions["code"] = CodeInternalServerError
	}

	exception, _ := out.Extensions["exception"].(map[string]any)
	exception = maps.Clone(exception)
	if debug {
		if st := stackTrace(err); len(st) > 0 {
			if exception == nil {
				exception = map[string]any{}
			}
			exception["stacktrace"] = st
		}
	} else if exception != nil {
		delete(exception, "stacktrace")
	}
	if len(exception) > 0 {
		out.Extensions["exception"] = exception
	} else {
		delete(out.Extensions, "exception")
	}
	return &out
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) []string {
	var st stackTracer
	if !errors.As(err, &st) {
		return nil
	}
	lines := []string{err.Error()}
	for _, f := range st.StackTrace() {
		lines = append(lines, fmt.Sprintf("at %n (%s:%d)", f, f, f))
	}
	return lines
}
