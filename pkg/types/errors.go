package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error tag constants.
const (
	TagTokenizeError           = "TokenizeError"
	TagParseError              = "ParseError"
	TagSchemaVerificationError = "SchemaVerificationError"
	TagBindError               = "BindError"
	TagEvalError               = "EvalError"
	TagNotFound                = "NotFound"
	TagAlreadyExists           = "AlreadyExists"
	TagInvalidArgument         = "InvalidArgument"
)

// ExprError is the error type returned by every cellexpr package. Tags
// classify the failure; Pos is the source offset for tokenize and parse
// errors and -1 otherwise.
type ExprError struct {
	Message string
	Tags    []string
	Pos     int
}

// Error implements the error interface.
func (e *ExprError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%s at position %d (tags=[%s])", e.Message, e.Pos, strings.Join(e.Tags, ", "))
	}
	return fmt.Sprintf("%s (tags=[%s])", e.Message, strings.Join(e.Tags, ", "))
}

// HasTag returns true if the error has the specified tag.
func (e *ExprError) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ToMap converts the error into the payload shape used by the APIs.
func (e *ExprError) ToMap() map[string]any {
	m := map[string]any{
		"message": e.Message,
		"tags":    append([]string(nil), e.Tags...),
	}
	if e.Pos >= 0 {
		m["position"] = e.Pos
	}
	return m
}

// HasTag reports whether err wraps an *ExprError carrying tag.
func HasTag(err error, tag string) bool {
	var ee *ExprError
	if errors.As(err, &ee) {
		return ee.HasTag(tag)
	}
	return false
}

// Common error constructors.

// NewTokenizeError creates a TokenizeError at source offset pos.
func NewTokenizeError(pos int, format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagTokenizeError}, Pos: pos}
}

// NewParseError creates a ParseError at source offset pos.
func NewParseError(pos int, format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagParseError}, Pos: pos}
}

// NewSchemaVerificationError creates a SchemaVerificationError.
func NewSchemaVerificationError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagSchemaVerificationError}, Pos: -1}
}

// NewBindError creates a BindError.
func NewBindError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagBindError}, Pos: -1}
}

// NewEvalError creates an EvalError.
func NewEvalError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagEvalError}, Pos: -1}
}

// NewNotFoundError creates a NotFound error.
func NewNotFoundError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagNotFound}, Pos: -1}
}

// NewAlreadyExistsError creates an AlreadyExists error.
func NewAlreadyExistsError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagAlreadyExists}, Pos: -1}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(format string, args ...any) *ExprError {
	return &ExprError{Message: fmt.Sprintf(format, args...), Tags: []string{TagInvalidArgument}, Pos: -1}
}
