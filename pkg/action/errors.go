package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openassembly/backend/pkg/perm"
)

// SchemaError reports a payload that fails an action's declared schema.
type SchemaError struct {
	Action  string
	Reasons []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("action %s: payload rejected: %s", e.Action, strings.Join(e.Reasons, "; "))
}

// Exception is a domain invariant violation. It aborts the whole request.
type Exception struct {
	Action  string
	Message string
}

func (e *Exception) Error() string {
	if e.Action == "" {
		return e.Message
	}
	return fmt.Sprintf("action %s: %s", e.Action, e.Message)
}

// Errorf builds an Exception.
func Errorf(action, format string, args ...any) *Exception {
	return &Exception{Action: action, Message: fmt.Sprintf(format, args...)}
}

// PermissionDeniedError reports missing capability tokens.
type PermissionDeniedError struct {
	Missing []perm.Permission
	Reason  string
}

func (e *PermissionDeniedError) Error() string {
	tokens := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		tokens[i] = string(p)
	}
	msg := fmt.Sprintf("missing permission: %s", strings.Join(tokens, ", "))
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Denied builds a PermissionDeniedError for the given tokens.
func Denied(reason string, missing ...perm.Permission) *PermissionDeniedError {
	return &PermissionDeniedError{Missing: missing, Reason: reason}
}

// IsSchema reports whether err is a schema validation failure.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsException reports whether err is a domain invariant violation.
func IsException(err error) bool {
	var ae *Exception
	return errors.As(err, &ae)
}

// IsPermissionDenied reports whether err is a permission failure.
func IsPermissionDenied(err error) bool {
	var pe *PermissionDeniedError
	return errors.As(err, &pe)
}
