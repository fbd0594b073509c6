package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors logs and joins the non-nil errors of a fan-out operation.
// It returns nil when every step succeeded and the lone error, wrapped, when only one failed.
func AggregateErrors(operation string, errList []error, fields ...Field) error {
	var failed []error
	for _, err := range errList {
		if err != nil {
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		Log().Error(operation+" failed", append(fields, Field{Key: "error", Value: failed[0].Error()})...)
		return fmt.Errorf("%s: %w", operation, failed[0])
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	Log().Error(operation+" failed",
		append(fields, Field{Key: "error_count", Value: len(failed)}, Field{Key: "errors", Value: messages})...)
	return fmt.Errorf("%s: %d errors: %w", operation, len(failed), errors.Join(failed...))
}
