package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins errs, logs them once under operation, and returns the
// joined error. It returns nil when every entry is nil.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	joined := errors.Join(filtered...)
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields, F("operation", operation), F("error_count", len(filtered)), Err(joined))
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
