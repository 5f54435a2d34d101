package validation

import (
	"strings"
	"time"

	qerrors "github.com/vnykmshr/queuemon/pkg/common/errors"
)

// ValidatePositive rejects counts such as worker or batch sizes that are < 1.
func ValidatePositive(module, field string, value int) error {
	if value <= 0 {
		return qerrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNonNegative rejects negative counts. Zero is allowed, so a
// redelivery budget of 0 passes.
func ValidateNonNegative(module, field string, value int) error {
	if value < 0 {
		return qerrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive value")
	}
	return nil
}

// ValidatePositiveDuration rejects timeouts and intervals that are <= 0.
func ValidatePositiveDuration(module, field string, value time.Duration) error {
	if value <= 0 {
		return qerrors.NewValidationError(module, field, value, "must be positive").
			WithHint("use a duration such as 100ms or 30s")
	}
	return nil
}

// ValidateNotNil rejects a nil interface value.
func ValidateNotNil(module, field string, value interface{}) error {
	if value == nil {
		return qerrors.NewValidationError(module, field, nil, "cannot be nil").
			WithHint("provide a valid " + field)
	}
	return nil
}

// ValidateNotEmpty rejects empty and whitespace-only strings. Queue names end
// up as metric tag values, where a blank value is indistinguishable from none.
func ValidateNotEmpty(module, field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return qerrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidateOneOf rejects value unless it equals one of allowed.
func ValidateOneOf(module, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return qerrors.NewValidationError(module, field, value, "unknown value").
		WithHint("use one of " + strings.Join(allowed, ", "))
}
