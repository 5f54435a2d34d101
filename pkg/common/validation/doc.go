// Package validation provides common validation utilities for configuration
// parameters across the queuemon library.
//
// Every helper returns a *errors.ValidationError so callers can test for it
// with errors.IsValidationError or errors.Is(err, errors.ErrInvalidConfiguration).
package validation
