package paging

import "github.com/SiriusScan/leakwatch/leakwatch/apperr"

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Validate rejects a negative skip or a limit outside [1, MaxLimit].
func Validate(op string, skip, limit int) error {
	if skip < 0 {
		return apperr.Validation(op, "skip must be zero or positive, got %d", skip)
	}
	if limit < 1 || limit > MaxLimit {
		return apperr.Validation(op, "limit must be between 1 and %d, got %d", MaxLimit, limit)
	}
	return nil
}
