package ledger

import (
	"errors"
	"fmt"
	"strings"

	"connectreward/pkg/errutil"
)

// Error taxonomy shared by the ledger, award and admission code. Every error
// returned to callers is an errutil.BaseError wrapping one of these, so both
// errors.Is and errutil.StatusOf work.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStorageFailure      = errors.New("storage failure")
)

func ValidationError(msg string, details ...errutil.Detail) error {
	return errutil.ValidationFailed(msg, ErrValidation, errutil.WithDetails(details...))
}

func NotFoundError(msg string) error {
	return errutil.NotFound(msg, ErrNotFound)
}

func InsufficientBalanceError(balance, required int64) error {
	return errutil.UnprocessableEntity("insufficient balance", ErrInsufficientBalance,
		errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: fmt.Sprintf("balance %d is less than %d", balance, required),
		}))
}

func LimitExceededError(msg string) error {
	return errutil.Forbidden(msg, ErrLimitExceeded)
}

func ConflictError(msg string) error {
	return errutil.Conflict(msg, ErrConcurrencyConflict)
}

// StorageError wraps a persistence failure. Errors that already carry a
// status pass through unchanged.
func StorageError(msg string, err error) error {
	if err == nil {
		return nil
	}
	var be errutil.BaseError
	if errors.As(err, &be) {
		return err
	}
	return errutil.Internal(msg, errors.Join(ErrStorageFailure, err))
}

func detail(field, msg string) errutil.Detail {
	return errutil.Detail{Field: field, Message: msg}
}

// RequireID rejects an empty identifier before it reaches a struct lookup.
func RequireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return ValidationError(field+" is required", detail(field, "must not be empty"))
	}
	return nil
}
