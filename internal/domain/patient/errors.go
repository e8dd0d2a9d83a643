package patient

import (
	"errors"

	"github.com/google/uuid"

	"github.com/cardio/consult/internal/platform/apperror"
)

// MapError translates a store error into the application error taxonomy.
// Errors that already carry a kind pass through unchanged.
func MapError(op string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, ErrNotFound):
		return apperror.NotFound("patient", id.String())
	case errors.Is(err, ErrDuplicateEmail):
		return apperror.Conflict("email already registered")
	case errors.Is(err, ErrAlreadyExists):
		return apperror.Conflict("patient already registered")
	default:
		return apperror.Storage(op, err)
	}
}
