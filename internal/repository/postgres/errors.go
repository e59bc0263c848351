package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/jwalitptl/palliative-api/internal/repository"
)

// SQLSTATE codes we translate.
const (
	codeUniqueViolation     = pq.ErrorCode("23505")
	codeExclusionViolation  = pq.ErrorCode("23P01")
	codeCheckViolation      = pq.ErrorCode("23514")
	codeForeignKeyViolation = pq.ErrorCode("23503")
)

// mapError turns driver errors into repository sentinels, keeping the cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeExclusionViolation, codeUniqueViolation:
		return fmt.Errorf("%w: %s", repository.ErrConflict, pqErr.Constraint)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", repository.ErrInvalid, pqErr.Constraint)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s", repository.ErrNotFound, pqErr.Constraint)
	}
	return err
}
